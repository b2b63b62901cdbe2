package repositories

import (
	"context"

	"github.com/upb/audit-relay/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction. The returned Transaction's Context
	// carries the transaction so repositories called with it use it.
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditEventRepository is the ledger of mirrored upstream events
type AuditEventRepository interface {
	// Fingerprints returns the stored payload hash for each of ids that
	// already exists in the group. Missing ids are absent from the map.
	Fingerprints(ctx context.Context, groupID string, ids []string) (map[string]string, error)

	// UpsertBatch inserts or updates rows by external id. Relay state
	// (posted, processed_at, relay_ref) is never modified on conflict.
	UpsertBatch(ctx context.Context, events []*models.AuditEvent) (inserted int, err error)

	// ClaimOldestPending locks and returns the oldest unposted row, skipping
	// rows locked by other transactions. Returns nil when nothing is
	// claimable. Must be called with a transaction context; the lock is
	// held until that transaction ends.
	ClaimOldestPending(ctx context.Context) (*models.AuditEvent, error)

	// MarkPosted flags a row as relayed. A row already posted is left as is.
	MarkPosted(ctx context.Context, id int64, relayRef string) error

	// RecordRelayFailure bumps relay_attempts and stores the last error
	RecordRelayFailure(ctx context.Context, id int64, cause error) error

	// GetByExternalID retrieves a single row
	GetByExternalID(ctx context.Context, externalID string) (*models.AuditEvent, error)

	// Stats summarizes relay progress
	Stats(ctx context.Context) (*models.LedgerStats, error)
}

// CredentialRepository persists the last-known-good upstream credential
type CredentialRepository interface {
	// Load returns the stored snapshot, or nil when none exists
	Load(ctx context.Context) (*models.SessionSnapshot, error)

	// Save replaces the stored snapshot
	Save(ctx context.Context, snapshot *models.SessionSnapshot) error

	// Clear removes the stored snapshot
	Clear(ctx context.Context) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	AuditEvents AuditEventRepository
	Credentials CredentialRepository
}
