package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"go.uber.org/zap"
)

// CredentialRepository stores one session snapshot per upstream account
type CredentialRepository struct {
	db     *DB
	name   string
	logger *zap.Logger
}

// NewCredentialRepository creates a snapshot repository keyed by name
func NewCredentialRepository(db *DB, name string, logger *zap.Logger) repositories.CredentialRepository {
	return &CredentialRepository{
		db:     db,
		name:   name,
		logger: logger,
	}
}

// Load returns the stored snapshot or nil
func (r *CredentialRepository) Load(ctx context.Context) (*models.SessionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := `SELECT credential, saved_at FROM session_snapshots WHERE name = $1`

	snap := &models.SessionSnapshot{}
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query, r.name).Scan(&snap.Credential, &snap.SavedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session snapshot: %w", err)
	}
	return snap, nil
}

// Save upserts the snapshot
func (r *CredentialRepository) Save(ctx context.Context, snapshot *models.SessionSnapshot) error {
	if snapshot.Empty() {
		return errors.New("refusing to save an empty session snapshot")
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := `
		INSERT INTO session_snapshots (name, credential, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			credential = EXCLUDED.credential,
			saved_at = EXCLUDED.saved_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, r.name, snapshot.Credential, snapshot.SavedAt); err != nil {
		return fmt.Errorf("failed to save session snapshot: %w", err)
	}

	r.logger.Debug("session snapshot saved", zap.String("name", r.name))
	return nil
}

// Clear deletes the snapshot
func (r *CredentialRepository) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, `DELETE FROM session_snapshots WHERE name = $1`, r.name); err != nil {
		return fmt.Errorf("failed to clear session snapshot: %w", err)
	}
	return nil
}
