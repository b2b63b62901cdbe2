package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/services"
	"go.uber.org/zap"
)

// maxLastErrorLen caps the diagnostic stored per row
const maxLastErrorLen = 1000

// upsertColumnCount must match the VALUES tuple built in UpsertBatch
const upsertColumnCount = 14

const auditEventColumns = `
	id, external_id, group_id, event_type, category, description, notes,
	actor_id, actor_display_name, target_id, target_display_name,
	payload, payload_hash, source, created_at, inserted_at,
	posted, processed_at, relay_ref, relay_attempts, last_error`

// AuditEventRepository implements repositories.AuditEventRepository
type AuditEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditEventRepository creates a new ledger repository
func NewAuditEventRepository(db *DB, logger *zap.Logger) repositories.AuditEventRepository {
	return &AuditEventRepository{
		db:     db,
		logger: logger,
	}
}

// Fingerprints returns external_id -> payload_hash for ids already stored in the group
func (r *AuditEventRepository) Fingerprints(ctx context.Context, groupID string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT external_id, payload_hash
		FROM audit_events
		WHERE group_id = $1 AND external_id = ANY($2)
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, groupID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan existing audit event: %w", err)
		}
		out[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating existing audit events: %w", err)
	}

	return out, nil
}

// UpsertBatch writes all events in a single statement. On conflict every
// descriptive column takes the incoming value; relay state is untouched.
// Returns how many rows were newly inserted.
func (r *AuditEventRepository) UpsertBatch(ctx context.Context, events []*models.AuditEvent) (int, error) {
	events = dedupeByExternalID(events)
	if len(events) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO audit_events (
			external_id, group_id, event_type, category, description, notes,
			actor_id, actor_display_name, target_id, target_display_name,
			payload, payload_hash, source, created_at
		) VALUES `)

	args := make([]interface{}, 0, len(events)*upsertColumnCount)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 1; c <= upsertColumnCount; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*upsertColumnCount+c)
		}
		sb.WriteString(")")

		args = append(args,
			e.ExternalID,
			e.GroupID,
			e.EventType,
			string(e.Category),
			e.Description,
			e.Notes,
			e.ActorID,
			e.ActorDisplayName,
			e.TargetID,
			e.TargetDisplayName,
			jsonbArg(e.Payload),
			e.PayloadHash,
			e.Source,
			e.CreatedAt,
		)
	}

	sb.WriteString(`
		ON CONFLICT (external_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			event_type = EXCLUDED.event_type,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			notes = EXCLUDED.notes,
			actor_id = EXCLUDED.actor_id,
			actor_display_name = EXCLUDED.actor_display_name,
			target_id = EXCLUDED.target_id,
			target_display_name = EXCLUDED.target_display_name,
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			source = EXCLUDED.source,
			created_at = EXCLUDED.created_at
		RETURNING (xmax = 0) AS inserted`)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert audit events: %w", err)
	}
	defer rows.Close()

	inserted := 0
	for rows.Next() {
		var isInsert bool
		if err := rows.Scan(&isInsert); err != nil {
			return 0, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		if isInsert {
			inserted++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating upsert results: %w", err)
	}

	r.logger.Debug("audit events upserted",
		zap.Int("rows", len(events)),
		zap.Int("inserted", inserted))
	return inserted, nil
}

// ClaimOldestPending locks the oldest unposted row for the caller's transaction
func (r *AuditEventRepository) ClaimOldestPending(ctx context.Context) (*models.AuditEvent, error) {
	if _, ok := GetTransactionFromContext(ctx); !ok {
		return nil, errors.New("claim requires a transaction context")
	}

	query := `SELECT` + auditEventColumns + `
		FROM audit_events
		WHERE posted = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	executor := GetExecutor(ctx, r.db)
	event, err := scanAuditEvent(executor.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending audit event: %w", err)
	}

	r.logger.Debug("audit event claimed",
		zap.Int64("row_id", event.ID),
		zap.String("event_id", event.ExternalID))
	return event, nil
}

// MarkPosted sets posted, processed_at and relay_ref. An empty relayRef is stored as NULL.
func (r *AuditEventRepository) MarkPosted(ctx context.Context, id int64, relayRef string) error {
	query := `
		UPDATE audit_events
		SET posted = TRUE, processed_at = NOW(), relay_ref = $2
		WHERE id = $1 AND posted = FALSE
	`

	var ref interface{}
	if relayRef != "" {
		ref = relayRef
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id, ref)
	if err != nil {
		return fmt.Errorf("failed to mark audit event posted: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		r.logger.Debug("audit event already posted", zap.Int64("row_id", id))
	}

	return nil
}

// RecordRelayFailure bumps relay_attempts and stores the error text on an unposted row
func (r *AuditEventRepository) RecordRelayFailure(ctx context.Context, id int64, cause error) error {
	query := `
		UPDATE audit_events
		SET relay_attempts = relay_attempts + 1, last_error = $2
		WHERE id = $1 AND posted = FALSE
	`

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	msg = truncateUTF8(msg, maxLastErrorLen)

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, id, msg); err != nil {
		return fmt.Errorf("failed to record relay failure: %w", err)
	}
	return nil
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// GetByExternalID retrieves a single row by its upstream id
func (r *AuditEventRepository) GetByExternalID(ctx context.Context, externalID string) (*models.AuditEvent, error) {
	query := `SELECT` + auditEventColumns + `
		FROM audit_events
		WHERE external_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	event, err := scanAuditEvent(executor.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", services.ErrEventNotFound, externalID)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// Stats summarizes relay progress across the ledger
func (r *AuditEventRepository) Stats(ctx context.Context) (*models.LedgerStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE posted = FALSE),
			COUNT(*) FILTER (WHERE posted = TRUE),
			MIN(created_at) FILTER (WHERE posted = FALSE)
		FROM audit_events
	`

	var (
		stats  models.LedgerStats
		oldest sql.NullTime
	)

	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Posted, &oldest); err != nil {
		return nil, fmt.Errorf("failed to get ledger stats: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestPendingAt = &t
	}

	return &stats, nil
}

func scanAuditEvent(row *sql.Row) (*models.AuditEvent, error) {
	e := &models.AuditEvent{}
	var (
		category string
		payload  []byte
	)

	err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&e.GroupID,
		&e.EventType,
		&category,
		&e.Description,
		&e.Notes,
		&e.ActorID,
		&e.ActorDisplayName,
		&e.TargetID,
		&e.TargetDisplayName,
		&payload,
		&e.PayloadHash,
		&e.Source,
		&e.CreatedAt,
		&e.InsertedAt,
		&e.Posted,
		&e.ProcessedAt,
		&e.RelayRef,
		&e.RelayAttempts,
		&e.LastError,
	)
	if err != nil {
		return nil, err
	}

	e.Category = models.EventCategory(category)
	e.Payload = payload
	return e, nil
}

// jsonbArg sends JSON as text; lib/pq would encode []byte as bytea.
func jsonbArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// dedupeByExternalID keeps the last occurrence of each id. Postgres rejects
// an ON CONFLICT statement that touches the same row twice.
func dedupeByExternalID(events []*models.AuditEvent) []*models.AuditEvent {
	index := make(map[string]int, len(events))
	out := make([]*models.AuditEvent, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		if i, ok := index[e.ExternalID]; ok {
			out[i] = e
			continue
		}
		index[e.ExternalID] = len(out)
		out = append(out, e)
	}
	return out
}
