// Package memory is an in-process ledger with the same claim semantics as
// the Postgres repository: a claimed row stays invisible to other
// transactions until the claiming transaction ends. Writes made inside a
// transaction are applied on commit. It backs pipeline tests and local
// dry runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/services"
)

type txKey struct{}

// Store holds ledger rows in memory
type Store struct {
	clock clock.Clock

	mu         sync.Mutex
	rows       map[int64]*models.AuditEvent
	byExternal map[string]int64
	locks      map[int64]*Tx
	nextID     int64
}

var (
	_ repositories.AuditEventRepository = (*Store)(nil)
	_ repositories.TransactionManager   = (*Store)(nil)
)

// New creates an empty store
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:      clk,
		rows:       make(map[int64]*models.AuditEvent),
		byExternal: make(map[string]int64),
		locks:      make(map[int64]*Tx),
	}
}

// Tx is an in-memory transaction
type Tx struct {
	store *Store
	ctx   context.Context
	ops   []func()
	done  bool
}

// Begin starts a transaction
func (s *Store) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx := &Tx{store: s}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	return tx, nil
}

// InTransaction runs fn in a transaction
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return services.WithTransaction(ctx, s, fn)
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Commit applies buffered writes and releases claims
func (tx *Tx) Commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return errors.New("transaction already finished")
	}
	for _, op := range tx.ops {
		op()
	}
	tx.finishLocked()
	return nil
}

// Rollback discards buffered writes and releases claims
func (tx *Tx) Rollback() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.finishLocked()
	return nil
}

func (tx *Tx) finishLocked() {
	tx.done = true
	tx.ops = nil
	for id, owner := range tx.store.locks {
		if owner == tx {
			delete(tx.store.locks, id)
		}
	}
}

// run applies op now, or on commit when ctx carries a transaction
func (s *Store) run(ctx context.Context, op func()) {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok && !tx.done {
		tx.ops = append(tx.ops, op)
		return
	}
	op()
}

func (s *Store) Fingerprints(ctx context.Context, groupID string, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for _, id := range ids {
		rowID, ok := s.byExternal[id]
		if !ok {
			continue
		}
		if row := s.rows[rowID]; row.GroupID == groupID {
			out[id] = row.PayloadHash
		}
	}
	return out, nil
}

func (s *Store) UpsertBatch(ctx context.Context, events []*models.AuditEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	inserted := 0
	var batch []models.AuditEvent
	for _, e := range events {
		if e == nil || e.ExternalID == "" {
			return 0, services.ErrInvalidInput
		}
		if seen[e.ExternalID] {
			continue
		}
		seen[e.ExternalID] = true
		if _, ok := s.byExternal[e.ExternalID]; !ok {
			inserted++
		}
		batch = append(batch, *e)
	}

	s.run(ctx, func() {
		for i := range batch {
			s.upsertLocked(&batch[i])
		}
	})
	return inserted, nil
}

func (s *Store) upsertLocked(e *models.AuditEvent) {
	if id, ok := s.byExternal[e.ExternalID]; ok {
		row := s.rows[id]
		row.GroupID = e.GroupID
		row.EventType = e.EventType
		row.Category = e.Category
		row.Description = e.Description
		row.Notes = e.Notes
		row.ActorID = e.ActorID
		row.ActorDisplayName = e.ActorDisplayName
		row.TargetID = e.TargetID
		row.TargetDisplayName = e.TargetDisplayName
		row.Payload = e.Payload
		row.PayloadHash = e.PayloadHash
		row.Source = e.Source
		row.CreatedAt = e.CreatedAt
		return
	}

	s.nextID++
	row := *e
	row.ID = s.nextID
	row.InsertedAt = s.clock.Now()
	row.Posted = false
	row.ProcessedAt = nil
	row.RelayRef = nil
	row.RelayAttempts = 0
	row.LastError = nil
	s.rows[row.ID] = &row
	s.byExternal[row.ExternalID] = row.ID
}

func (s *Store) ClaimOldestPending(ctx context.Context) (*models.AuditEvent, error) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	if !ok || tx.done {
		return nil, errors.New("claim requires a transaction context")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.AuditEvent
	for id, row := range s.rows {
		if row.Posted {
			continue
		}
		if owner, locked := s.locks[id]; locked && owner != tx {
			continue
		}
		candidates = append(candidates, row)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	head := candidates[0]
	s.locks[head.ID] = tx
	claimed := *head
	return &claimed, nil
}

func (s *Store) MarkPosted(ctx context.Context, id int64, relayRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.run(ctx, func() {
		row, ok := s.rows[id]
		if !ok || row.Posted {
			return
		}
		row.Posted = true
		row.ProcessedAt = &now
		if relayRef != "" {
			ref := relayRef
			row.RelayRef = &ref
		}
	})
	return nil
}

func (s *Store) RecordRelayFailure(ctx context.Context, id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return services.ErrEventNotFound
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.run(ctx, func() {
		row := s.rows[id]
		row.RelayAttempts++
		row.LastError = &msg
	})
	return nil
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, services.ErrEventNotFound
	}
	row := *s.rows[id]
	return &row, nil
}

func (s *Store) Stats(ctx context.Context) (*models.LedgerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.LedgerStats{}
	for _, row := range s.rows {
		if row.Posted {
			stats.Posted++
			continue
		}
		stats.Pending++
		if stats.OldestPendingAt == nil || row.CreatedAt.Before(*stats.OldestPendingAt) {
			t := row.CreatedAt
			stats.OldestPendingAt = &t
		}
	}
	return stats, nil
}

// Len returns the number of rows
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
