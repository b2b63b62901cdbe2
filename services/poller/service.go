// Package poller mirrors the most recent page of upstream audit events into
// the ledger. It never talks to the sink.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/internal/observability"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/upstream"
	"go.uber.org/zap"
)

// SessionProvider hands out upstream credentials
type SessionProvider interface {
	Acquire(ctx context.Context, force bool) (string, error)
	Invalidate(now time.Time)
}

// Config scopes the poll
type Config struct {
	GroupID  string
	PageSize int
}

// Service is the Reader side of the pipeline
type Service struct {
	source    upstream.AuditSource
	session   SessionProvider
	events    repositories.AuditEventRepository
	txManager repositories.TransactionManager
	clock     clock.Clock
	metrics   *observability.Metrics
	config    Config
	logger    *zap.Logger
}

// NewService creates a new poller
func NewService(
	source upstream.AuditSource,
	session SessionProvider,
	events repositories.AuditEventRepository,
	txManager repositories.TransactionManager,
	clk clock.Clock,
	metrics *observability.Metrics,
	config Config,
	logger *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Service{
		source:    source,
		session:   session,
		events:    events,
		txManager: txManager,
		clock:     clk,
		metrics:   metrics,
		config:    config,
		logger:    logger,
	}
}

// PollOnce fetches one page and upserts the records that are new or whose
// payload changed. It returns the number of rows inserted. Auth expiry, rate
// limiting and cooldown end the poll quietly with (0, nil).
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	credential, err := s.session.Acquire(ctx, false)
	if err != nil {
		return 0, s.classify(ctx, "acquire session", err)
	}

	fetched, err := s.source.ListAuditEvents(ctx, credential, s.config.GroupID, 0, s.config.PageSize)
	if err != nil {
		return 0, s.classify(ctx, "fetch audit events", err)
	}

	if len(fetched) == 0 {
		s.logger.Debug("no audit entries returned this cycle")
		s.metrics.RecordPoll(ctx, s.config.GroupID, 0, 0)
		return 0, nil
	}

	ids := make([]string, 0, len(fetched))
	for _, e := range fetched {
		ids = append(ids, e.ID)
	}

	stored, err := s.events.Fingerprints(ctx, s.config.GroupID, ids)
	if err != nil {
		return 0, services.WrapStore("failed to look up stored events", err)
	}

	rows := s.changedRows(fetched, stored)
	if len(rows) == 0 {
		s.logger.Debug("all fetched events already stored", zap.Int("fetched", len(fetched)))
		s.metrics.RecordPoll(ctx, s.config.GroupID, len(fetched), 0)
		return 0, nil
	}

	inserted, err := services.WithTransactionResult(ctx, s.txManager,
		func(ctx context.Context, _ repositories.Transaction) (int, error) {
			return s.events.UpsertBatch(ctx, rows)
		})
	if err != nil {
		return 0, services.WrapStore("failed to store audit events", err)
	}

	s.logger.Info("stored audit events",
		zap.String("group_id", s.config.GroupID),
		zap.Int("fetched", len(fetched)),
		zap.Int("written", len(rows)),
		zap.Int("inserted", inserted))
	s.metrics.RecordPoll(ctx, s.config.GroupID, len(fetched), inserted)

	return inserted, nil
}

// Tick runs one poll; it is the poll loop's tick function
func (s *Service) Tick(ctx context.Context) error {
	_, err := s.PollOnce(ctx)
	return err
}

// changedRows maps the records that are unseen or whose payload differs
// from what is stored
func (s *Service) changedRows(fetched []upstream.Event, stored map[string]string) []*models.AuditEvent {
	now := s.clock.Now().UTC()
	seen := make(map[string]bool, len(fetched))

	rows := make([]*models.AuditEvent, 0, len(fetched))
	for _, e := range fetched {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true

		hash, known := stored[e.ID]
		if known && hash == models.PayloadFingerprint(e.Raw) {
			continue
		}
		rows = append(rows, toAuditEvent(e, s.config.GroupID, now))
	}
	return rows
}

func toAuditEvent(e upstream.Event, groupID string, now time.Time) *models.AuditEvent {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return models.NewAuditEvent(e.ID, groupID, e.EventType, createdAt).
		WithText(e.Description, e.Notes).
		WithActor(e.ActorID, e.ActorDisplayName).
		WithTarget(e.TargetID, e.TargetDisplayName).
		WithPayload(e.Raw)
}

// classify ends the tick quietly for failures the next interval recovers from
func (s *Service) classify(ctx context.Context, stage string, err error) error {
	if cooldown, ok := services.IsCooldownError(err); ok {
		s.logger.Debug("authentication retry cooldown active",
			zap.Duration("remaining", cooldown.Remaining.Round(time.Minute)))
		s.metrics.RecordPollFailure(ctx, string(services.ErrorTypeCooldown))
		return nil
	}

	switch {
	case services.IsAuthExpiredError(err):
		s.logger.Warn("authentication expired, will retry after cooldown",
			zap.String("stage", stage), zap.Error(err))
		s.session.Invalidate(s.clock.Now())
		s.metrics.RecordPollFailure(ctx, string(services.ErrorTypeAuthExpired))
		return nil
	case services.IsRateLimitError(err):
		s.logger.Warn("rate limited by upstream, will retry next cycle", zap.String("stage", stage))
		s.metrics.RecordPollFailure(ctx, string(services.ErrorTypeRateLimit))
		return nil
	}

	s.metrics.RecordPollFailure(ctx, "error")
	return fmt.Errorf("%s: %w", stage, err)
}
