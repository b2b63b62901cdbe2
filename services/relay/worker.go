// Package relay drains the ledger in createdAt order and delivers each
// relay-worthy event to the sink exactly once on the happy path.
//
// A claimed row's lock is released before the send, so a crash between a
// successful send and MarkPosted delivers the event again on restart.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/internal/observability"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/sink"
	"go.uber.org/zap"
)

// Config controls the writer
type Config struct {
	DestinationID string
	EventTypes    []string
	SendTimeout   time.Duration
	ThumbnailURL  string
	// BackoffInitial of zero retries a failing sink on every tick
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Worker is the Writer side of the pipeline
type Worker struct {
	events    repositories.AuditEventRepository
	txManager repositories.TransactionManager
	sink      sink.Sink
	allowlist map[string]struct{}
	clock     clock.Clock
	metrics   *observability.Metrics
	config    Config
	logger    *zap.Logger

	mu            sync.Mutex
	backoff       *backoff.ExponentialBackOff
	nextAttemptAt time.Time
	failures      int
}

// NewWorker creates a relay worker
func NewWorker(
	events repositories.AuditEventRepository,
	txManager repositories.TransactionManager,
	s sink.Sink,
	clk clock.Clock,
	metrics *observability.Metrics,
	config Config,
	logger *zap.Logger,
) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 15 * time.Second
	}

	allowlist := make(map[string]struct{}, len(config.EventTypes))
	for _, t := range config.EventTypes {
		allowlist[t] = struct{}{}
	}

	var b *backoff.ExponentialBackOff
	if config.BackoffInitial > 0 {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = config.BackoffInitial
		b.MaxInterval = max(config.BackoffMax, config.BackoffInitial)
		b.RandomizationFactor = 0
		b.Reset()
	}

	return &Worker{
		events:    events,
		txManager: txManager,
		sink:      s,
		allowlist: allowlist,
		clock:     clk,
		metrics:   metrics,
		config:    config,
		logger:    logger,
		backoff:   b,
	}
}

// Tick handles at most one pending row and reports whether one was
// processed (relayed or dropped). A failed send leaves the row pending and
// returns the delivery error.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if wait := w.backoffRemaining(); wait > 0 {
		w.logger.Debug("sink backoff active", zap.Duration("remaining", wait))
		return false, nil
	}

	var dropped bool
	row, err := services.WithTransactionResult(ctx, w.txManager,
		func(ctx context.Context, _ repositories.Transaction) (*models.AuditEvent, error) {
			row, err := w.events.ClaimOldestPending(ctx)
			if err != nil || row == nil {
				return nil, err
			}
			if !row.IsRelayWorthy(w.allowlist) {
				if err := w.events.MarkPosted(ctx, row.ID, ""); err != nil {
					return nil, err
				}
				dropped = true
			}
			return row, nil
		})
	if err != nil {
		return false, services.WrapStore("failed to claim pending event", err)
	}
	if row == nil {
		return false, nil
	}

	if dropped {
		w.logger.Debug("marked non-relayable event as posted",
			zap.String("event_id", row.ExternalID),
			zap.String("event_type", row.EventType))
		w.metrics.RecordDropped(ctx, row.EventType)
		return true, nil
	}

	return w.relay(ctx, row)
}

// RunTick adapts Tick to the scheduler
func (w *Worker) RunTick(ctx context.Context) error {
	_, err := w.Tick(ctx)
	return err
}

func (w *Worker) relay(ctx context.Context, row *models.AuditEvent) (bool, error) {
	kind := models.RelayKindOf(row.EventType)
	start := time.Now()

	ref, err := w.send(ctx, row)
	if err != nil {
		w.metrics.RecordSinkFailure(ctx, kind.String(), time.Since(start))
		w.onSendFailure(ctx, row, err)
		return false, fmt.Errorf("relay event %s: %w", row.ExternalID, err)
	}
	w.metrics.RecordRelayed(ctx, kind.String(), time.Since(start))
	w.onSendSuccess()

	if err := w.events.MarkPosted(ctx, row.ID, ref); err != nil {
		w.logger.Error("event delivered but not marked posted, it will be delivered again",
			zap.String("event_id", row.ExternalID),
			zap.String("relay_ref", ref),
			zap.Error(err))
		return false, services.WrapStore("failed to mark event posted", err)
	}

	w.logger.Info("relayed audit event",
		zap.String("event_id", row.ExternalID),
		zap.String("event_type", row.EventType),
		zap.Int64("row_id", row.ID),
		zap.String("relay_ref", ref))
	return true, nil
}

// send resolves the destination and delivers under SendTimeout
func (w *Worker) send(ctx context.Context, row *models.AuditEvent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	dest, err := w.sink.ResolveDestination(ctx, w.config.DestinationID)
	if err != nil {
		return "", services.WrapSinkDelivery("failed to resolve destination", err)
	}

	ref, err := w.sink.Send(ctx, dest, BuildNotification(row, w.config.ThumbnailURL))
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (w *Worker) onSendFailure(ctx context.Context, row *models.AuditEvent, cause error) {
	if err := w.events.RecordRelayFailure(ctx, row.ID, cause); err != nil {
		w.logger.Warn("failed to record relay failure", zap.Int64("row_id", row.ID), zap.Error(err))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if w.backoff == nil {
		return
	}
	delay := w.backoff.NextBackOff()
	w.nextAttemptAt = w.clock.Now().Add(delay)
	w.logger.Warn("sink delivery failed, backing off",
		zap.String("event_id", row.ExternalID),
		zap.Int("consecutive_failures", w.failures),
		zap.Duration("delay", delay))
}

func (w *Worker) onSendSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = 0
	w.nextAttemptAt = time.Time{}
	if w.backoff != nil {
		w.backoff.Reset()
	}
}

func (w *Worker) backoffRemaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextAttemptAt.IsZero() {
		return 0
	}
	return w.nextAttemptAt.Sub(w.clock.Now())
}

// ConsecutiveFailures returns the number of sink failures since the last success
func (w *Worker) ConsecutiveFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}
