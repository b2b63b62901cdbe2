package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/audit-relay/internal/scheduler"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/utils"
	"go.uber.org/zap"
)

// LedgerStatsSource summarizes relay progress
type LedgerStatsSource interface {
	Stats(ctx context.Context) (*models.LedgerStats, error)
}

// LoopStatusSource is a running scheduler loop
type LoopStatusSource interface {
	Status() scheduler.Status
}

// RelayView exposes the writer's failure streak
type RelayView interface {
	ConsecutiveFailures() int
}

// SessionStatus is the session part of the status response
type SessionStatus struct {
	State             string `json:"state"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
}

// StatusResponse is the pipeline status document
type StatusResponse struct {
	Ledger                   *models.LedgerStats `json:"ledger"`
	Session                  *SessionStatus      `json:"session,omitempty"`
	RelayConsecutiveFailures int                 `json:"relay_consecutive_failures"`
	Loops                    []scheduler.Status  `json:"loops"`
	Timestamp                string              `json:"timestamp"`
}

// StatusHandler serves GET /api/v1/status
type StatusHandler struct {
	ledger  LedgerStatsSource
	session SessionView
	relay   RelayView
	loops   []LoopStatusSource
	logger  *zap.Logger
}

// NewStatusHandler creates a StatusHandler. session and relay may be nil.
func NewStatusHandler(ledger LedgerStatsSource, session SessionView, relay RelayView, loops []LoopStatusSource, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		ledger:  ledger,
		session: session,
		relay:   relay,
		loops:   loops,
		logger:  logger,
	}
}

// HandleStatus reports pending/posted counts, session state and loop counters
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.ledger.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to load ledger stats", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "ledger unavailable")
		return
	}

	response := StatusResponse{
		Ledger:    stats,
		Loops:     make([]scheduler.Status, 0, len(h.loops)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.session != nil {
		response.Session = &SessionStatus{State: h.session.State().String()}
		if remaining := h.session.CooldownRemaining(); remaining > 0 {
			response.Session.CooldownRemaining = remaining.Round(time.Second).String()
		}
	}
	if h.relay != nil {
		response.RelayConsecutiveFailures = h.relay.ConsecutiveFailures()
	}
	for _, loop := range h.loops {
		response.Loops = append(response.Loops, loop.Status())
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write status response", zap.Error(err))
	}
}
