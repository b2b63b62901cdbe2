package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/audit-relay/app"
	"github.com/upb/audit-relay/handlers"
	"github.com/upb/audit-relay/middleware"
	"github.com/upb/audit-relay/utils"
)

// SetupRoutes configures the operational HTTP surface
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger.Named("http")

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger, "/healthz", "/readyz"))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))

	// Typed nils must not reach the handlers as non-nil interfaces
	var db handlers.HealthChecker
	if deps.DB != nil {
		db = deps.DB
	}
	var session handlers.SessionView
	if deps.Session != nil {
		session = deps.Session
	}
	var relay handlers.RelayView
	if deps.Relay != nil {
		relay = deps.Relay
	}

	health := handlers.NewHealthHandler(db, session, logger)
	status := handlers.NewStatusHandler(deps.AuditEvents, session, relay, loopSources(deps), logger)

	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", status.HandleStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}

func loopSources(deps *app.Dependencies) []handlers.LoopStatusSource {
	loops := deps.Loops()
	sources := make([]handlers.LoopStatusSource, 0, len(loops))
	for _, l := range loops {
		sources = append(sources, l)
	}
	return sources
}
