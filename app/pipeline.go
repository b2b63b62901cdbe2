package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/audit-relay/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pipeline runs the reader, writer and refresh loops next to the ops server
type Pipeline struct {
	deps    *Dependencies
	handler http.Handler
	logger  *zap.Logger
}

// NewPipeline creates a Pipeline. A nil handler disables the ops server.
func NewPipeline(deps *Dependencies, handler http.Handler) *Pipeline {
	return &Pipeline{
		deps:    deps,
		handler: handler,
		logger:  deps.Logger.Named("pipeline"),
	}
}

// Run blocks until ctx is cancelled or a component fails. In-flight ticks
// finish before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, loop := range p.deps.Loops() {
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	cfg := p.deps.Config.Server
	if p.handler != nil && cfg.Enabled {
		srv := &http.Server{
			Addr:              cfg.Address(),
			Handler:           p.handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		}

		g.Go(func() error {
			p.logger.Info("ops server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("ops server shutdown: %w", err)
			}
			return nil
		})
	}

	p.logger.Info("pipeline started", zap.Strings("loops", loopNames(p.deps.Loops())))
	err := g.Wait()
	p.logger.Info("pipeline stopped")
	return err
}

func loopNames(loops []*scheduler.Loop) []string {
	names := make([]string, 0, len(loops))
	for _, l := range loops {
		names = append(names, l.Name())
	}
	return names
}
