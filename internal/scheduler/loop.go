// Package scheduler drives a periodic task with a non-blocking execution
// token: a tick that fires while the previous one is still running is
// skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TickFunc is one unit of work. Errors are logged; they never stop the loop.
type TickFunc func(ctx context.Context) error

// Config configures a Loop
type Config struct {
	Name     string
	Interval time.Duration
	// RunImmediately performs one tick before waiting for the first interval
	RunImmediately bool
}

// Status is a point-in-time view of a loop
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	Busy       bool      `json:"busy"`
	Ticks      int64     `json:"ticks"`
	Skipped    int64     `json:"skipped"`
	Failures   int64     `json:"failures"`
	LastTickAt time.Time `json:"last_tick_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Loop runs a TickFunc on a fixed interval
type Loop struct {
	cfg    Config
	tick   TickFunc
	logger *zap.Logger

	// token has capacity 1; holding it means a tick is in flight
	token chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// New creates a Loop. Interval must be positive.
func New(cfg Config, tick TickFunc, logger *zap.Logger) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("loop %q: interval must be positive", cfg.Name)
	}
	if tick == nil {
		return nil, fmt.Errorf("loop %q: tick func is required", cfg.Name)
	}
	return &Loop{
		cfg:    cfg,
		tick:   tick,
		logger: logger.With(zap.String("loop", cfg.Name)),
		token:  make(chan struct{}, 1),
		status: Status{Name: cfg.Name},
	}, nil
}

// Run ticks until ctx is cancelled, then waits for an in-flight tick to
// finish. Ticks run on a context that is not cancelled with ctx, so a stop
// only takes effect at a tick boundary.
func (l *Loop) Run(ctx context.Context) error {
	l.setRunning(true)
	defer l.setRunning(false)

	l.logger.Info("loop started", zap.Duration("interval", l.cfg.Interval))

	tickCtx := context.WithoutCancel(ctx)
	if l.cfg.RunImmediately {
		l.dispatch(tickCtx)
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.logger.Info("loop stopped")
			return nil
		case <-ticker.C:
			l.dispatch(tickCtx)
		}
	}
}

// dispatch starts a tick in the background if the token is free
func (l *Loop) dispatch(ctx context.Context) {
	select {
	case l.token <- struct{}{}:
	default:
		l.recordSkip()
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.token }()
		l.execute(ctx)
	}()
}

// TryTick runs one tick synchronously unless one is already in flight.
// It reports whether the tick ran.
func (l *Loop) TryTick(ctx context.Context) (bool, error) {
	select {
	case l.token <- struct{}{}:
	default:
		l.recordSkip()
		return false, nil
	}
	defer func() { <-l.token }()

	return true, l.execute(ctx)
}

func (l *Loop) execute(ctx context.Context) (err error) {
	tickID := uuid.NewString()
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tick panicked: %v", p)
		}
		l.recordResult(start, err)
		if err != nil {
			l.logger.Error("tick failed",
				zap.String("tick_id", tickID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		}
	}()

	return l.tick(ctx)
}

// Status returns a snapshot of the loop's counters
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.Busy = len(l.token) > 0
	return s
}

// Name returns the configured loop name
func (l *Loop) Name() string {
	return l.cfg.Name
}

func (l *Loop) setRunning(running bool) {
	l.mu.Lock()
	l.status.Running = running
	l.mu.Unlock()
}

func (l *Loop) recordSkip() {
	l.mu.Lock()
	l.status.Skipped++
	l.mu.Unlock()
	l.logger.Debug("previous tick still running, skipping")
}

func (l *Loop) recordResult(start time.Time, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Ticks++
	l.status.LastTickAt = start
	if err != nil {
		l.status.Failures++
		l.status.LastError = err.Error()
	} else {
		l.status.LastError = ""
	}
}
