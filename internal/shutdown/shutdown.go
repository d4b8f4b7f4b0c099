// Package shutdown tears the server down in a fixed order: stop accepting
// requests, stop background imports, then release storage and databases.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component released during shutdown
type Closer interface {
	Close() error
}

// StepFunc performs one teardown step
type StepFunc func(ctx context.Context) error

// Teardown order, lowest first
const (
	PriorityHTTPServer = 10
	PriorityScheduler  = 20
	PriorityQuery      = 40
	PriorityCatalog    = 60
	PriorityStorage    = 80
	PriorityLogger     = 100
)

type step struct {
	name     string
	priority int
	run      StepFunc
}

// Coordinator runs registered steps once, in priority order, within a
// shared deadline. Steps with equal priority run in registration order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once     sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	err      error
}

// New creates a coordinator whose steps share timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Register adds c.Close as a step
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc adds fn as a step
func (c *Coordinator) RegisterFunc(name string, fn StepFunc, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.mu.Unlock()

	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// WaitForSignal blocks until SIGINT, SIGTERM or a call to Trigger
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.stopCh:
		return syscall.SIGTERM
	}
}

// Trigger requests shutdown. Safe to call more than once and from any
// goroutine.
func (c *Coordinator) Trigger() {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Shutdown requested")
		close(c.stopCh)
	})
}

// Done is closed once shutdown has been requested
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopCh
}

// Shutdown runs every step. A failing step does not stop the ones after
// it; once the deadline passes the remaining steps are skipped. The
// returned error joins all step failures. Later calls return the same
// result without running anything.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return a.priority - b.priority })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}
		c.err = errors.Join(errs...)

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
