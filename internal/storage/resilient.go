package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/circuitbreaker"
)

// ResilientConfig tunes retries and the circuit breaker around a backend
type ResilientConfig struct {
	MaxFailures   int
	Cooldown      time.Duration
	Trials        int
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns settings suited to S3 and Azure
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxFailures:   5,
		Cooldown:      30 * time.Second,
		Trials:        2,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// ResilientBackend wraps a remote backend with retries and a circuit
// breaker. Missing objects are answers, not outages: they are neither
// retried nor counted against the breaker.
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	cfg     ResilientConfig
	logger  zerolog.Logger
}

// NewResilientBackend wraps backend
func NewResilientBackend(backend Backend, cfg ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	return &ResilientBackend{
		backend: backend,
		cb: circuitbreaker.New(circuitbreaker.Config{
			Name:        backend.Type() + "-storage",
			MaxFailures: cfg.MaxFailures,
			Cooldown:    cfg.Cooldown,
			Trials:      cfg.Trials,
			IsFailure:   isOutage,
		}, logger),
		cfg:    cfg,
		logger: logger.With().Str("component", "resilient-storage").Str("backend", backend.Type()).Logger(),
	}
}

func isOutage(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// do runs op with exponential backoff until it succeeds, returns a
// non-retryable error, the breaker opens or ctx ends.
func (r *ResilientBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		if !isOutage(err) || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return err
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay << attempt
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().Err(err).Str("op", op).Str("path", path).
			Int("attempt", attempt+1).Dur("retry_delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s %s failed after %d retries: %w", op, path, r.cfg.MaxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error { return r.backend.Write(ctx, path, data) })
}

// WriteReader is attempted once: a consumed reader cannot be replayed
func (r *ResilientBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	return r.cb.Execute(func() error { return r.backend.WriteReader(ctx, path, reader, size) })
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.backend.Read(ctx, path)
		return err
	})
	return data, err
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		out, err = r.backend.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *ResilientBackend) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		out, err = r.backend.ListObjects(ctx, prefix)
		return err
	})
	return out, err
}

func (r *ResilientBackend) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := r.do(ctx, "stat", path, func() error {
		var err error
		size, err = r.backend.Size(ctx, path)
		return err
	})
	return size, err
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error { return r.backend.Delete(ctx, path) })
}

func (r *ResilientBackend) Close() error { return r.backend.Close() }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

// Unwrap returns the wrapped backend
func (r *ResilientBackend) Unwrap() Backend { return r.backend }

// Breaker reports the circuit state for health checks
func (r *ResilientBackend) Breaker() circuitbreaker.Snapshot { return r.cb.Snapshot() }
