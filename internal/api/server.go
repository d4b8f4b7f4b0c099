// Package api exposes imports, the activity catalog and read-only SQL over
// exports through a Fiber HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/logger"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/ratelimit"
)

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	app     *fiber.App
	metrics *metrics.Metrics
	config  *ServerConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	checks map[string]ReadinessCheck
	names  []string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       int
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		BodyLimit:       256 << 20,
	}
}

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if m == nil {
		m = metrics.Get()
	}
	logger = logger.With().Str("component", "api-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "runframe",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Content-Encoding",
	}))
	app.Use(securityHeaders())
	app.Use(requestLogger(m, logger))

	return &Server{
		app:     app,
		metrics: m,
		config:  config,
		logger:  logger,
		checks:  make(map[string]ReadinessCheck),
	}
}

// AddReadinessCheck registers a dependency consulted by /ready
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checks[name]; !ok {
		s.names = append(s.names, name)
	}
	s.checks[name] = check
}

// RegisterRoutes registers the operational routes
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	s.app.Get("/api/v1/metrics", s.metricsHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler runs every readiness check; any failure answers 503
func (s *Server) readyHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	names := append([]string(nil), s.names...)
	checks := make([]ReadinessCheck, len(names))
	for i, n := range names {
		checks[i] = s.checks[n]
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	status := fiber.StatusOK
	results := make(fiber.Map, len(names))
	for i, name := range names {
		if err := checks[i](ctx); err != nil {
			status = fiber.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != fiber.StatusOK {
		state = "not_ready"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"time":   time.Now().UTC().Format(time.RFC3339),
		"checks": results,
	})
}

func (s *Server) metricsHandler(c *fiber.Ctx) error {
	snapshot := s.metrics.Snapshot()
	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metrics":   snapshot,
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level")
	minLevel := zerolog.TraceLevel
	if level != "" {
		minLevel = logger.ParseLevel(level)
	}

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	entries := logger.Buffer().Recent(logger.Query{
		Limit:     limit,
		MinLevel:  minLevel,
		Component: c.Query("component"),
		Since:     time.Duration(sinceMinutes) * time.Minute,
	})

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

var startTime = time.Now()

// Start serves on the configured address in the background. Listen
// failures other than a shutdown are sent on the returned channel.
func (s *Server) Start() <-chan error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info().Str("addr", addr).Msg("Starting runframe HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.Listen(addr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// App returns the underlying Fiber app (for registering handler routes)
func (s *Server) App() *fiber.App {
	return s.app
}

// errorHandler renders errors returned by handlers as JSON
func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// API-only service
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger records every request in the metrics and logs the failed ones
func requestLogger(m *metrics.Metrics, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		m.ObserveHTTP(c.Method(), status, duration)

		if status >= 400 {
			event := logger.Warn()
			if status >= 500 {
				event = logger.Error()
			}
			event.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", duration).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}

// rateLimit rejects clients over l with 429. A nil limiter allows all.
func rateLimit(l *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if l == nil || l.Limit() <= 0 {
			return c.Next()
		}
		ok, remaining, retry := l.Allow(c.IP())
		c.Set("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			secs := int(retry.Seconds())
			if retry%time.Second != 0 {
				secs++
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "import rate limit exceeded",
				"class": "rate_limited",
			})
		}
		return c.Next()
	}
}
