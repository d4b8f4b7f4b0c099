// Package scheduler runs periodic imports: every tick it lists a storage
// prefix and imports the activity files the catalog has not seen yet.
package scheduler

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/library"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/storage"
)

// DefaultSchedule runs an import every 15 minutes
const DefaultSchedule = "*/15 * * * *"

// ErrAlreadyRunning is returned by TriggerNow while a run is in progress
var ErrAlreadyRunning = errors.New("an import run is already in progress")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ImportScheduler imports new files found under a storage prefix on a schedule
type ImportScheduler struct {
	library  *library.Library
	store    storage.Backend
	prefix   string
	schedule string
	timeout  time.Duration
	metrics  *metrics.Metrics

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
	runMu   sync.Mutex // held for the duration of one import run
	last    *Report

	logger zerolog.Logger
}

// ImportSchedulerConfig holds configuration for the import scheduler
type ImportSchedulerConfig struct {
	Library  *library.Library
	Storage  storage.Backend // where Prefix is listed
	Prefix   string
	Schedule string        // cron schedule, defaults to DefaultSchedule
	Timeout  time.Duration // per run, defaults to 30 minutes
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Report summarizes one import run
type Report struct {
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`
	Scanned   int               `json:"scanned"`
	Imported  []string          `json:"imported"`
	Skipped   int               `json:"skipped"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// NewImportScheduler creates a new import scheduler
func NewImportScheduler(cfg *ImportSchedulerConfig) (*ImportScheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &ImportScheduler{
		library:  cfg.Library,
		store:    cfg.Storage,
		prefix:   cfg.Prefix,
		schedule: schedule,
		timeout:  timeout,
		metrics:  m,
		logger:   cfg.Logger.With().Str("component", "import-scheduler").Logger(),
	}
	s.logger.Info().Str("schedule", schedule).Str("prefix", cfg.Prefix).Msg("Import scheduler initialized")
	return s, nil
}

// Start starts the cron loop
func (s *ImportScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Import scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.nextRun()).
		Msg("Import scheduler started")
	return nil
}

// Stop stops the cron loop and waits for a running import to finish
func (s *ImportScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.running = false
	s.logger.Info().Msg("Import scheduler stopped")
}

func (s *ImportScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.TriggerNow(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn().Msg("Previous import still running, skipping tick")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled import failed")
	}
}

// TriggerNow runs one import immediately. Failures of individual files are
// reported in the Report; the error is only set when listing fails or
// another run is in progress.
func (s *ImportScheduler) TriggerNow(ctx context.Context) (*Report, error) {
	if !s.runMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.runMu.Unlock()

	report := &Report{StartedAt: time.Now().UTC(), Imported: []string{}}
	objects, err := s.store.ListObjects(ctx, s.prefix)
	if err != nil {
		return nil, err
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if _, err := format.Classify(path.Base(obj.Path)); err != nil || obj.Size == 0 {
			report.Skipped++
			s.metrics.IncImport("skipped")
			continue
		}
		seen, err := s.library.Catalog().HasSource(ctx, obj.Path)
		if err != nil {
			return report, err
		}
		if seen {
			report.Skipped++
			continue
		}

		entry, _, err := s.library.Import(ctx, obj.Path)
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[obj.Path] = err.Error()
			s.metrics.IncImport("error")
			s.logger.Warn().
				Err(err).
				Str("path", obj.Path).
				Str("class", string(ingest.Classify(err))).
				Msg("Import failed")
			continue
		}
		report.Imported = append(report.Imported, entry.ID)
		s.metrics.IncImport("ok")
	}

	report.Duration = time.Since(report.StartedAt)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info().
		Int("scanned", report.Scanned).
		Int("imported", len(report.Imported)).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Import run completed")
	return report, nil
}

func (s *ImportScheduler) nextRun() time.Time {
	schedule, err := cronParser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *ImportScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.schedule,
		"prefix":   s.prefix,
	}
	if s.running {
		status["next_run"] = s.nextRun().Format(time.RFC3339)
	}
	if s.last != nil {
		status["last_run"] = s.last
	}
	return status
}

// IsRunning returns whether the cron loop is running
func (s *ImportScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule returns the cron schedule string
func (s *ImportScheduler) Schedule() string {
	return s.schedule
}
