// Package library ties ingestion, export and the catalog together: an
// import reads one or more resources into an activity, stores its export
// and records it.
package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/storage"
	"github.com/basekick-labs/runframe/pkg/models"
)

// Library imports activities. It is safe for concurrent use.
type Library struct {
	pipeline *ingest.Pipeline
	exporter *export.Exporter
	store    storage.Backend
	catalog  *catalog.Store
	logger   zerolog.Logger
}

// New creates a library. store is where exports are written and must be
// the exporter's backend.
func New(p *ingest.Pipeline, e *export.Exporter, store storage.Backend, c *catalog.Store, logger zerolog.Logger) *Library {
	return &Library{
		pipeline: p,
		exporter: e,
		store:    store,
		catalog:  c,
		logger:   logger.With().Str("component", "library").Logger(),
	}
}

// WithPipeline returns a library importing through p
func (l *Library) WithPipeline(p *ingest.Pipeline) *Library {
	cp := *l
	cp.pipeline = p
	return &cp
}

func (l *Library) Pipeline() *ingest.Pipeline { return l.pipeline }
func (l *Library) Exporter() *export.Exporter { return l.exporter }
func (l *Library) Catalog() *catalog.Store    { return l.catalog }

// Import combines the resources into one activity and records it
func (l *Library) Import(ctx context.Context, primary string, extra ...string) (*catalog.Entry, *activity.Activity, error) {
	a, err := l.pipeline.Combine(ctx, primary, extra...)
	if err != nil {
		return nil, nil, err
	}
	e, err := l.record(ctx, a, append([]string{primary}, extra...))
	if err != nil {
		return nil, nil, err
	}
	return e, a, nil
}

// ImportStream builds an activity from a telemetry payload plus optional
// stored resources and records it
func (l *Library) ImportStream(ctx context.Context, payload *models.StreamPayload, extra ...string) (*catalog.Entry, *activity.Activity, error) {
	a, err := l.pipeline.FromStream(ctx, payload, extra...)
	if err != nil {
		return nil, nil, err
	}
	e, err := l.record(ctx, a, extra)
	if err != nil {
		return nil, nil, err
	}
	return e, a, nil
}

// Delete removes an entry and its export
func (l *Library) Delete(ctx context.Context, id string) error {
	e, err := l.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.ExportPath != "" {
		if err := l.store.Delete(ctx, e.ExportPath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete export %s: %w", e.ExportPath, err)
		}
	}
	return l.catalog.Delete(ctx, id)
}

// record exports a and adds it to the catalog. The export is removed
// again if the catalog rejects the entry.
func (l *Library) record(ctx context.Context, a *activity.Activity, sources []string) (*catalog.Entry, error) {
	entry, err := catalog.NewEntry(a, sources...)
	if err != nil {
		return nil, err
	}

	obj, err := l.exporter.Export(ctx, entry.ID, a)
	if err != nil {
		return nil, err
	}
	entry.ExportPath = obj.Path
	entry.ExportFormat = string(obj.Format)

	if err := l.catalog.Create(ctx, entry); err != nil {
		if derr := l.store.Delete(ctx, obj.Path); derr != nil {
			l.logger.Warn().Err(derr).Str("path", obj.Path).Msg("Failed to remove orphaned export")
		}
		return nil, err
	}

	l.logger.Info().
		Str("id", entry.ID).
		Strs("sources", sources).
		Str("export", obj.Path).
		Int("rows", entry.Rows).
		Msg("Imported activity")
	return entry, nil
}
