// Package ingest turns stored activity files and telemetry payloads into
// activities: resource checks, format dispatch, decompression, parsing,
// column typing and merging, in that order.
package ingest

import (
	"context"
	"fmt"
	"maps"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/merge"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/parser"
	"github.com/basekick-labs/runframe/internal/streams"
	"github.com/basekick-labs/runframe/pkg/models"
)

// Source is the part of a storage backend the pipeline reads through
type Source interface {
	format.Stater
	Read(ctx context.Context, path string) ([]byte, error)
}

// Config tunes a Pipeline
type Config struct {
	Policy      merge.Policy
	Concurrency int   // ReadMany worker limit, defaults to 4
	MaxFileSize int64 // 0 disables the limit
}

// Pipeline reads activities from a Source. It is safe for concurrent use.
type Pipeline struct {
	source      Source
	registry    *parser.Registry
	decoder     *streams.Decoder
	policy      merge.Policy
	concurrency int
	maxFileSize int64
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewPipeline creates a pipeline. m may be nil.
func NewPipeline(source Source, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		source:      source,
		registry:    parser.NewRegistry(),
		decoder:     streams.NewDecoder(logger),
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		maxFileSize: cfg.MaxFileSize,
		metrics:     m,
		logger:      logger.With().Str("component", "ingest").Logger(),
	}
}

// WithPolicy returns a pipeline sharing everything but the merge policy
func (p *Pipeline) WithPolicy(policy merge.Policy) *Pipeline {
	cp := *p
	cp.policy = policy
	return &cp
}

// Policy returns the merge policy in use
func (p *Pipeline) Policy() merge.Policy { return p.policy }

// Decoder returns the stream payload decoder
func (p *Pipeline) Decoder() *streams.Decoder { return p.decoder }

// Registry returns the parsers the pipeline dispatches to
func (p *Pipeline) Registry() *parser.Registry { return p.registry }

// Result is the outcome for one resource in ReadMany
type Result struct {
	Path     string
	Activity *activity.Activity
	Err      error
}

// loaded is one resource typed into a column group
type loaded struct {
	path     string
	format   format.Format
	group    columns.Group
	metadata map[string]string
}

// Read builds an activity from the single resource at path
func (p *Pipeline) Read(ctx context.Context, path string) (*activity.Activity, error) {
	l, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}
	return p.build(l.format, p.policy, []loaded{l})
}

// ReadMany reads every path independently, at most Concurrency at a time.
// One failing resource does not affect the others; results keep the order
// of paths. The returned error is only set when ctx ends first.
func (p *Pipeline) ReadMany(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Path: path, Err: err}
				return nil
			}
			a, err := p.Read(gctx, path)
			results[i] = Result{Path: path, Activity: a, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Combine merges the resource at primary with extra resources into one
// activity, e.g. a GPS track with a heart-rate recording. The source
// format and metadata come from primary; extras only add missing keys.
func (p *Pipeline) Combine(ctx context.Context, primary string, extra ...string) (*activity.Activity, error) {
	paths := append([]string{primary}, extra...)
	inputs := make([]loaded, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			l, err := p.load(gctx, path)
			if err != nil {
				return err
			}
			inputs[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p.build(inputs[0].format, p.policy, inputs)
}

// FromStream builds an activity from a decoded telemetry payload, merged
// with optional stored resources. The payload start_date anchors the
// stream's elapsed offsets unless the policy already has a reference.
func (p *Pipeline) FromStream(ctx context.Context, payload *models.StreamPayload, extra ...string) (*activity.Activity, error) {
	start := time.Now()
	records, err := streams.Records(payload)
	if err != nil {
		p.metrics.ObserveFailure(string(format.Stream), string(Classify(err)))
		return nil, err
	}
	group, err := columns.Type(records, streams.ColumnSpec())
	if err != nil {
		p.metrics.ObserveFailure(string(format.Stream), string(Classify(err)))
		return nil, fmt.Errorf("failed to type stream payload: %w", err)
	}
	p.metrics.ObserveFile(string(format.Stream), group.Len(), 0, time.Since(start))

	meta := streams.Metadata(payload)
	meta["source"] = streams.Source
	inputs := []loaded{{path: streams.Source, format: format.Stream, group: group, metadata: meta}}

	for _, path := range extra {
		l, err := p.load(ctx, path)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, l)
	}

	policy := p.policy
	if ref, ok := streams.StartDate(payload); ok && policy.Reference == nil {
		policy = policy.WithReference(ref)
	}
	return p.build(format.Stream, policy, inputs)
}

// DecodeStream decodes a payload body using the content type
func (p *Pipeline) DecodeStream(contentType string, body []byte) (*models.StreamPayload, error) {
	payload, err := p.decoder.Decode(contentType, body)
	if err != nil {
		p.metrics.ObserveFailure(string(format.Stream), string(Classify(err)))
		return nil, err
	}
	return payload, nil
}

// load runs every per-resource step up to column typing
func (p *Pipeline) load(ctx context.Context, path string) (l loaded, err error) {
	var f format.Format
	defer func() {
		if err != nil {
			class := Classify(err)
			p.metrics.ObserveFailure(string(f), string(class))
			p.logger.Debug().Err(err).Str("path", path).Str("class", string(class)).Msg("Resource rejected")
		}
	}()

	if err := format.Check(ctx, p.source, path); err != nil {
		return loaded{}, err
	}
	if p.maxFileSize > 0 {
		size, err := p.source.Size(ctx, path)
		if err != nil {
			return loaded{}, &format.ResourceError{Path: path, Reason: format.ErrResourceMissing}
		}
		if size > p.maxFileSize {
			return loaded{}, &format.ResourceError{Path: path, Reason: ErrTooLarge}
		}
	}

	detected, err := format.Classify(baseName(path))
	if err != nil {
		return loaded{}, err
	}
	f = detected.Format
	prs, err := p.registry.Lookup(f)
	if err != nil {
		return loaded{}, err
	}

	raw, err := p.source.Read(ctx, path)
	if err != nil {
		return loaded{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return loaded{}, &format.ResourceError{Path: path, Reason: format.ErrResourceEmpty}
	}

	start := time.Now()
	data, err := format.Decompress(detected.Compression, raw)
	if err != nil {
		return loaded{}, &parser.InvalidFileError{Path: path, Reason: "cannot unwrap " + string(detected.Compression), Err: err}
	}
	parsed, err := prs.Parse(path, data)
	if err != nil {
		return loaded{}, err
	}
	group, err := columns.Type(parsed.Records, prs.ColumnSpec())
	if err != nil {
		return loaded{}, fmt.Errorf("failed to type %s: %w", path, err)
	}
	p.metrics.ObserveFile(string(f), group.Len(), int64(len(raw)), time.Since(start))

	meta := maps.Clone(parsed.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["source"] = path

	p.logger.Debug().
		Str("path", path).
		Str("format", string(f)).
		Int("records", len(parsed.Records)).
		Int("columns", len(group.Columns)).
		Msg("Typed resource")

	return loaded{path: path, format: f, group: group, metadata: meta}, nil
}

// build merges the loaded groups and wraps the result in an activity. A
// single group still goes through the engine so duplicate timestamps
// collapse by policy. Inputs that are all identical keep their declared
// columns, so combining a file with itself reads like the file alone.
func (p *Pipeline) build(source format.Format, policy merge.Policy, inputs []loaded) (*activity.Activity, error) {
	distinct := false
	for _, in := range inputs[1:] {
		if !in.group.Equal(inputs[0].group) {
			distinct = true
			break
		}
	}

	groups := make([]columns.Group, len(inputs))
	meta := make(map[string]string)
	for i := len(inputs) - 1; i >= 0; i-- {
		groups[i] = inputs[i].group
		if distinct {
			groups[i] = provided(groups[i])
		}
		maps.Copy(meta, inputs[i].metadata)
	}
	for i := 1; i < len(inputs); i++ {
		meta[fmt.Sprintf("source.%d", i)] = inputs[i].path
	}

	engine := merge.New(policy, p.logger)
	res, err := engine.Merge(groups...)
	if err != nil {
		p.metrics.ObserveFailure(string(source), string(Classify(err)))
		return nil, err
	}
	p.metrics.ObserveMerge(len(groups))

	return activity.FromParts(res.Index, res.Columns, activity.Spec{
		SourceFormat: string(source),
		MergePolicy:  res.Policy.String(),
		Metadata:     meta,
	})
}

// provided drops the declared columns a source never reported. Combined
// inputs then only compete over columns that actually hold data.
func provided(g columns.Group) columns.Group {
	out := columns.Group{Index: g.Index, Columns: make(map[string]*columns.Column, len(g.Columns))}
	for name, c := range g.Columns {
		if c.Count() > 0 {
			out.Columns[name] = c
		}
	}
	return out
}

// baseName strips directories from a storage path, which always uses "/"
func baseName(p string) string {
	return path.Base(p)
}
