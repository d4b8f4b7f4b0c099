// Package export writes activities to storage as Parquet files or Arrow IPC
// streams. Absolute-time activities are laid out by start date so that
// queries over a time range can skip whole directories:
//
//	{prefix}/{YYYY}/{MM}/{DD}/{id}.parquet
//	{prefix}/elapsed/{id}.parquet (activities without a wall-clock start)
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/storage"
	"github.com/basekick-labs/runframe/pkg/models"
)

// Format is an export file format
type Format string

const (
	Parquet Format = "parquet"
	Arrow   Format = "arrow"
)

// ArrowStreamMIME is the media type of an Arrow IPC stream
const ArrowStreamMIME = "application/vnd.apache.arrow.stream"

// Ext returns the file extension, dot included
func (f Format) Ext() string {
	if f == Arrow {
		return ".arrows"
	}
	return ".parquet"
}

// ParseFormat resolves a configured format name
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", Parquet:
		return Parquet, nil
	case Arrow:
		return Arrow, nil
	}
	return "", fmt.Errorf("unknown export format %q (want parquet or arrow)", s)
}

// Config configures an Exporter
type Config struct {
	Format      Format
	Compression string // zstd, snappy, gzip or none
	Prefix      string
}

// Exporter encodes activities and stores them
type Exporter struct {
	store       storage.Backend
	format      Format
	codec       string
	compression compress.Compression
	prefix      string
	mem         memory.Allocator
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// Object describes one stored export
type Object struct {
	Path   string `json:"path"`
	Format Format `json:"format"`
	Size   int64  `json:"size"`
}

// NewExporter creates an exporter writing to store. m may be nil.
func NewExporter(store storage.Backend, cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Exporter, error) {
	f, err := ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}

	var comp compress.Compression
	codec := strings.ToLower(cfg.Compression)
	switch codec {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "snappy":
		comp = compress.Codecs.Snappy
	case "none":
		comp = compress.Codecs.Uncompressed
	case "zstd", "":
		codec = "zstd"
		comp = compress.Codecs.Zstd
	default:
		return nil, fmt.Errorf("unknown export compression %q", cfg.Compression)
	}

	if m == nil {
		m = metrics.New()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "exports"
	}

	return &Exporter{
		store:       store,
		format:      f,
		codec:       codec,
		compression: comp,
		prefix:      prefix,
		mem:         memory.DefaultAllocator,
		metrics:     m,
		logger:      logger.With().Str("component", "exporter").Logger(),
	}, nil
}

// Format returns the format Export writes
func (e *Exporter) Format() Format { return e.format }

// Prefix returns the storage prefix exports are written under
func (e *Exporter) Prefix() string { return e.prefix }

// Path returns where the export of activity id would be stored
func (e *Exporter) Path(id string, a *activity.Activity) string {
	ext := e.format.Ext()
	start, ok := a.Start()
	if !ok || a.TimeKind() != models.TimeAbsolute {
		return fmt.Sprintf("%s/elapsed/%s%s", e.prefix, id, ext)
	}
	return fmt.Sprintf("%s/%s/%s%s", e.prefix, start.UTC().Format("2006/01/02"), id, ext)
}

// Glob returns a pattern matching every Parquet export, for read_parquet
func (e *Exporter) Glob() string {
	return e.prefix + "/**/*" + Parquet.Ext()
}

// Export encodes a in the configured format and writes it to storage
func (e *Exporter) Export(ctx context.Context, id string, a *activity.Activity) (Object, error) {
	data, err := e.Encode(a, e.format)
	if err != nil {
		return Object{}, err
	}
	path := e.Path(id, a)
	if err := e.store.Write(ctx, path, data); err != nil {
		return Object{}, fmt.Errorf("failed to store export %s: %w", path, err)
	}
	e.metrics.IncExport(string(e.format))

	e.logger.Debug().
		Str("id", id).
		Str("path", path).
		Int("rows", a.Len()).
		Int("size", len(data)).
		Msg("Exported activity")

	return Object{Path: path, Format: e.format, Size: int64(len(data))}, nil
}

// Encode returns a encoded as f
func (e *Exporter) Encode(a *activity.Activity, f Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch f {
	case Arrow:
		err = e.WriteArrow(&buf, a)
	default:
		err = e.WriteParquet(&buf, a)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteParquet writes a as a single-row-group Parquet file. Elapsed time
// indices are stored as int64 nanoseconds since Parquet has no duration
// type; the field carries unit=ns metadata.
func (e *Exporter) WriteParquet(w io.Writer, a *activity.Activity) error {
	rec, err := a.Materialize(e.mem)
	if err != nil {
		return fmt.Errorf("failed to materialize activity: %w", err)
	}
	defer rec.Release()

	if a.TimeKind() == models.TimeElapsed {
		asInts := durationAsInt64(rec)
		defer asInts.Release()
		rec = asInts
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(e.compression),
		parquet.WithDictionaryDefault(false),
		parquet.WithStats(true),
		parquet.WithAllocator(e.mem),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(rec.Schema(), w, writerProps, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return nil
}

// WriteArrow writes a as an Arrow IPC stream holding one record batch.
// The stream is zstd-compressed unless compression is "none".
func (e *Exporter) WriteArrow(w io.Writer, a *activity.Activity) error {
	rec, err := a.Materialize(e.mem)
	if err != nil {
		return fmt.Errorf("failed to materialize activity: %w", err)
	}
	defer rec.Release()

	opts := []ipc.Option{ipc.WithSchema(rec.Schema()), ipc.WithAllocator(e.mem)}
	if e.codec != "none" {
		opts = append(opts, ipc.WithZstd())
	}
	writer := ipc.NewWriter(w, opts...)
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow writer: %w", err)
	}
	return nil
}

// durationAsInt64 reinterprets the leading duration column as int64
func durationAsInt64(rec arrow.Record) arrow.Record {
	col := rec.Column(0)
	data := array.NewData(arrow.PrimitiveTypes.Int64, col.Len(), col.Data().Buffers(), nil, col.NullN(), col.Data().Offset())
	defer data.Release()
	ints := array.MakeFromData(data)
	defer ints.Release()

	schema := rec.Schema()
	fields := slices.Clone(schema.Fields())
	fields[0] = arrow.Field{
		Name:     fields[0].Name,
		Type:     arrow.PrimitiveTypes.Int64,
		Metadata: arrow.NewMetadata([]string{"unit"}, []string{"ns"}),
	}
	cols := slices.Clone(rec.Columns())
	cols[0] = ints

	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows())
}
