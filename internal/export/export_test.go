package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/storage"
	"github.com/basekick-labs/runframe/pkg/models"
)

var start = time.Date(2021, 7, 4, 8, 30, 0, 0, time.UTC)

func sampleActivity(t *testing.T, kind models.TimeKind) *activity.Activity {
	t.Helper()
	base := start.UnixNano()
	if kind == models.TimeElapsed {
		base = 0
	}
	ix := columns.Index{Kind: kind, Values: []int64{base, base + int64(time.Second), base + int64(2*time.Second)}}

	hr := columns.NewColumn(columns.KindHeartRate, 3)
	hr.Set(0, 120)
	hr.Set(2, 124)
	pos := columns.NewColumn(columns.KindLonLat, 3)
	for i := 0; i < 3; i++ {
		pos.Set(i, 4.89, 52.37+float64(i)*0.0001)
	}

	a, err := activity.FromParts(ix, map[string]*columns.Column{"heart_rate": hr, "lonlat": pos}, activity.Spec{
		SourceFormat: "gpx",
		Metadata:     map[string]string{"sport": "running"},
	})
	require.NoError(t, err)
	return a
}

func newExporter(t *testing.T, cfg Config) (*Exporter, storage.Backend, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemoryBackend(zerolog.Nop())
	m := metrics.New()
	e, err := NewExporter(store, cfg, m, zerolog.Nop())
	require.NoError(t, err)
	return e, store, m
}

func readParquet(t *testing.T, data []byte) arrow.Table {
	t.Helper()
	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(data),
		parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	return tbl
}

func TestExportParquet(t *testing.T) {
	e, store, m := newExporter(t, Config{})
	ctx := context.Background()

	obj, err := e.Export(ctx, "act-1", sampleActivity(t, models.TimeAbsolute))
	require.NoError(t, err)
	assert.Equal(t, "exports/2021/07/04/act-1.parquet", obj.Path)
	assert.Equal(t, Parquet, obj.Format)

	size, err := store.Size(ctx, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, obj.Size, size)

	data, err := store.Read(ctx, obj.Path)
	require.NoError(t, err)
	tbl := readParquet(t, data)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	names := make([]string, 0, tbl.NumCols())
	for _, f := range tbl.Schema().Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"time", "heart_rate", "lon", "lat"}, names)
	assert.Equal(t, arrow.TIMESTAMP, tbl.Schema().Field(0).Type.ID())
	assert.Equal(t, 1, tbl.Column(1).NullN())

	assert.Equal(t, 1.0, m.Snapshot()["runframe_export_files_total"])
}

func TestExportElapsedParquet(t *testing.T) {
	e, store, _ := newExporter(t, Config{Compression: "snappy", Prefix: "/out/"})
	ctx := context.Background()

	obj, err := e.Export(ctx, "act-2", sampleActivity(t, models.TimeElapsed))
	require.NoError(t, err)
	assert.Equal(t, "out/elapsed/act-2.parquet", obj.Path)
	assert.Equal(t, "out/**/*.parquet", e.Glob())

	data, err := store.Read(ctx, obj.Path)
	require.NoError(t, err)
	tbl := readParquet(t, data)
	defer tbl.Release()
	assert.Equal(t, arrow.INT64, tbl.Schema().Field(0).Type.ID())
	assert.Equal(t, int64(3), tbl.NumRows())
}

func TestWriteArrow(t *testing.T) {
	for _, codec := range []string{"zstd", "none"} {
		t.Run(codec, func(t *testing.T) {
			e, _, _ := newExporter(t, Config{Format: Arrow, Compression: codec})
			a := sampleActivity(t, models.TimeElapsed)
			assert.Equal(t, "exports/elapsed/x.arrows", e.Path("x", a))

			data, err := e.Encode(a, Arrow)
			require.NoError(t, err)

			r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.NewGoAllocator()))
			require.NoError(t, err)
			defer r.Release()

			require.True(t, r.Next())
			rec := r.Record()
			assert.Equal(t, int64(3), rec.NumRows())
			assert.Equal(t, arrow.DURATION, rec.Schema().Field(0).Type.ID())
			idx := rec.Schema().FieldIndices("heart_rate")
			require.Len(t, idx, 1)
			assert.Equal(t, 1, rec.Column(idx[0]).NullN())
			assert.False(t, r.Next())
		})
	}
}

func TestNewExporterRejects(t *testing.T) {
	store := storage.NewMemoryBackend(zerolog.Nop())
	_, err := NewExporter(store, Config{Format: "csv"}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewExporter(store, Config{Compression: "lz77"}, nil, zerolog.Nop())
	assert.Error(t, err)

	f, err := ParseFormat("ARROW")
	require.NoError(t, err)
	assert.Equal(t, Arrow, f)
}
