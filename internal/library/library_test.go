package library

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/storage"
	"github.com/basekick-labs/runframe/pkg/models"
)

const runGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" xmlns="http://www.topografix.com/GPX/1/1">
 <trk><trkseg>
  <trkpt lat="52.3700" lon="4.8900"><time>2020-03-01T06:00:00Z</time></trkpt>
  <trkpt lat="52.3710" lon="4.8900"><time>2020-03-01T06:00:10Z</time></trkpt>
 </trkseg></trk>
</gpx>`

// newTestLibrary wires a library over a memory store and a temp catalog
func newTestLibrary(t *testing.T) (*Library, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend(zerolog.Nop())
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	exp, err := export.NewExporter(store, export.Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	p := ingest.NewPipeline(store, ingest.Config{}, nil, zerolog.Nop())
	return New(p, exp, store, cat, zerolog.Nop()), store
}

func TestImport(t *testing.T) {
	lib, store := newTestLibrary(t)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "inbox/run.gpx", []byte(runGPX)))

	entry, a, err := lib.Import(ctx, "inbox/run.gpx")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, "exports/2020/03/01/"+entry.ID+".parquet", entry.ExportPath)

	size, err := store.Size(ctx, entry.ExportPath)
	require.NoError(t, err)
	assert.Positive(t, size)

	got, err := lib.Catalog().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox/run.gpx"}, got.Sources)

	// a source can only be imported once; the second export is cleaned up
	_, _, err = lib.Import(ctx, "inbox/run.gpx")
	assert.ErrorIs(t, err, catalog.ErrSourceExists)
	objs, err := store.List(ctx, "exports")
	require.NoError(t, err)
	assert.Len(t, objs, 1)

	require.NoError(t, lib.Delete(ctx, entry.ID))
	_, err = store.Size(ctx, entry.ExportPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = lib.Catalog().Get(ctx, entry.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestImportFailureRecordsNothing(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	_, _, err := lib.Import(ctx, "inbox/missing.gpx")
	assert.Equal(t, ingest.ClassResource, ingest.Classify(err))

	n, err := lib.Catalog().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportStream(t *testing.T) {
	lib, _ := newTestLibrary(t)
	payload := &models.StreamPayload{
		Metadata: map[string]interface{}{"start_date": "2020-03-01T06:00:00Z"},
		Streams: map[string]models.Stream{
			"time":      {Data: []interface{}{0.0, 1.0}},
			"heartrate": {Data: []interface{}{150.0, 152.0}},
		},
	}

	entry, a, err := lib.ImportStream(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "stream", entry.SourceFormat)
	assert.Empty(t, entry.Sources)
	assert.Equal(t, models.TimeElapsed, a.TimeKind())
	assert.Equal(t, "exports/elapsed/"+entry.ID+".parquet", entry.ExportPath)
}
