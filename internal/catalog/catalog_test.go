package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testActivity(t *testing.T, start time.Time, format string) *activity.Activity {
	t.Helper()
	base := start.UnixNano()
	ix := columns.Index{Kind: models.TimeAbsolute, Values: []int64{base, base + int64(10*time.Second)}}
	pos := columns.NewColumn(columns.KindLonLat, 2)
	pos.Set(0, 4.8900, 52.3700)
	pos.Set(1, 4.8900, 52.3710)
	a, err := activity.FromParts(ix, map[string]*columns.Column{"lonlat": pos}, activity.Spec{SourceFormat: format})
	require.NoError(t, err)
	return a
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2022, 5, 1, 7, 0, 0, 0, time.UTC)

	e, err := NewEntry(testActivity(t, start, "gpx"), "inbox/a.gpx", "inbox/a-hr.tcx")
	require.NoError(t, err)
	e.ExportPath = "exports/2022/05/01/" + e.ID + ".parquet"
	e.ExportFormat = "parquet"
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpx", got.SourceFormat)
	assert.Equal(t, []string{"inbox/a.gpx", "inbox/a-hr.tcx"}, got.Sources)
	assert.Equal(t, e.ExportPath, got.ExportPath)
	assert.Equal(t, 2, got.Rows)
	require.NotNil(t, got.Start)
	assert.True(t, start.Equal(*got.Start))
	assert.InDelta(t, 111.2, got.Summary.TotalDistance, 0.5)
	assert.Equal(t, []string{"lonlat"}, got.Summary.Columns)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourcesAreUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasSource(ctx, "inbox/a.gpx")
	require.NoError(t, err)
	assert.False(t, has)

	e1, err := NewEntry(testActivity(t, time.Now(), "gpx"), "inbox/a.gpx")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, e1))

	has, err = s.HasSource(ctx, "inbox/a.gpx")
	require.NoError(t, err)
	assert.True(t, has)

	e2, err := NewEntry(testActivity(t, time.Now(), "gpx"), "inbox/b.gpx", "inbox/a.gpx")
	require.NoError(t, err)
	err = s.Create(ctx, e2)
	assert.ErrorIs(t, err, ErrSourceExists)

	// the failed insert is rolled back as a whole
	_, err = s.Get(ctx, e2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	has, err = s.HasSource(ctx, "inbox/b.gpx")
	require.NoError(t, err)
	assert.False(t, has)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2022, 1, 1, 6, 0, 0, 0, time.UTC)

	var ids []string
	for i, format := range []string{"gpx", "tcx", "gpx"} {
		e, err := NewEntry(testActivity(t, day.AddDate(0, 0, i), format), filepath.Join("inbox", format, string(rune('a'+i))))
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, e))
		ids = append(ids, e.ID)
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest start first")
	assert.Equal(t, ids[0], all[2].ID)
	assert.Len(t, all[1].Sources, 1)

	gpx, err := s.List(ctx, ListOptions{SourceFormat: "gpx", Limit: 1})
	require.NoError(t, err)
	require.Len(t, gpx, 1)
	assert.Equal(t, ids[2], gpx[0].ID)

	page, err := s.List(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, s.Delete(ctx, ids[1]))
	assert.ErrorIs(t, s.Delete(ctx, ids[1]), ErrNotFound)
	has, err := s.HasSource(ctx, "inbox/tcx/b")
	require.NoError(t, err)
	assert.False(t, has, "sources cascade with their activity")

	require.NoError(t, s.Ping(ctx))
}
