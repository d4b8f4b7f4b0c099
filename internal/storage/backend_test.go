package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/circuitbreaker"
	"github.com/basekick-labs/runframe/internal/format"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return map[string]Backend{
		"local":  local,
		"memory": NewMemoryBackend(zerolog.Nop()),
	}
}

func TestLocalBackendOperations(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "inbox/ride.gpx", []byte("<gpx/>")))
			require.NoError(t, b.WriteReader(ctx, "inbox/run.tcx", strings.NewReader("<tcx/>"), 6))
			require.NoError(t, b.Write(ctx, "inbox/empty.fit", nil))
			require.NoError(t, b.Write(ctx, "exports/a.parquet", []byte("PAR1")))

			data, err := b.Read(ctx, "inbox/ride.gpx")
			require.NoError(t, err)
			assert.Equal(t, "<gpx/>", string(data))

			_, err = b.Read(ctx, "inbox/nope.gpx")
			assert.ErrorIs(t, err, ErrNotFound)

			size, err := b.Size(ctx, "inbox/run.tcx")
			require.NoError(t, err)
			assert.Equal(t, int64(6), size)
			_, err = b.Size(ctx, "inbox")
			assert.ErrorIs(t, err, ErrNotFound, "directories are not objects")

			paths, err := b.List(ctx, "inbox")
			require.NoError(t, err)
			assert.Equal(t, []string{"inbox/empty.fit", "inbox/ride.gpx", "inbox/run.tcx"}, paths)

			objs, err := b.ListObjects(ctx, "")
			require.NoError(t, err)
			assert.Len(t, objs, 4)
			assert.False(t, objs[0].LastModified.IsZero())

			missing, err := b.List(ctx, "does/not/exist")
			require.NoError(t, err)
			assert.Empty(t, missing)

			require.NoError(t, b.Delete(ctx, "inbox/ride.gpx"))
			require.NoError(t, b.Delete(ctx, "inbox/ride.gpx"), "deleting twice is fine")
			_, err = b.Size(ctx, "inbox/ride.gpx")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Close())
		})
	}
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	b := NewMemoryBackend(zerolog.Nop())
	ctx := context.Background()
	assert.Error(t, b.Write(ctx, "../escape.gpx", []byte("x")))
	_, err := b.Read(ctx, "inbox/../../etc/passwd")
	assert.Error(t, err)
}

func TestLocalBackendWritesUnderBase(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, b.Write(context.Background(), "/exports/run.parquet", []byte("PAR1")))
	data, err := os.ReadFile(filepath.Join(dir, "exports", "run.parquet"))
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "exports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file renamed away")

	assert.Equal(t, filepath.Join(dir, "exports", "run.parquet"), QueryPath(b, "exports/run.parquet"))
	assert.Equal(t, "", QueryPath(NewMemoryBackend(zerolog.Nop()), "exports/run.parquet"))
}

func TestBackendsSatisfyResourceChecks(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zerolog.Nop())
	require.NoError(t, b.Write(ctx, "a.gpx", []byte("<gpx/>")))
	require.NoError(t, b.Write(ctx, "empty.gpx", nil))

	var st format.Stater = b
	assert.True(t, format.IsUsable(ctx, st, "a.gpx"))
	assert.True(t, format.Exists(ctx, st, "empty.gpx"))
	assert.False(t, format.IsUsable(ctx, st, "empty.gpx"))
	assert.ErrorIs(t, format.Check(ctx, st, "missing.gpx"), format.ErrResourceMissing)
}

func TestNewFactory(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, Config{Backend: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())

	b, err = New(ctx, Config{Backend: "local", LocalPath: t.TempDir(), Resilient: true}, zerolog.Nop())
	require.NoError(t, err)
	_, wrapped := b.(*ResilientBackend)
	assert.False(t, wrapped, "local storage is never wrapped")

	_, err = New(ctx, Config{Backend: "ftp"}, zerolog.Nop())
	assert.Error(t, err)
}

// flaky fails its first n Read calls
type flaky struct {
	*LocalBackend
	failures int32
	calls    atomic.Int32
}

func (f *flaky) Read(ctx context.Context, path string) ([]byte, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.LocalBackend.Read(ctx, path)
}

func (f *flaky) Type() string { return "s3" }

func fastRetries() ResilientConfig {
	return ResilientConfig{
		MaxFailures:   3,
		Cooldown:      time.Hour,
		Trials:        1,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func TestResilientBackendRetries(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(zerolog.Nop())
	require.NoError(t, mem.Write(ctx, "a.gpx", []byte("<gpx/>")))

	f := &flaky{LocalBackend: mem, failures: 2}
	r := NewResilientBackend(f, fastRetries(), zerolog.Nop())

	data, err := r.Read(ctx, "a.gpx")
	require.NoError(t, err)
	assert.Equal(t, "<gpx/>", string(data))
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, "s3", r.Type())
}

func TestResilientBackendNotFoundIsNotAnOutage(t *testing.T) {
	ctx := context.Background()
	f := &flaky{LocalBackend: NewMemoryBackend(zerolog.Nop())}
	r := NewResilientBackend(f, fastRetries(), zerolog.Nop())

	for i := 0; i < 10; i++ {
		_, err := r.Read(ctx, "missing.gpx")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(10), f.calls.Load(), "no retries for a missing object")
	assert.Equal(t, "closed", r.Breaker().State)
}

func TestResilientBackendOpensCircuit(t *testing.T) {
	ctx := context.Background()
	f := &flaky{LocalBackend: NewMemoryBackend(zerolog.Nop()), failures: 100}
	r := NewResilientBackend(f, fastRetries(), zerolog.Nop())

	_, err := r.Read(ctx, "a.gpx")
	require.Error(t, err)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, "open", r.Breaker().State)

	_, err = r.Read(ctx, "a.gpx")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(3), f.calls.Load())
}
