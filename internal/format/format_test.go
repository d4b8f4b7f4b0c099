package format

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		stem        string
		ext         string
		format      Format
		compression Compression
	}{
		{"ride.gpx", "ride", ".gpx", GPX, None},
		{"2012-12-26.TCX", "2012-12-26", ".TCX", TCX, None},
		{"activities/morning.fit", "activities/morning", ".fit", FIT, None},
		{"run.json", "run", ".json", NikeRun, None},
		{"ride.tcx.gz", "ride", ".tcx.gz", TCX, Gzip},
		{"ride.gpx.bz2", "ride", ".gpx.bz2", GPX, Bzip2},
		{"ride.fit.zip", "ride", ".fit.zip", FIT, Zip},
		{"ride.v2.fit.zst", "ride.v2", ".fit.zst", FIT, Zstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.stem, got.Stem)
			assert.Equal(t, tt.ext, got.Ext)
			assert.Equal(t, tt.format, got.Format)
			assert.Equal(t, tt.compression, got.Compression)
		})
	}
}

func TestClassifyUnsupported(t *testing.T) {
	tests := []struct {
		name string
		ext  string
	}{
		{"track.xyz", ".xyz"},
		{"README", ""},
		{"ride.gz", ".gz"},
		{"backup.tar.gz", ".tar.gz"},
		{"notes.TXT", ".txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.name)
			require.Error(t, err)

			var unsupported *UnsupportedFormatError
			require.True(t, errors.As(err, &unsupported))
			assert.Equal(t, tt.ext, unsupported.Extension)
			assert.Contains(t, err.Error(), "supported: .fit, .gpx, .json, .tcx")
		})
	}
}

func TestExtensions(t *testing.T) {
	assert.Equal(t, []string{".fit", ".gpx", ".json", ".tcx"}, Extensions())
	assert.Equal(t, []string{".bz2", ".gz", ".zip", ".zst"}, Wrappers())
}

func TestDecompress(t *testing.T) {
	payload := []byte("<gpx><trk/></gpx>")

	t.Run("none", func(t *testing.T) {
		out, err := Decompress(None, payload)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		out, err := Decompress(Gzip, buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("zstd", func(t *testing.T) {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		compressed := enc.EncodeAll(payload, nil)
		require.NoError(t, enc.Close())

		out, err := Decompress(Zstd, compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("zip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		_, err := zw.Create("dir/")
		require.NoError(t, err)
		f, err := zw.Create("dir/ride.gpx")
		require.NoError(t, err)
		_, err = f.Write(payload)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		out, err := Decompress(Zip, buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		_, err := Decompress(Gzip, []byte("definitely not gzip"))
		assert.Error(t, err)
	})
}

type sizes map[string]int64

func (s sizes) Size(_ context.Context, path string) (int64, error) {
	n, ok := s[path]
	if !ok {
		return 0, errors.New("not found")
	}
	return n, nil
}

func TestResourceChecks(t *testing.T) {
	ctx := context.Background()
	st := sizes{"full.gpx": 120, "empty.gpx": 0}

	assert.True(t, Exists(ctx, st, "full.gpx"))
	assert.True(t, Exists(ctx, st, "empty.gpx"))
	assert.False(t, Exists(ctx, st, "gone.gpx"))
	assert.False(t, Exists(ctx, nil, "full.gpx"))
	assert.False(t, Exists(ctx, st, ""))

	assert.True(t, IsUsable(ctx, st, "full.gpx"))
	assert.False(t, IsUsable(ctx, st, "empty.gpx"))
	assert.False(t, IsUsable(ctx, st, "gone.gpx"))

	assert.NoError(t, Check(ctx, st, "full.gpx"))
	assert.ErrorIs(t, Check(ctx, st, "empty.gpx"), ErrResourceEmpty)
	assert.ErrorIs(t, Check(ctx, st, "gone.gpx"), ErrResourceMissing)

	var rerr *ResourceError
	require.True(t, errors.As(Check(ctx, st, "empty.gpx"), &rerr))
	assert.Equal(t, "empty.gpx", rerr.Path)
}
