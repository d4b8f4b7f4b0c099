package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/merge"
)

// inEmptyDir runs the test from a directory without runframe.toml
func inEmptyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inEmptyDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(256<<20), cfg.Server.BodyLimit)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "parquet", cfg.Export.Format)
	assert.Equal(t, int64(128<<20), cfg.Ingest.MaxFileSize)
	assert.GreaterOrEqual(t, cfg.Ingest.Concurrency, 2)
	assert.False(t, cfg.Import.Enabled)
	assert.Equal(t, 120, cfg.Server.ImportRateLimit)

	p, err := cfg.Ingest.Policy()
	require.NoError(t, err)
	assert.Equal(t, merge.DefaultPolicy(), p)
}

func TestLoadEnvOverride(t *testing.T) {
	inEmptyDir(t)
	t.Setenv("RUNFRAME_SERVER_PORT", "9090")
	t.Setenv("RUNFRAME_INGEST_GAP_POLICY", "hold")
	t.Setenv("RUNFRAME_INGEST_DUPLICATE_POLICY", "first")
	t.Setenv("RUNFRAME_EXPORT_FORMAT", "ARROW")
	t.Setenv("RUNFRAME_QUERY_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "arrow", cfg.Export.Format)
	assert.Equal(t, 5*time.Second, cfg.Query.Timeout)

	p, err := cfg.Ingest.Policy()
	require.NoError(t, err)
	assert.Equal(t, merge.Hold, p.Gaps)
	assert.Equal(t, merge.FirstWins, p.Duplicates)
}

func TestLoadConfigFile(t *testing.T) {
	dir := inEmptyDir(t)
	toml := `
[storage]
backend = "memory"

[ingest]
overlap_policy = "prefer"
max_file_size = "16MB"

[import]
enabled = true
schedule = "0 * * * *"
prefix = "uploads"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runframe.toml"), []byte(toml), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, int64(16<<20), cfg.Ingest.MaxFileSize)
	assert.True(t, cfg.Import.Enabled)
	assert.Equal(t, "uploads", cfg.Import.Prefix)
	assert.Equal(t, "memory", cfg.Storage.StorageBackend().Backend)

	p, err := cfg.Ingest.Policy()
	require.NoError(t, err)
	assert.Equal(t, merge.PreferFirst, p.Overlap)
}

func TestLoadFileMissing(t *testing.T) {
	inEmptyDir(t)
	_, err := LoadFile("does-not-exist.toml")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"duplicate policy", map[string]string{"RUNFRAME_INGEST_DUPLICATE_POLICY": "average"}},
		{"gap policy", map[string]string{"RUNFRAME_INGEST_GAP_POLICY": "interpolate"}},
		{"export format", map[string]string{"RUNFRAME_EXPORT_FORMAT": "csv"}},
		{"storage backend", map[string]string{"RUNFRAME_STORAGE_BACKEND": "ftp"}},
		{"concurrency", map[string]string{"RUNFRAME_INGEST_CONCURRENCY": "0"}},
		{"body limit", map[string]string{"RUNFRAME_SERVER_BODY_LIMIT": "lots"}},
		{"rate limit", map[string]string{"RUNFRAME_SERVER_IMPORT_RATE_LIMIT": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inEmptyDir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1GB", 1 << 30, false},
		{"500mb", 500 << 20, false},
		{"1.5KB", 1536, false},
		{"42B", 42, false},
		{"4096", 4096, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-5MB", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
