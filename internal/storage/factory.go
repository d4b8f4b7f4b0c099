package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Config selects and configures a backend
type Config struct {
	Backend   string // "local", "memory", "s3" or "azure"
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
	// Resilient wraps remote backends with retries and a circuit breaker
	Resilient bool
}

// New builds the backend named by cfg.Backend
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		b, err = NewLocalBackend(cfg.LocalPath, logger)
	case "memory":
		b = NewMemoryBackend(logger)
	case "s3", "minio":
		b, err = NewS3Backend(ctx, &cfg.S3, logger)
	case "azure", "azblob":
		b, err = NewAzureBlobBackend(&cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Resilient && b.Type() != "local" {
		b = NewResilientBackend(b, DefaultResilientConfig(), logger)
	}
	return b, nil
}

// QueryPath returns a location an external engine such as DuckDB can read
// path from, or "" when the backend has none (in-memory storage).
func QueryPath(b Backend, path string) string {
	if r, ok := b.(*ResilientBackend); ok {
		b = r.Unwrap()
	}
	switch v := b.(type) {
	case *LocalBackend:
		if v.BasePath() == "" {
			return ""
		}
		return filepath.Join(v.BasePath(), filepath.FromSlash(path))
	case *S3Backend:
		return v.URI(path)
	case *AzureBlobBackend:
		return fmt.Sprintf("az://%s/%s", v.Container(), strings.TrimPrefix(path, "/"))
	default:
		return ""
	}
}
