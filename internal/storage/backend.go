// Package storage provides the byte stores activity files are read from and
// exports are written to: a local directory, S3 or Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) when an object does not exist
var ErrNotFound = errors.New("object not found")

// Backend is implemented by every storage backend
type Backend interface {
	// Write stores data at path, replacing any existing object
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader streams size bytes from reader to path
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Read returns the object at path
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the object paths under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// ListObjects returns the objects under prefix with their metadata
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Size returns the object size in bytes, or an error wrapping ErrNotFound
	Size(ctx context.Context, path string) (int64, error)

	Delete(ctx context.Context, path string) error

	Close() error

	// Type returns "local", "s3" or "azure"
	Type() string
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}
