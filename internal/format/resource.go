package format

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrResourceMissing means the resource could not be found
	ErrResourceMissing = errors.New("resource does not exist")
	// ErrResourceEmpty means the resource exists but holds zero bytes
	ErrResourceEmpty = errors.New("resource is empty")
)

// ResourceError reports a resource that cannot be ingested before any
// parsing takes place.
type ResourceError struct {
	Path   string
	Reason error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s: %v", e.Path, e.Reason)
}

func (e *ResourceError) Unwrap() error { return e.Reason }

// Stater reports the size of a resource. Storage backends implement it.
type Stater interface {
	Size(ctx context.Context, path string) (int64, error)
}

// Exists reports whether path can be found. Lookup failures count as absence.
func Exists(ctx context.Context, st Stater, path string) bool {
	if st == nil || path == "" {
		return false
	}
	_, err := st.Size(ctx, path)
	return err == nil
}

// IsUsable reports whether path exists and is not empty
func IsUsable(ctx context.Context, st Stater, path string) bool {
	if st == nil || path == "" {
		return false
	}
	size, err := st.Size(ctx, path)
	return err == nil && size > 0
}

// Check is the error-returning form of IsUsable used by the ingest pipeline
func Check(ctx context.Context, st Stater, path string) error {
	if !Exists(ctx, st, path) {
		return &ResourceError{Path: path, Reason: ErrResourceMissing}
	}
	if !IsUsable(ctx, st, path) {
		return &ResourceError{Path: path, Reason: ErrResourceEmpty}
	}
	return nil
}
