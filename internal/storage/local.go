package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// LocalBackend stores objects as files under a base directory
type LocalBackend struct {
	basePath string
	fs       afero.Fs
	logger   zerolog.Logger
}

// NewLocalBackend creates a backend rooted at basePath, creating it if needed
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return newLocalBackend(absPath, afero.NewBasePathFs(afero.NewOsFs(), absPath), logger), nil
}

// NewMemoryBackend returns a local backend over an in-memory filesystem
func NewMemoryBackend(logger zerolog.Logger) *LocalBackend {
	return newLocalBackend("", afero.NewMemMapFs(), logger)
}

func newLocalBackend(basePath string, fsys afero.Fs, logger zerolog.Logger) *LocalBackend {
	return &LocalBackend{
		basePath: basePath,
		fs:       fsys,
		logger:   logger.With().Str("component", "local-storage").Logger(),
	}
}

// Write writes to a temp file next to the target and renames it into place
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader streams reader into path atomically
func (b *LocalBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	name, err := cleanPath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(name)
	if err := b.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".runframe-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, copyErr := io.Copy(tmp, reader)
	closeErr := tmp.Close()
	if copyErr != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("failed to write data: %w", copyErr)
	}
	if closeErr != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err := b.fs.Rename(tmpName, name); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("path", path).Int64("size", written).Msg("Wrote file")
	return nil
}

// Read returns the file contents
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	name, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// List returns the paths of all non-hidden files under prefix, sorted
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	objs, err := b.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Path
	}
	return out, nil
}

// ListObjects walks prefix and returns file metadata, sorted by path
func (b *LocalBackend) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root, err := cleanPath(prefix)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	err = afero.Walk(b.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		out = append(out, ObjectInfo{
			Path:         strings.TrimPrefix(filepath.ToSlash(p), "/"),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Size returns the file size
func (b *LocalBackend) Size(ctx context.Context, path string) (int64, error) {
	name, err := cleanPath(path)
	if err != nil {
		return 0, err
	}
	info, err := b.fs.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	return info.Size(), nil
}

// Delete removes the file. Deleting a missing file is not an error.
func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	name, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := b.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Type() string { return "local" }

// BasePath returns the directory objects live under, "" when in memory
func (b *LocalBackend) BasePath() string { return b.basePath }

// cleanPath turns an object path into a rooted filesystem path and rejects
// anything that would climb out of the base directory.
func cleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("invalid path %q", path)
	}
	p := filepath.ToSlash(path)
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid path %q: escapes base directory", path)
		}
	}
	return filepath.Join("/", p), nil
}
