// Package local implements the blob store contract on a local
// directory, for development and air-gapped runs.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore copies artifacts under a base directory.
type BlobStore struct {
	baseDir string
	logger  *zap.Logger
}

// New ensures the base directory exists.
func New(baseDir string, logger *zap.Logger) (*BlobStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("local storage directory must be set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &BlobStore{baseDir: baseDir, logger: logger}, nil
}

// PutObject writes r to baseDir/path and returns the absolute path.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	dest := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if rel, err := filepath.Rel(s.baseDir, dest); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object path %q escapes storage directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create object %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", path, err)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	s.logger.Info("artifact stored locally", zap.String("path", abs))
	return abs, nil
}
