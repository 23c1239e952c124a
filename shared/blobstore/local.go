package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements ObjectStore using the local filesystem.
// Used for development and tests; keys map to paths under basePath.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a new local filesystem object store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", basePath, err)
	}

	return &LocalStore{basePath: basePath}, nil
}

// Fetch retrieves the full object content at key.
func (s *LocalStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	content, err := os.ReadFile(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	return content, nil
}

// Upload writes content to key with the given content type.
// Content type is ignored for local files.
func (s *LocalStore) Upload(ctx context.Context, key string, content []byte, contentType string) error {
	fullPath := s.keyToPath(key)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}

	return nil
}

// keyToPath sanitizes a key into a path under basePath.
func (s *LocalStore) keyToPath(key string) string {
	clean := filepath.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	return filepath.Join(s.basePath, clean)
}
