package blobstore

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when no object exists at the given key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a key-addressed blob read/write boundary.
// Original objects are immutable inputs; protected outputs are always
// written to new keys, never in place.
type ObjectStore interface {
	// Fetch retrieves the full object content at key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Upload writes content to key with the given content type.
	Upload(ctx context.Context, key string, content []byte, contentType string) error
}
