package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_UploadFetch(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	content := []byte("image bytes")

	require.NoError(t, store.Upload(ctx, "protected/img_7.png", content, "image/png"))

	fetched, err := store.Fetch(ctx, "protected/img_7.png")
	require.NoError(t, err)
	assert.Equal(t, content, fetched)
}

func TestLocalStore_FetchMissingKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "raw/missing.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStore_OverwriteKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "raw/img_7.png", []byte("first"), "image/png"))
	require.NoError(t, store.Upload(ctx, "raw/img_7.png", []byte("second"), "image/png"))

	fetched, err := store.Fetch(ctx, "raw/img_7.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), fetched)
}

func TestLocalStore_KeyTraversalStaysInsideBase(t *testing.T) {
	base := t.TempDir()
	store, err := NewLocalStore(base)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "../../escape.png", []byte("data"), "image/png"))

	// The sanitized path lands under basePath, not outside it.
	_, err = os.Stat(filepath.Join(base, "escape.png"))
	require.NoError(t, err)

	parent := filepath.Dir(base)
	_, err = os.Stat(filepath.Join(parent, "escape.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStore_CreatesBaseDirectory(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "objects")

	_, err := NewLocalStore(base)
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
