package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBlobStore_PutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(),
		"titles/bronze/run=20260830T120000Z/titles.jsonl.gz",
		"application/gzip",
		strings.NewReader("payload"),
	)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(uri))

	data, err := os.ReadFile(uri)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestBlobStore_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.gz", "application/gzip", strings.NewReader("x"))
	require.Error(t, err)
}

func TestBlobStore_CanceledContext(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.PutObject(ctx, "x", "text/plain", strings.NewReader("x"))
	require.Error(t, err)
}
