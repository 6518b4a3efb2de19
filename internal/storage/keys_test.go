package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunKey(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	key := RunKey("titles/bronze", start, "titles.jsonl.gz")
	require.Equal(t, "titles/bronze/run=20260830T120000Z/titles.jsonl.gz", key)

	// Empty prefix still yields a clean relative key.
	require.Equal(t, "run=20260830T120000Z/out.gz", RunKey("", start, "out.gz"))
}
