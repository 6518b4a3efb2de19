package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 1000, cfg.Crawl.PerPage)
	require.Equal(t, 24, cfg.Crawl.WorkerCount)
	require.True(t, cfg.Crawl.Resume)
	require.Equal(t, "file", cfg.Checkpoint.Provider)
	require.Equal(t, ".crawl_state.json", cfg.Checkpoint.StateFile)
	require.Equal(t, 30*time.Second, cfg.HTTPTimeout())

	limit, err := cfg.PageLimit()
	require.NoError(t, err)
	require.Zero(t, limit)
}

func TestLoad_BareEnvKeys(t *testing.T) {
	t.Setenv("PER_PAGE", "250")
	t.Setenv("MAX_PAGES", "12")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("RESUME", "false")
	t.Setenv("HTTP_TIMEOUT", "5")
	t.Setenv("OUT_JSONL", "out/titles.jsonl.gz")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 250, cfg.Crawl.PerPage)
	require.Equal(t, 8, cfg.Crawl.WorkerCount)
	require.False(t, cfg.Crawl.Resume)
	require.Equal(t, 5, cfg.HTTP.TimeoutSeconds)
	require.Equal(t, "out/titles.jsonl.gz", cfg.Output.File)

	limit, err := cfg.PageLimit()
	require.NoError(t, err)
	require.Equal(t, 12, limit)
}

func TestLoad_PerPageOutOfRangeFallsBack(t *testing.T) {
	t.Setenv("PER_PAGE", "50000")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1000, cfg.Crawl.PerPage)
}

func TestLoad_PoolRaisedToWorkerCount(t *testing.T) {
	t.Setenv("WORKER_COUNT", "64")
	t.Setenv("HTTP_POOL_CONNECTIONS", "10")
	t.Setenv("HTTP_POOL_MAXSIZE", "12")

	cfg, err := Load("")
	require.NoError(t, err)
	require.GreaterOrEqual(t, cfg.HTTP.PoolConnections, cfg.Crawl.WorkerCount)
	require.GreaterOrEqual(t, cfg.HTTP.PoolMaxSize, cfg.HTTP.PoolConnections)
}

func TestPageLimit_Words(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"all", "unlimited", "0", ""} {
		cfg := Config{Crawl: CrawlConfig{MaxPages: raw}}
		limit, err := cfg.PageLimit()
		require.NoError(t, err, raw)
		require.Zero(t, limit, raw)
	}

	cfg := Config{Crawl: CrawlConfig{MaxPages: "nope"}}
	_, err := cfg.PageLimit()
	require.Error(t, err)
}

func TestValidate_BadBaseURL(t *testing.T) {
	t.Setenv("BASE_URL", "not a url")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("TITLECRAWLER_CHECKPOINT_PROVIDER", "postgres")

	_, err := Load("")
	require.ErrorContains(t, err, "checkpoint.dsn")
}
