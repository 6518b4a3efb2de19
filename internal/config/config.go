// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Query      QueryConfig      `mapstructure:"query"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig governs scheduler behavior.
type CrawlConfig struct {
	BaseURL string `mapstructure:"base_url"`
	PerPage int    `mapstructure:"per_page"`
	// MaxPages accepts an integer or "all"/"unlimited"/"0".
	MaxPages               string `mapstructure:"max_pages"`
	WorkerCount            int    `mapstructure:"worker_count"`
	Resume                 bool   `mapstructure:"resume"`
	MaxAttempts            int    `mapstructure:"max_attempts"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	GraceSeconds           int    `mapstructure:"grace_seconds"`
}

// HTTPConfig configures the pooled fetch client.
type HTTPConfig struct {
	PoolConnections int     `mapstructure:"pool_connections"`
	PoolMaxSize     int     `mapstructure:"pool_maxsize"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	UserAgent       string  `mapstructure:"user_agent"`
	QPS             float64 `mapstructure:"qps"`
	Burst           int     `mapstructure:"burst"`
	// Strategy selects the fetch implementation: "pooled" or "colly".
	Strategy string `mapstructure:"strategy"`
}

// BackoffConfig tunes the adaptive delay policy.
type BackoffConfig struct {
	PageDelayMs        int `mapstructure:"page_delay_ms"`
	StepMs             int `mapstructure:"step_ms"`
	MaxMs              int `mapstructure:"max_ms"`
	RateLimitFloorMs   int `mapstructure:"rate_limit_floor_ms"`
	LatencyThresholdMs int `mapstructure:"latency_threshold_ms"`
}

// OutputConfig sets the local artifact path.
type OutputConfig struct {
	// File is the output path; empty means a timestamped default.
	File string `mapstructure:"file"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Provider  string `mapstructure:"provider"`
	StateFile string `mapstructure:"state_file"`
	DSN       string `mapstructure:"dsn"`
	Name      string `mapstructure:"name"`
}

// StorageConfig sets the remote destination for the finished artifact.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// QueryConfig shapes the persisted GraphQL search query.
type QueryConfig struct {
	Locale     string   `mapstructure:"locale"`
	SortBy     string   `mapstructure:"sort_by"`
	SortOrder  string   `mapstructure:"sort_order"`
	TitleTypes []string `mapstructure:"title_types"`
	SHA        string   `mapstructure:"persisted_sha"`
}

// StatusConfig controls the optional status/metrics HTTP server.
type StatusConfig struct {
	// Addr enables the server when non-empty, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

const (
	defaultBaseURL = "https://caching.graphql.imdb.com/"
	defaultSHA     = "9fc7c8867ff66c1e1aa0f39d0fd4869c64db97cddda14fea1c048ca4b568f06a"
	defaultUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TITLECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindBareEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// bindBareEnv wires the bare environment keys that operators set on the
// container, without the TITLECRAWLER_ prefix.
func bindBareEnv(v *viper.Viper) {
	bind := map[string]string{
		"crawl.base_url":               "BASE_URL",
		"crawl.per_page":               "PER_PAGE",
		"crawl.max_pages":              "MAX_PAGES",
		"crawl.worker_count":           "WORKER_COUNT",
		"crawl.resume":                 "RESUME",
		"crawl.max_attempts":           "MAX_ATTEMPTS",
		"http.pool_connections":        "HTTP_POOL_CONNECTIONS",
		"http.pool_maxsize":            "HTTP_POOL_MAXSIZE",
		"http.timeout_seconds":         "HTTP_TIMEOUT",
		"http.user_agent":              "USER_AGENT",
		"backoff.page_delay_ms":        "PAGE_DELAY_MS",
		"backoff.step_ms":              "BACKOFF_STEP_MS",
		"backoff.max_ms":               "BACKOFF_MAX_MS",
		"backoff.rate_limit_floor_ms":  "RATE_LIMIT_FLOOR_MS",
		"backoff.latency_threshold_ms": "BACKOFF_THRESHOLD_MS",
		"output.file":                  "OUT_JSONL",
		"checkpoint.state_file":        "STATE_FILE",
		"storage.bucket":               "GCS_BUCKET",
		"storage.prefix":               "GCS_PREFIX",
		"status.addr":                  "STATUS_ADDR",
		"query.locale":                 "LOCALE",
	}
	for key, env := range bind {
		// BindEnv only errors on empty input.
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.base_url", defaultBaseURL)
	v.SetDefault("crawl.per_page", 1000)
	v.SetDefault("crawl.max_pages", "all")
	v.SetDefault("crawl.worker_count", 24)
	v.SetDefault("crawl.resume", true)
	v.SetDefault("crawl.max_attempts", 4)
	v.SetDefault("crawl.max_consecutive_failures", 5)
	v.SetDefault("crawl.grace_seconds", 10)
	v.SetDefault("http.pool_connections", 40)
	v.SetDefault("http.pool_maxsize", 100)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", defaultUA)
	v.SetDefault("http.qps", 0.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.strategy", "pooled")
	v.SetDefault("backoff.page_delay_ms", 150)
	v.SetDefault("backoff.step_ms", 200)
	v.SetDefault("backoff.max_ms", 1200)
	v.SetDefault("backoff.rate_limit_floor_ms", 2000)
	v.SetDefault("backoff.latency_threshold_ms", 2000)
	v.SetDefault("checkpoint.provider", "file")
	v.SetDefault("checkpoint.state_file", ".crawl_state.json")
	v.SetDefault("checkpoint.name", "titles")
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "titles/bronze")
	v.SetDefault("storage.content_type", "application/gzip")
	v.SetDefault("query.locale", "pt-BR")
	v.SetDefault("query.sort_by", "POPULARITY")
	v.SetDefault("query.sort_order", "ASC")
	v.SetDefault("query.persisted_sha", defaultSHA)
	v.SetDefault("query.title_types", []string{
		"movie", "tvSeries", "short", "tvEpisode", "tvMiniSeries",
		"tvMovie", "tvShort", "tvSpecial", "musicVideo",
		"podcastEpisode", "video", "videoGame", "podcastSeries",
	})
	v.SetDefault("logging.development", false)
}

// normalize clamps out-of-range values to their defaults and keeps the
// connection pool at least as large as the worker count so fetches do
// not serialize behind pool exhaustion.
func (c *Config) normalize() {
	if c.Crawl.PerPage < 1 || c.Crawl.PerPage > 10000 {
		c.Crawl.PerPage = 1000
	}
	if c.Crawl.WorkerCount < 1 {
		c.Crawl.WorkerCount = 24
	}
	if c.Crawl.MaxAttempts < 1 {
		c.Crawl.MaxAttempts = 4
	}
	if c.HTTP.PoolConnections < c.Crawl.WorkerCount {
		c.HTTP.PoolConnections = c.Crawl.WorkerCount
	}
	if c.HTTP.PoolMaxSize < c.HTTP.PoolConnections {
		c.HTTP.PoolMaxSize = c.HTTP.PoolConnections
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawl.BaseURL) == "" {
		return fmt.Errorf("crawl.base_url must be set")
	}
	u, err := url.Parse(c.Crawl.BaseURL)
	if err != nil {
		return fmt.Errorf("crawl.base_url invalid: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("crawl.base_url must include a host")
	}
	if _, err := c.PageLimit(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.HTTP.Strategy {
	case "pooled", "colly":
	default:
		return fmt.Errorf("http.strategy %q must be pooled or colly", c.HTTP.Strategy)
	}
	switch c.Checkpoint.Provider {
	case "file":
		if c.Checkpoint.StateFile == "" {
			return fmt.Errorf("checkpoint.state_file must be set for the file provider")
		}
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("checkpoint.provider %q must be file or postgres", c.Checkpoint.Provider)
	}
	switch c.Storage.Provider {
	case "none":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs provider")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	default:
		return fmt.Errorf("storage.provider %q must be none, gcs, or local", c.Storage.Provider)
	}
	return nil
}

// PageLimit parses crawl.max_pages. Zero with unlimited=true means the
// crawl runs until the source reports no more pages.
func (c Config) PageLimit() (int, error) {
	raw := strings.TrimSpace(strings.ToLower(c.Crawl.MaxPages))
	switch raw {
	case "", "all", "unlimited", "0":
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("crawl.max_pages %q must be an integer or \"all\"", c.Crawl.MaxPages)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// HTTPTimeout converts the timeout config into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// GracePeriod returns the cancellation drain budget.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Crawl.GraceSeconds) * time.Second
}
