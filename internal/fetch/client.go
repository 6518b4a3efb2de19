// Package fetch provides pooled, concurrency-safe clients for the
// paginated listing source.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// Config controls pool sizing and request behavior.
type Config struct {
	// PoolConnections sizes the idle connection pool.
	PoolConnections int
	// PoolMaxSize caps connections per host. Must be >= MaxInFlight or
	// fetches serialize behind the pool.
	PoolMaxSize int
	// MaxInFlight bounds concurrently running fetches; callers beyond
	// the cap block rather than fail.
	MaxInFlight int
	// Timeout applies per request; exceeding it is a transient error.
	Timeout   time.Duration
	UserAgent string
	// QPS adds a politeness limiter when > 0.
	QPS   float64
	Burst int
}

// RequestBuilder turns a derived page URL into the HTTP request the
// source expects. It is the seam that keeps the client independent of
// the source's wire shape.
type RequestBuilder interface {
	Build(ctx context.Context, pageURL string) (*http.Request, error)
}

// Client is a pooled FetchClient over net/http.
type Client struct {
	httpClient *http.Client
	builder    RequestBuilder
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	cfg        Config
	logger     *zap.Logger
}

// NewClient builds a Client. A nil builder falls back to plain GET.
func NewClient(cfg Config, builder RequestBuilder, logger *zap.Logger) *Client {
	if cfg.PoolConnections <= 0 {
		cfg.PoolConnections = 40
	}
	if cfg.PoolMaxSize < cfg.PoolConnections {
		cfg.PoolMaxSize = cfg.PoolConnections
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.PoolConnections
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if builder == nil {
		builder = &GetBuilder{UserAgent: cfg.UserAgent}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolConnections,
		MaxIdleConnsPerHost: cfg.PoolConnections,
		MaxConnsPerHost:     cfg.PoolMaxSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		builder:    builder,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Fetch retrieves one page and classifies the result. The returned
// error is non-nil only when the context ends.
func (c *Client) Fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer c.sem.Release(1)

	crawler.InFlightFetches.Inc()
	defer crawler.InFlightFetches.Dec()
	crawler.TotalRequests.Inc()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := c.do(reqCtx, url)
	result.Duration = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}
		// Request-level failures (timeouts, connection resets) are
		// transient; the run-level context is still alive.
		crawler.TotalRequestErrors.Inc()
		c.logger.Debug("fetch transport error", zap.String("url", url), zap.Error(err))
		result.Outcome = crawler.OutcomeTransient
		return result, nil
	}

	switch result.Outcome {
	case crawler.OutcomeSuccess:
	case crawler.OutcomeRateLimited:
		crawler.TotalRequestErrors.Inc()
		crawler.TotalRateLimitHits.Inc()
	default:
		crawler.TotalRequestErrors.Inc()
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, url string) (crawler.FetchResult, error) {
	req, err := c.builder.Build(ctx, url)
	if err != nil {
		return crawler.FetchResult{Outcome: crawler.OutcomeFatal}, nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	result := crawler.FetchResult{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter(resp.Header),
		Outcome:    ClassifyStatus(resp.StatusCode),
	}

	// An explicit Retry-After is a throttling signal regardless of the
	// status code.
	if result.Outcome == crawler.OutcomeSuccess && result.RetryAfter > 0 {
		result.Outcome = crawler.OutcomeRateLimited
		return result, nil
	}
	if result.Outcome != crawler.OutcomeSuccess {
		return result, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Truncated body: never success.
		result.Outcome = crawler.OutcomeTransient
		return result, nil
	}
	if len(body) == 0 {
		result.Outcome = crawler.OutcomeTransient
		return result, nil
	}
	result.Body = body
	return result, nil
}
