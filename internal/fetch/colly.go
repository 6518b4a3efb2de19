package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// CollyClient is an alternative FetchClient built on colly, for sources
// that serve the listing as plain GET pages. It shares the outcome
// taxonomy with the pooled client.
type CollyClient struct {
	collector *colly.Collector
	logger    *zap.Logger
	timeout   time.Duration
}

// NewCollyClient builds the collector with the pool limits applied as
// colly parallelism.
func NewCollyClient(cfg Config, logger *zap.Logger) (*CollyClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 24
	}

	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.Async(false),
	)
	c.SetRequestTimeout(cfg.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxInFlight,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}
	c.WithTransport(&http.Transport{
		MaxIdleConns:        cfg.PoolConnections,
		MaxIdleConnsPerHost: cfg.PoolConnections,
		MaxConnsPerHost:     cfg.PoolMaxSize,
		IdleConnTimeout:     90 * time.Second,
	})

	return &CollyClient{collector: c, logger: logger, timeout: cfg.Timeout}, nil
}

// Fetch visits one page URL with a cloned collector so concurrent
// fetches never share callback state.
func (c *CollyClient) Fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch canceled: %w", err)
	}

	crawler.InFlightFetches.Inc()
	defer crawler.InFlightFetches.Dec()
	crawler.TotalRequests.Inc()

	var (
		mu     sync.Mutex
		result crawler.FetchResult
	)

	clone := c.collector.Clone()
	clone.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		result.StatusCode = r.StatusCode
		result.Body = r.Body
		result.RetryAfter = retryAfter(*r.Headers)
		result.Outcome = ClassifyStatus(r.StatusCode)
		if result.Outcome == crawler.OutcomeSuccess && len(r.Body) == 0 {
			result.Outcome = crawler.OutcomeTransient
		}
	})
	clone.OnError(func(r *colly.Response, visitErr error) {
		mu.Lock()
		defer mu.Unlock()
		result.StatusCode = r.StatusCode
		if r.StatusCode > 0 {
			if r.Headers != nil {
				result.RetryAfter = retryAfter(*r.Headers)
			}
			result.Outcome = ClassifyStatus(r.StatusCode)
		} else {
			result.Outcome = crawler.OutcomeTransient
		}
		c.logger.Debug("collector error",
			zap.String("url", url),
			zap.Int("status", r.StatusCode),
			zap.Error(visitErr),
		)
	})

	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		if err := clone.Visit(url); err != nil {
			// OnError already classified response-level failures; a
			// visit error without a response is transient.
			mu.Lock()
			if result.Outcome == "" {
				result.Outcome = crawler.OutcomeTransient
			}
			mu.Unlock()
		}
		clone.Wait()
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case <-done:
	}

	mu.Lock()
	defer mu.Unlock()
	result.Duration = time.Since(start)
	if result.Outcome == "" {
		result.Outcome = crawler.OutcomeTransient
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
