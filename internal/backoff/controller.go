// Package backoff implements the adaptive delay policy shared by all
// crawl workers.
package backoff

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// Config tunes the controller.
type Config struct {
	// BaseDelay is the ordinary delay floor.
	BaseDelay time.Duration
	// Step is the additive growth lower bound and the latency-adaptive
	// increment.
	Step time.Duration
	// MaxDelay caps multiplicative growth.
	MaxDelay time.Duration
	// RateLimitFloor is the elevated floor honored after the source
	// signals throttling. It may exceed MaxDelay; the floor wins.
	RateLimitFloor time.Duration
	// LatencyThreshold enables latency-adaptive growth on slow
	// successes when > 0.
	LatencyThreshold time.Duration
	// Jitter returns a random duration in [0, limit). Injectable for
	// deterministic tests; nil selects a crypto/rand source.
	Jitter func(limit time.Duration) time.Duration
}

// Controller converts recent outcomes into the next permissible delay.
// All methods are safe for concurrent use.
type Controller struct {
	mu                  sync.Mutex
	cfg                 Config
	current             time.Duration
	floor               time.Duration
	consecutiveFailures int
	lastOutcome         crawler.Outcome
}

// New builds a Controller starting from the cautious baseline delay.
func New(cfg Config) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 150 * time.Millisecond
	}
	if cfg.Step <= 0 {
		cfg.Step = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 1200 * time.Millisecond
	}
	if cfg.RateLimitFloor <= 0 {
		cfg.RateLimitFloor = 2 * time.Second
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	return &Controller{
		cfg:     cfg,
		current: cfg.BaseDelay,
		floor:   cfg.BaseDelay,
	}
}

// NextDelay returns the delay to wait before the next fetch.
func (c *Controller) NextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.current
	if d < c.floor {
		d = c.floor
	}
	return d + c.cfg.Jitter(d/4)
}

// RecordOutcome folds one fetch outcome into the policy state.
func (c *Controller) RecordOutcome(outcome crawler.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOutcome = outcome

	switch outcome {
	case crawler.OutcomeSuccess:
		c.consecutiveFailures = 0
		c.floor = c.cfg.BaseDelay
		c.current = c.cfg.BaseDelay
	case crawler.OutcomeTransient, crawler.OutcomeParseError:
		c.consecutiveFailures++
		c.grow()
	case crawler.OutcomeRateLimited:
		c.consecutiveFailures++
		if c.cfg.RateLimitFloor > c.floor {
			c.floor = c.cfg.RateLimitFloor
		}
		c.grow()
	case crawler.OutcomeFatal:
		// Fatal conditions are not subject to backoff.
	}
}

// RecordLatency adapts the delay to observed request latency: slow
// successes grow the delay one step, fast ones decay it toward the
// floor.
func (c *Controller) RecordLatency(observed time.Duration) {
	if c.cfg.LatencyThreshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case observed > c.cfg.LatencyThreshold:
		c.current += c.cfg.Step
		if c.current > c.cfg.MaxDelay {
			c.current = c.cfg.MaxDelay
		}
	case observed < c.cfg.LatencyThreshold/2 && c.current > c.floor:
		c.current -= c.cfg.Step / 2
		if c.current < c.floor {
			c.current = c.floor
		}
	}
}

func (c *Controller) grow() {
	next := c.current * 2
	if next < c.current+c.cfg.Step {
		next = c.current + c.cfg.Step
	}
	if next > c.cfg.MaxDelay {
		next = c.cfg.MaxDelay
	}
	c.current = next
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
