package fetch

import (
	"net/http"
	"strconv"
	"time"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// ClassifyStatus maps an HTTP status code onto the outcome taxonomy.
// Throttling statuses map to rate_limited; permanent 4xx conditions map
// to fatal; everything else retryable maps to transient.
func ClassifyStatus(code int) crawler.Outcome {
	switch {
	case code == http.StatusOK:
		return crawler.OutcomeSuccess
	case code == http.StatusTooManyRequests,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable:
		return crawler.OutcomeRateLimited
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusGone:
		return crawler.OutcomeFatal
	case code >= 500:
		return crawler.OutcomeTransient
	case code >= 400:
		return crawler.OutcomeTransient
	default:
		return crawler.OutcomeTransient
	}
}

// retryAfter parses the Retry-After header as delay seconds, zero when
// absent or unparseable. HTTP-date forms are ignored; the source in
// practice sends seconds.
func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
