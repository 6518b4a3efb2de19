package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalRequests tracks the number of page fetches dispatched.
	TotalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_requests_total",
		Help: "The total number of page fetch requests sent.",
	})
	// TotalRequestErrors tracks fetches that did not return success.
	TotalRequestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_request_errors_total",
		Help: "The total number of failed page fetches.",
	})
	// TotalRateLimitHits tracks source-signaled throttling responses.
	TotalRateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_rate_limit_hits_total",
		Help: "The total number of times the source rate limited the crawler.",
	})
	// TotalRetries tracks page tasks requeued after a retryable outcome.
	TotalRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_retries_total",
		Help: "The total number of page retries.",
	})
	// TotalRecordsWritten tracks records flushed to the output sink.
	TotalRecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_records_written_total",
		Help: "The total number of records written to the output sink.",
	})
	// TotalPagesCommitted tracks pages durably recorded in the checkpoint.
	TotalPagesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlecrawler_pages_committed_total",
		Help: "The total number of pages committed to the checkpoint.",
	})
	// InFlightFetches tracks fetches currently running.
	InFlightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "titlecrawler_in_flight_fetches",
		Help: "The number of page fetches currently in flight.",
	})
)
