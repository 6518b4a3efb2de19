package crawler

import (
	"fmt"
	"time"
)

// Outcome classifies the result of a fetch or parse attempt.
type Outcome string

// Outcome values reported to the backoff controller and scheduler.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient_error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFatal       Outcome = "fatal_error"
	OutcomeParseError  Outcome = "parse_error"
)

// Retryable reports whether the outcome is recovered locally with backoff.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTransient, OutcomeRateLimited, OutcomeParseError:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a page task.
type TaskStatus string

// Task status values owned by the scheduler.
const (
	TaskPending  TaskStatus = "pending"
	TaskInFlight TaskStatus = "in_flight"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
)

// PageTask is one unit of fetch+parse work for a single listing page.
// The scheduler owns the task; workers receive a copy and report back.
type PageTask struct {
	PageIndex int
	URL       string
	Attempts  int
	Status    TaskStatus
}

// Record is one extracted title entry. Records are value objects; the
// pipeline never deduplicates them.
type Record struct {
	TitleID        string    `json:"title_id,omitempty"`
	Title          string    `json:"title"`
	OriginalTitle  string    `json:"original_title,omitempty"`
	TitleType      string    `json:"title_type,omitempty"`
	Year           *string   `json:"year"`
	Rating         *string   `json:"rating"`
	VoteCount      *int64    `json:"vote_count,omitempty"`
	RuntimeSeconds *int64    `json:"runtime_seconds,omitempty"`
	Genres         []string  `json:"genres,omitempty"`
	Plot           string    `json:"plot,omitempty"`
	Page           int       `json:"page"`
	SourceURL      string    `json:"source_url"`
	ScrapedAtUTC   time.Time `json:"scraped_at_utc"`
}

// Validate enforces the required record fields.
func (r Record) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("record title is required")
	}
	if r.Page < 1 {
		return fmt.Errorf("record page %d must be >= 1", r.Page)
	}
	if r.SourceURL == "" {
		return fmt.Errorf("record source_url is required")
	}
	return nil
}

// FetchResult is the classified result of a single page fetch.
type FetchResult struct {
	Body       []byte
	StatusCode int
	Outcome    Outcome
	// RetryAfter carries the source's Retry-After hint, zero if absent.
	RetryAfter time.Duration
	Duration   time.Duration
}

// ParseResult is the output of parsing one page payload.
type ParseResult struct {
	Records []Record
	HasMore bool
	// EndCursor is kept for cursor-paginated sources; the page-indexed
	// client ignores it.
	EndCursor string
}

// Checkpoint is the durable progress state persisted between runs.
type Checkpoint struct {
	RunID             string    `json:"run_id"`
	RunStartedAt      time.Time `json:"run_started_at"`
	LastCommittedPage int       `json:"last_committed_page"`
	TotalPagesPlanned *int      `json:"total_pages_planned"`
	Cursor            string    `json:"cursor,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RunSummary reports the terminal state of a crawl run.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	PagesAttempted int       `json:"pages_attempted"`
	PagesCommitted int       `json:"pages_committed"`
	PagesFailed    int       `json:"pages_failed"`
	FailedPages    []int     `json:"failed_pages,omitempty"`
	RecordsWritten int64     `json:"records_written"`
	Fatal          bool      `json:"fatal"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
