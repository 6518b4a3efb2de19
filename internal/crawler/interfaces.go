package crawler

import (
	"context"
	"io"
	"time"
)

// FetchClient retrieves one page payload. The returned error is non-nil
// only for context cancellation; every remote failure mode is folded
// into FetchResult.Outcome.
type FetchClient interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Parser turns a raw payload into records. Implementations must be pure
// and safe for concurrent use by multiple workers.
type Parser interface {
	Parse(payload []byte, page int, sourceURL string, scrapedAt time.Time) (ParseResult, error)
}

// Sink streams records to durable output. Write order must follow
// ascending page commit order; implementations serialize access.
type Sink interface {
	Write(record Record) error
	Flush() error
	Close() error
}

// CheckpointStore persists crawl progress between runs. Commit is
// idempotent and monotonic: committing a page at or below the stored
// value is a no-op.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Commit(ctx context.Context, page int) error
	Reset(ctx context.Context) error
}

// BackoffController converts recent outcomes into the next permissible
// delay. Shared by all workers; implementations serialize updates.
type BackoffController interface {
	NextDelay() time.Duration
	RecordOutcome(outcome Outcome)
}

// BlobStore writes the finished artifact to remote storage and returns
// its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes run-completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
