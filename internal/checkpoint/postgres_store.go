package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock
// satisfies it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements the checkpoint contract on a shared Postgres
// table, for deployments where the crawl host is ephemeral.
type PostgresStore struct {
	pool  pgxPool
	name  string
	clock crawler.Clock
	ids   crawler.IDGenerator

	mu    sync.Mutex
	state crawler.Checkpoint
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS crawl_checkpoints (
		name                text PRIMARY KEY,
		run_id              text NOT NULL,
		run_started_at      timestamptz NOT NULL,
		last_committed_page int NOT NULL DEFAULT 0,
		total_pages_planned int,
		updated_at          timestamptz NOT NULL
	);`

// NewPostgresStore connects a pool and returns the store.
func NewPostgresStore(ctx context.Context, dsn, name string, clock crawler.Clock, ids crawler.IDGenerator) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return newPostgresStore(pool, name, clock, ids), nil
}

func newPostgresStore(pool pgxPool, name string, clock crawler.Clock, ids crawler.IDGenerator) *PostgresStore {
	if name == "" {
		name = "titles"
	}
	return &PostgresStore{
		pool:  pool,
		name:  name,
		clock: clock,
		ids:   ids,
	}
}

// InitSchema creates the checkpoint table when it does not exist yet.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init checkpoint schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Load reads the persisted checkpoint; no row means "start fresh".
func (s *PostgresStore) Load(ctx context.Context) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT run_id, run_started_at, last_committed_page, total_pages_planned, updated_at
		FROM crawl_checkpoints
		WHERE name = $1;`

	var state crawler.Checkpoint
	err := s.pool.QueryRow(ctx, query, s.name).Scan(
		&state.RunID,
		&state.RunStartedAt,
		&state.LastCommittedPage,
		&state.TotalPagesPlanned,
		&state.UpdatedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return s.freshLocked()
	case err != nil:
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	s.state = state
	return state, nil
}

// Commit upserts the committed page; GREATEST keeps it monotonic even
// under concurrent writers.
func (s *PostgresStore) Commit(ctx context.Context, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.RunID == "" {
		if _, err := s.freshLocked(); err != nil {
			return err
		}
	}
	if page <= s.state.LastCommittedPage {
		return nil
	}

	query := `
		INSERT INTO crawl_checkpoints (name, run_id, run_started_at, last_committed_page, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET last_committed_page = GREATEST(crawl_checkpoints.last_committed_page, EXCLUDED.last_committed_page),
		    updated_at = EXCLUDED.updated_at;`

	now := s.clock.Now()
	if _, err := s.pool.Exec(ctx, query, s.name, s.state.RunID, s.state.RunStartedAt, page, now); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	s.state.LastCommittedPage = page
	s.state.UpdatedAt = now
	return nil
}

// Reset deletes the checkpoint row so the next crawl starts at page 1.
func (s *PostgresStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_checkpoints WHERE name = $1;`, s.name); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	_, err := s.freshLocked()
	return err
}

func (s *PostgresStore) freshLocked() (crawler.Checkpoint, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("new run id: %w", err)
	}
	s.state = crawler.Checkpoint{
		RunID:        runID,
		RunStartedAt: s.clock.Now(),
	}
	return s.state, nil
}
