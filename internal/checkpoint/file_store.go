// Package checkpoint persists crawl progress between runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// FileStore keeps the checkpoint in a single JSON file. Commits go
// through a temp-file write followed by an atomic rename so a crash
// can never leave a partially written state observable.
type FileStore struct {
	path   string
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu     sync.Mutex
	state  crawler.Checkpoint
	loaded bool
}

// NewFileStore returns a store rooted at path.
func NewFileStore(path string, clock crawler.Clock, ids crawler.IDGenerator, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:   path,
		clock:  clock,
		ids:    ids,
		logger: logger,
	}, nil
}

// Load reads the persisted checkpoint. A missing or unreadable state
// file is equivalent to "start fresh".
func (s *FileStore) Load(_ context.Context) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return s.freshLocked()
	case err != nil:
		return crawler.Checkpoint{}, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var state crawler.Checkpoint
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("state file corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return s.freshLocked()
	}

	s.state = state
	s.loaded = true
	s.logger.Info("checkpoint loaded",
		zap.String("run_id", state.RunID),
		zap.Int("last_committed_page", state.LastCommittedPage))
	return state, nil
}

// Commit durably records that all pages <= page are complete. Calls
// with the same or a lower page index are no-ops.
func (s *FileStore) Commit(ctx context.Context, page int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, err := s.freshLocked(); err != nil {
			return err
		}
	}
	if page <= s.state.LastCommittedPage {
		return nil
	}
	s.state.LastCommittedPage = page
	s.state.UpdatedAt = s.clock.Now()
	return s.persistLocked()
}

// Reset discards any prior checkpoint so the next crawl starts at page 1.
func (s *FileStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file %s: %w", s.path, err)
	}
	_, err := s.freshLocked()
	return err
}

func (s *FileStore) freshLocked() (crawler.Checkpoint, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("new run id: %w", err)
	}
	s.state = crawler.Checkpoint{
		RunID:        runID,
		RunStartedAt: s.clock.Now(),
	}
	s.loaded = true
	return s.state, nil
}

func (s *FileStore) persistLocked() error {
	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".crawl_state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best-effort cleanup on the error paths below.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
