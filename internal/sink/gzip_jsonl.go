// Package sink writes extracted records to compressed line-delimited
// JSON artifacts.
package sink

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// GzipJSONL streams records into a gzip-compressed JSONL file. All
// writes are serialized internally; any goroutine may call Write.
type GzipJSONL struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	gz      *gzip.Writer
	encoder *json.Encoder
	logger  *zap.Logger
	path    string
	count   int64
	closed  bool
}

// NewGzipJSONL creates (or truncates) the artifact at path.
func NewGzipJSONL(path string, logger *zap.Logger) (*GzipJSONL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	buf := bufio.NewWriter(file)
	gz := gzip.NewWriter(buf)
	encoder := json.NewEncoder(gz)
	encoder.SetEscapeHTML(false)

	return &GzipJSONL{
		file:    file,
		buf:     buf,
		gz:      gz,
		encoder: encoder,
		logger:  logger,
		path:    path,
	}, nil
}

// Write appends one record as a JSON line.
func (s *GzipJSONL) Write(rec crawler.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write record: sink %s is closed", s.path)
	}
	if err := s.encoder.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.count++
	crawler.TotalRecordsWritten.Inc()
	return nil
}

// Flush pushes buffered data down to the OS so the prefix written so
// far survives a crash as a decodable gzip stream.
func (s *GzipJSONL) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("flush: sink %s is closed", s.path)
	}
	if err := s.gz.Flush(); err != nil {
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// Close finalizes the gzip stream and closes the file. A second Close
// is an error.
func (s *GzipJSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("close: sink %s already closed", s.path)
	}
	s.closed = true

	if err := s.gz.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("close gzip stream: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("flush buffer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	s.logger.Info("output artifact finalized",
		zap.String("path", s.path),
		zap.Int64("records", s.count),
	)
	return nil
}

// Count returns the number of records written so far.
func (s *GzipJSONL) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Path returns the artifact location.
func (s *GzipJSONL) Path() string {
	return s.path
}
