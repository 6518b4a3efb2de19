// Package scheduler coordinates the page-fetching worker pool, ordering
// out-of-order completions into in-order commits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// ErrPagesFailed reports a run that finished but left pages permanently
// failed; output beyond the first failed page was withheld.
var ErrPagesFailed = errors.New("crawl finished with failed pages")

// ErrFatal reports a run halted by a non-recoverable page outcome.
var ErrFatal = errors.New("crawl halted on fatal outcome")

// Config sizes and bounds a crawl run.
type Config struct {
	BaseURL string
	PerPage int
	// MaxPages caps pages attempted this run; zero means crawl until the
	// source reports no more pages.
	MaxPages    int
	WorkerCount int
	Resume      bool
	// MaxAttempts bounds fetch+parse attempts per page.
	MaxAttempts int
	// MaxConsecutiveFailures escalates to a fatal halt when that many
	// pages in a row fail permanently.
	MaxConsecutiveFailures int
	// GracePeriod bounds the in-flight drain after cancellation.
	GracePeriod time.Duration
}

// Snapshot is a point-in-time view of run progress for the status API.
type Snapshot struct {
	RunID             string `json:"run_id"`
	Running           bool   `json:"running"`
	LastCommittedPage int    `json:"last_committed_page"`
	PagesInFlight     int    `json:"pages_in_flight"`
	PagesAttempted    int    `json:"pages_attempted"`
	PagesFailed       int    `json:"pages_failed"`
	RecordsWritten    int64  `json:"records_written"`
}

// latencyReporter is implemented by backoff controllers that also adapt
// to observed request latency.
type latencyReporter interface {
	RecordLatency(observed time.Duration)
}

// Scheduler owns one crawl run end to end.
type Scheduler struct {
	cfg         Config
	fetcher     crawler.FetchClient
	parser      crawler.Parser
	sink        crawler.Sink
	checkpoints crawler.CheckpointStore
	backoff     crawler.BackoffController
	clock       crawler.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	snapshot Snapshot
}

// New wires a Scheduler. All collaborators are required except logger.
func New(cfg Config, fetcher crawler.FetchClient, parser crawler.Parser, sink crawler.Sink,
	checkpoints crawler.CheckpointStore, backoff crawler.BackoffController,
	clock crawler.Clock, logger *zap.Logger) *Scheduler {

	if cfg.PerPage < 1 {
		cfg.PerPage = 1000
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 24
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		fetcher:     fetcher,
		parser:      parser,
		sink:        sink,
		checkpoints: checkpoints,
		backoff:     backoff,
		clock:       clock,
		logger:      logger,
	}
}

// pageResult is one worker's report for a single page.
type pageResult struct {
	page     int
	records  []crawler.Record
	hasMore  bool
	attempts int
	failed   bool
	fatal    bool
	canceled bool
	err      error
}

// Run executes the crawl until the source is exhausted, the page cap is
// reached, a fatal condition halts it, or the context ends.
func (s *Scheduler) Run(ctx context.Context) (crawler.RunSummary, error) {
	startedAt := s.clock.Now()

	if !s.cfg.Resume {
		if err := s.checkpoints.Reset(ctx); err != nil {
			return crawler.RunSummary{}, fmt.Errorf("reset checkpoint: %w", err)
		}
	}
	cp, err := s.checkpoints.Load(ctx)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("load checkpoint: %w", err)
	}

	startPage := cp.LastCommittedPage + 1
	s.logger.Info("starting crawl",
		zap.String("run_id", cp.RunID),
		zap.Int("start_page", startPage),
		zap.Int("workers", s.cfg.WorkerCount),
		zap.Int("per_page", s.cfg.PerPage),
	)

	s.setSnapshot(func(snap *Snapshot) {
		*snap = Snapshot{
			RunID:             cp.RunID,
			Running:           true,
			LastCommittedPage: cp.LastCommittedPage,
		}
	})
	defer s.setSnapshot(func(snap *Snapshot) { snap.Running = false })

	summary, runErr := s.dispatch(ctx, cp, startPage)
	summary.RunID = cp.RunID
	summary.StartedAt = startedAt
	summary.FinishedAt = s.clock.Now()

	s.logger.Info("crawl finished",
		zap.Int("pages_attempted", summary.PagesAttempted),
		zap.Int("pages_committed", summary.PagesCommitted),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int64("records_written", summary.RecordsWritten),
		zap.Bool("fatal", summary.Fatal),
	)
	return summary, runErr
}

// dispatch runs the worker pool and the single-owner commit loop.
func (s *Scheduler) dispatch(ctx context.Context, cp crawler.Checkpoint, startPage int) (crawler.RunSummary, error) {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	tasks := make(chan crawler.PageTask)
	results := make(chan pageResult)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(workerCtx, tasks, results)
		}()
	}
	defer wg.Wait()
	defer close(tasks)

	var (
		summary       crawler.RunSummary
		lastCommitted = cp.LastCommittedPage
		nextPage      = startPage
		endPage       = 0 // highest real page, 0 while unknown
		lastAllowed   = 0 // page cap for this run, 0 means none
		inFlight      = 0
		buffer        = map[int]pageResult{}
		failedPages   = map[int]bool{}
		barrier       = false // first permanently failed page blocks commits
		consecFailed  = 0
		fatal         = false
		canceled      = false
		commitErr     error
	)
	if s.cfg.MaxPages > 0 {
		lastAllowed = startPage + s.cfg.MaxPages - 1
	}

	dispatchable := func() bool {
		if fatal || canceled || commitErr != nil {
			return false
		}
		if endPage > 0 && nextPage > endPage {
			return false
		}
		if lastAllowed > 0 && nextPage > lastAllowed {
			return false
		}
		return true
	}

	handle := func(res pageResult) {
		inFlight--
		if res.canceled {
			return
		}
		summary.PagesAttempted++

		if endPage > 0 && res.page > endPage {
			// The source reported exhaustion below this page; the
			// speculative result is void.
			return
		}

		switch {
		case res.fatal:
			fatal = true
			failedPages[res.page] = true
			s.logger.Error("fatal page outcome, halting run",
				zap.Int("page", res.page),
				zap.Error(res.err),
			)
		case res.failed:
			failedPages[res.page] = true
			consecFailed++
			buffer[res.page] = res
			s.logger.Warn("page permanently failed",
				zap.Int("page", res.page),
				zap.Int("attempts", res.attempts),
				zap.Error(res.err),
			)
			if consecFailed >= s.cfg.MaxConsecutiveFailures {
				fatal = true
				s.logger.Error("consecutive page failures exceeded limit, halting run",
					zap.Int("limit", s.cfg.MaxConsecutiveFailures),
				)
			}
		default:
			consecFailed = 0
			buffer[res.page] = res
			if !res.hasMore && (endPage == 0 || res.page < endPage) {
				endPage = res.page
				for p := range buffer {
					if p > endPage {
						delete(buffer, p)
						delete(failedPages, p)
					}
				}
			}
		}

		if commitErr == nil && !barrier {
			// Commits must land even while the run context is draining
			// after cancellation.
			commitCtx := context.WithoutCancel(ctx)
			lastCommitted, barrier, commitErr = s.drainCommits(commitCtx, buffer, lastCommitted, &summary)
		}
		s.setSnapshot(func(snap *Snapshot) {
			snap.LastCommittedPage = lastCommitted
			snap.PagesInFlight = inFlight
			snap.PagesAttempted = summary.PagesAttempted
			snap.PagesFailed = len(failedPages)
			snap.RecordsWritten = summary.RecordsWritten
		})
	}

	for {
		var taskCh chan crawler.PageTask
		var task crawler.PageTask
		if dispatchable() && inFlight < s.cfg.WorkerCount {
			url, err := crawler.PageURL(s.cfg.BaseURL, nextPage, s.cfg.PerPage)
			if err != nil {
				cancelWorkers()
				return summary, fmt.Errorf("derive page url: %w", err)
			}
			task = crawler.PageTask{PageIndex: nextPage, URL: url, Status: crawler.TaskPending}
			taskCh = tasks
		}
		if taskCh == nil && inFlight == 0 {
			break
		}

		select {
		case taskCh <- task:
			nextPage++
			inFlight++
		case res := <-results:
			handle(res)
		case <-ctx.Done():
			canceled = true
			cancelWorkers()
			s.drainInFlight(results, &inFlight, handle)
		}
	}

	summary.PagesFailed = len(failedPages)
	summary.FailedPages = sortedPages(failedPages)
	summary.Fatal = fatal

	switch {
	case commitErr != nil:
		return summary, commitErr
	case canceled:
		return summary, fmt.Errorf("crawl interrupted: %w", ctx.Err())
	case fatal:
		return summary, fmt.Errorf("%w after page %d", ErrFatal, lastCommitted)
	case summary.PagesFailed > 0:
		return summary, fmt.Errorf("%w: %v", ErrPagesFailed, summary.FailedPages)
	}
	return summary, nil
}

// drainCommits commits buffered pages contiguously from lastCommitted+1.
// Records reach the sink only here, so output order always matches
// commit order and no page is written without being committed.
func (s *Scheduler) drainCommits(ctx context.Context, buffer map[int]pageResult, lastCommitted int, summary *crawler.RunSummary) (int, bool, error) {
	for {
		res, ok := buffer[lastCommitted+1]
		if !ok {
			return lastCommitted, false, nil
		}
		if res.failed {
			// The gap stays open: everything beyond this page is
			// withheld from both sink and checkpoint.
			return lastCommitted, true, nil
		}
		for _, rec := range res.records {
			if err := s.sink.Write(rec); err != nil {
				return lastCommitted, false, fmt.Errorf("write page %d: %w", res.page, err)
			}
		}
		if err := s.sink.Flush(); err != nil {
			return lastCommitted, false, fmt.Errorf("flush page %d: %w", res.page, err)
		}
		if err := s.checkpoints.Commit(ctx, res.page); err != nil {
			return lastCommitted, false, fmt.Errorf("commit page %d: %w", res.page, err)
		}
		delete(buffer, res.page)
		lastCommitted = res.page
		summary.PagesCommitted++
		summary.RecordsWritten += int64(len(res.records))
		crawler.TotalPagesCommitted.Inc()
		s.logger.Debug("page committed",
			zap.Int("page", res.page),
			zap.Int("records", len(res.records)),
		)
	}
}

// drainInFlight waits out in-flight workers after cancellation, bounded
// by the grace period.
func (s *Scheduler) drainInFlight(results chan pageResult, inFlight *int, handle func(pageResult)) {
	if *inFlight == 0 {
		return
	}
	deadline := time.NewTimer(s.cfg.GracePeriod)
	defer deadline.Stop()
	for *inFlight > 0 {
		select {
		case res := <-results:
			handle(res)
		case <-deadline.C:
			s.logger.Warn("grace period expired with fetches in flight",
				zap.Int("in_flight", *inFlight),
			)
			*inFlight = 0
			return
		}
	}
}

// worker processes page tasks until the task channel closes.
func (s *Scheduler) worker(ctx context.Context, tasks <-chan crawler.PageTask, results chan<- pageResult) {
	for task := range tasks {
		res := s.processPage(ctx, task)
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

// processPage runs the fetch+parse attempt loop for one page.
func (s *Scheduler) processPage(ctx context.Context, task crawler.PageTask) pageResult {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.pause(ctx, s.backoff.NextDelay()); err != nil {
			return pageResult{page: task.PageIndex, canceled: true}
		}

		fr, err := s.fetcher.Fetch(ctx, task.URL)
		if err != nil {
			return pageResult{page: task.PageIndex, canceled: true}
		}
		s.backoff.RecordOutcome(fr.Outcome)
		if lr, ok := s.backoff.(latencyReporter); ok && fr.Outcome == crawler.OutcomeSuccess {
			lr.RecordLatency(fr.Duration)
		}

		switch fr.Outcome {
		case crawler.OutcomeSuccess:
			scrapedAt := s.clock.Now().UTC()
			parsed, perr := s.parser.Parse(fr.Body, task.PageIndex, task.URL, scrapedAt)
			if perr != nil {
				s.backoff.RecordOutcome(crawler.OutcomeParseError)
				lastErr = perr
				s.logger.Warn("page parse failed",
					zap.Int("page", task.PageIndex),
					zap.Int("attempt", attempt),
					zap.Error(perr),
				)
				crawler.TotalRetries.Inc()
				continue
			}
			return pageResult{
				page:     task.PageIndex,
				records:  parsed.Records,
				hasMore:  parsed.HasMore,
				attempts: attempt,
			}
		case crawler.OutcomeFatal:
			return pageResult{
				page:     task.PageIndex,
				attempts: attempt,
				fatal:    true,
				err:      fmt.Errorf("status %d on %s", fr.StatusCode, task.URL),
			}
		default:
			lastErr = fmt.Errorf("outcome %s (status %d) on %s", fr.Outcome, fr.StatusCode, task.URL)
			crawler.TotalRetries.Inc()
			if fr.RetryAfter > 0 {
				if err := s.pause(ctx, fr.RetryAfter); err != nil {
					return pageResult{page: task.PageIndex, canceled: true}
				}
			}
		}
	}
	return pageResult{
		page:     task.PageIndex,
		attempts: s.cfg.MaxAttempts,
		failed:   true,
		err:      lastErr,
	}
}

// pause sleeps for d or until the context ends.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current progress view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Scheduler) setSnapshot(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snapshot)
}

func sortedPages(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}
