package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

type scriptedPage struct {
	// outcomes are consumed one per attempt; once exhausted the page
	// succeeds.
	outcomes []crawler.Outcome
	records  int
	hasMore  bool
	delay    time.Duration
}

// fakeSource plays both fetch client and parser, scripted per page.
type fakeSource struct {
	mu      sync.Mutex
	pages   map[int]*scriptedPage
	fetched []int
}

func newFakeSource(pages map[int]*scriptedPage) *fakeSource {
	return &fakeSource{pages: pages}
}

func pageFromURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	page, _ := strconv.Atoi(u.Query().Get("page"))
	return page
}

func (f *fakeSource) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	page := pageFromURL(rawURL)

	f.mu.Lock()
	f.fetched = append(f.fetched, page)
	script, ok := f.pages[page]
	var outcome crawler.Outcome = crawler.OutcomeSuccess
	var delay time.Duration
	if ok {
		delay = script.delay
		if len(script.outcomes) > 0 {
			outcome = script.outcomes[0]
			script.outcomes = script.outcomes[1:]
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return crawler.FetchResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return crawler.FetchResult{}, err
	}

	switch outcome {
	case crawler.OutcomeSuccess:
		return crawler.FetchResult{
			Body:       []byte(strconv.Itoa(page)),
			StatusCode: 200,
			Outcome:    crawler.OutcomeSuccess,
		}, nil
	case crawler.OutcomeRateLimited:
		return crawler.FetchResult{StatusCode: 429, Outcome: outcome}, nil
	case crawler.OutcomeFatal:
		return crawler.FetchResult{StatusCode: 403, Outcome: outcome}, nil
	default:
		return crawler.FetchResult{StatusCode: 500, Outcome: outcome}, nil
	}
}

func (f *fakeSource) Parse(payload []byte, page int, sourceURL string, scrapedAt time.Time) (crawler.ParseResult, error) {
	f.mu.Lock()
	script, ok := f.pages[page]
	f.mu.Unlock()
	if !ok {
		// Pages past the scripted end behave like an exhausted listing.
		return crawler.ParseResult{HasMore: false}, nil
	}

	result := crawler.ParseResult{HasMore: script.hasMore}
	for i := 0; i < script.records; i++ {
		result.Records = append(result.Records, crawler.Record{
			Title:        fmt.Sprintf("title-%d-%d", page, i),
			Page:         page,
			SourceURL:    sourceURL,
			ScrapedAtUTC: scrapedAt,
		})
	}
	return result, nil
}

func (f *fakeSource) fetchedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetched...)
}

type memSink struct {
	mu      sync.Mutex
	records []crawler.Record
	flushes int
}

func (s *memSink) Write(rec crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]int, len(s.records))
	for i, rec := range s.records {
		pages[i] = rec.Page
	}
	return pages
}

type memStore struct {
	mu     sync.Mutex
	cp     crawler.Checkpoint
	resets int
}

func newMemStore(lastCommitted int) *memStore {
	return &memStore{cp: crawler.Checkpoint{RunID: "run-test", LastCommittedPage: lastCommitted}}
}

func (s *memStore) Load(ctx context.Context) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp, nil
}

func (s *memStore) Commit(ctx context.Context, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page > s.cp.LastCommittedPage {
		s.cp.LastCommittedPage = page
	}
	return nil
}

func (s *memStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.cp = crawler.Checkpoint{RunID: "run-test"}
	return nil
}

func (s *memStore) lastCommitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.LastCommittedPage
}

type noopBackoff struct{}

func (noopBackoff) NextDelay() time.Duration              { return 0 }
func (noopBackoff) RecordOutcome(outcome crawler.Outcome) {}

type stubClock struct{}

func (stubClock) Now() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }

func newScheduler(cfg Config, src *fakeSource, sink *memSink, store *memStore) *Scheduler {
	cfg.BaseURL = "https://example.test/titles"
	if cfg.PerPage == 0 {
		cfg.PerPage = 1000
	}
	return New(cfg, src, src, sink, store, noopBackoff{}, stubClock{}, zap.NewNop())
}

func TestScheduler_CrawlsUntilSourceExhausted(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 3, hasMore: true},
		2: {records: 3, hasMore: true},
		3: {records: 2, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 4, Resume: true}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, summary.PagesCommitted)
	require.EqualValues(t, 8, summary.RecordsWritten)
	require.Zero(t, summary.PagesFailed)
	require.Equal(t, 3, store.lastCommitted())
	require.Equal(t, []int{1, 1, 1, 2, 2, 2, 3, 3}, sink.pages())
}

func TestScheduler_OutOfOrderCompletionsCommitInOrder(t *testing.T) {
	t.Parallel()

	// Page 1 finishes last; its records must still come first.
	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 1, hasMore: true, delay: 80 * time.Millisecond},
		2: {records: 1, hasMore: true},
		3: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 3, Resume: true}, src, sink, store)
	_, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, sink.pages())
	require.Equal(t, 3, store.lastCommitted())
}

func TestScheduler_TransientFailuresRetryWithoutDuplicates(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 2, hasMore: true},
		2: {
			outcomes: []crawler.Outcome{crawler.OutcomeTransient, crawler.OutcomeRateLimited},
			records:  2,
			hasMore:  true,
		},
		3: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 2, Resume: true, MaxAttempts: 4}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, summary.PagesCommitted)
	require.EqualValues(t, 5, summary.RecordsWritten)
	require.Equal(t, []int{1, 1, 2, 2, 3}, sink.pages())
	require.Equal(t, 3, store.lastCommitted())
}

func TestScheduler_FatalOutcomeHaltsGeneration(t *testing.T) {
	t.Parallel()

	pages := map[int]*scriptedPage{}
	for p := 1; p <= 10; p++ {
		pages[p] = &scriptedPage{records: 1, hasMore: true}
	}
	pages[5].outcomes = []crawler.Outcome{crawler.OutcomeFatal}

	src := newFakeSource(pages)
	sink := &memSink{}
	store := newMemStore(0)

	// A single worker keeps dispatch strictly sequential, so nothing
	// past the fatal page is ever fetched.
	sched := newScheduler(Config{WorkerCount: 1, Resume: true, MaxPages: 10}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)

	require.True(t, summary.Fatal)
	require.Equal(t, 4, summary.PagesCommitted)
	require.Equal(t, 4, store.lastCommitted())
	require.Equal(t, []int{1, 2, 3, 4}, sink.pages())
	for _, page := range src.fetchedPages() {
		require.LessOrEqual(t, page, 5)
	}
}

func TestScheduler_PermanentFailureBlocksLaterCommits(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 1, hasMore: true},
		2: {
			outcomes: []crawler.Outcome{crawler.OutcomeTransient, crawler.OutcomeTransient},
			records:  1,
			hasMore:  true,
		},
		3: {records: 1, hasMore: true},
		4: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 2, Resume: true, MaxAttempts: 2}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.ErrorIs(t, err, ErrPagesFailed)

	require.Equal(t, []int{2}, summary.FailedPages)
	require.Equal(t, 1, summary.PagesCommitted)
	require.Equal(t, 1, store.lastCommitted())
	require.Equal(t, []int{1}, sink.pages())
}

func TestScheduler_ConsecutiveFailuresEscalateToFatal(t *testing.T) {
	t.Parallel()

	pages := map[int]*scriptedPage{}
	for p := 1; p <= 8; p++ {
		pages[p] = &scriptedPage{records: 1, hasMore: true}
		if p >= 2 && p <= 4 {
			pages[p].outcomes = []crawler.Outcome{crawler.OutcomeTransient}
		}
	}
	src := newFakeSource(pages)
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{
		WorkerCount:            1,
		Resume:                 true,
		MaxPages:               8,
		MaxAttempts:            1,
		MaxConsecutiveFailures: 3,
	}, src, sink, store)

	summary, err := sched.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	require.True(t, summary.Fatal)
	require.Equal(t, []int{2, 3, 4}, summary.FailedPages)
	require.Equal(t, 1, store.lastCommitted())
}

func TestScheduler_EmptyPageStillCommits(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 2, hasMore: true},
		2: {records: 0, hasMore: true},
		3: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 2, Resume: true}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.PagesCommitted)
	require.Equal(t, 3, store.lastCommitted())
	require.EqualValues(t, 3, summary.RecordsWritten)
}

func TestScheduler_ResumeSkipsCommittedPages(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		3: {records: 1, hasMore: true},
		4: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(2)

	sched := newScheduler(Config{WorkerCount: 2, Resume: true}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, summary.PagesCommitted)
	require.Equal(t, 4, store.lastCommitted())
	for _, page := range src.fetchedPages() {
		require.GreaterOrEqual(t, page, 3)
	}
}

func TestScheduler_ResumeDisabledResetsCheckpoint(t *testing.T) {
	t.Parallel()

	src := newFakeSource(map[int]*scriptedPage{
		1: {records: 1, hasMore: false},
	})
	sink := &memSink{}
	store := newMemStore(7)

	sched := newScheduler(Config{WorkerCount: 1, Resume: false}, src, sink, store)
	_, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, store.resets)
	require.Equal(t, 1, store.lastCommitted())
	require.Equal(t, []int{1}, src.fetchedPages())
}

func TestScheduler_MaxPagesCapsTheRun(t *testing.T) {
	t.Parallel()

	pages := map[int]*scriptedPage{}
	for p := 1; p <= 10; p++ {
		pages[p] = &scriptedPage{records: 1, hasMore: true}
	}
	src := newFakeSource(pages)
	sink := &memSink{}
	store := newMemStore(0)

	sched := newScheduler(Config{WorkerCount: 2, Resume: true, MaxPages: 3}, src, sink, store)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, summary.PagesCommitted)
	require.Equal(t, 3, store.lastCommitted())
	for _, page := range src.fetchedPages() {
		require.LessOrEqual(t, page, 3)
	}
}

func TestScheduler_CancellationStopsCleanly(t *testing.T) {
	t.Parallel()

	pages := map[int]*scriptedPage{}
	for p := 1; p <= 100; p++ {
		pages[p] = &scriptedPage{records: 1, hasMore: true, delay: 20 * time.Millisecond}
	}
	src := newFakeSource(pages)
	sink := &memSink{}
	store := newMemStore(0)

	ctx, cancel := context.WithCancel(context.Background())
	sched := newScheduler(Config{
		WorkerCount: 4,
		Resume:      true,
		GracePeriod: time.Second,
	}, src, sink, store)

	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	summary, err := sched.Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	// Whatever was committed is a contiguous prefix matching the sink.
	committed := store.lastCommitted()
	require.Equal(t, summary.PagesCommitted, committed)
	pagesWritten := sink.pages()
	for i, page := range pagesWritten {
		require.Equal(t, i+1, page)
	}

	snap := sched.Snapshot()
	require.False(t, snap.Running)
	require.Equal(t, committed, snap.LastCommittedPage)
}
