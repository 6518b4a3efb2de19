// Package app assembles the crawler from configuration and runs one
// crawl end to end.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/api"
	"github.com/moviemeta/titlecrawler/internal/backoff"
	"github.com/moviemeta/titlecrawler/internal/checkpoint"
	"github.com/moviemeta/titlecrawler/internal/clock/system"
	"github.com/moviemeta/titlecrawler/internal/config"
	"github.com/moviemeta/titlecrawler/internal/crawler"
	"github.com/moviemeta/titlecrawler/internal/fetch"
	"github.com/moviemeta/titlecrawler/internal/id/uuid"
	"github.com/moviemeta/titlecrawler/internal/parser"
	"github.com/moviemeta/titlecrawler/internal/publisher/pubsub"
	"github.com/moviemeta/titlecrawler/internal/scheduler"
	"github.com/moviemeta/titlecrawler/internal/sink"
	"github.com/moviemeta/titlecrawler/internal/storage"
	"github.com/moviemeta/titlecrawler/internal/storage/gcs"
	"github.com/moviemeta/titlecrawler/internal/storage/local"
)

// App owns the wired crawl pipeline and its side services.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	scheduler *scheduler.Scheduler
	sink      *sink.GzipJSONL
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	status    *api.Server

	closers []func() error
}

// runEvent is the payload published when a run finishes.
type runEvent struct {
	Summary     crawler.RunSummary `json:"summary"`
	ArtifactURI string             `json:"artifact_uri,omitempty"`
}

// New wires every component from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.Clock{},
	}
	ids := uuid.Generator{}

	fetcher, err := a.buildFetcher()
	if err != nil {
		return nil, err
	}

	checkpoints, err := a.buildCheckpoints(ctx, ids)
	if err != nil {
		return nil, err
	}

	outputPath := cfg.Output.File
	if outputPath == "" {
		outputPath = fmt.Sprintf("titles_%s.jsonl.gz", a.clock.Now().UTC().Format("20060102T150405Z"))
	}
	out, err := sink.NewGzipJSONL(outputPath, logger)
	if err != nil {
		return nil, err
	}
	a.sink = out

	maxPages, err := cfg.PageLimit()
	if err != nil {
		return nil, err
	}

	controller := backoff.New(backoff.Config{
		BaseDelay:        time.Duration(cfg.Backoff.PageDelayMs) * time.Millisecond,
		Step:             time.Duration(cfg.Backoff.StepMs) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Backoff.MaxMs) * time.Millisecond,
		RateLimitFloor:   time.Duration(cfg.Backoff.RateLimitFloorMs) * time.Millisecond,
		LatencyThreshold: time.Duration(cfg.Backoff.LatencyThresholdMs) * time.Millisecond,
	})

	a.scheduler = scheduler.New(scheduler.Config{
		BaseURL:                cfg.Crawl.BaseURL,
		PerPage:                cfg.Crawl.PerPage,
		MaxPages:               maxPages,
		WorkerCount:            cfg.Crawl.WorkerCount,
		Resume:                 cfg.Crawl.Resume,
		MaxAttempts:            cfg.Crawl.MaxAttempts,
		MaxConsecutiveFailures: cfg.Crawl.MaxConsecutiveFailures,
		GracePeriod:            cfg.GracePeriod(),
	}, fetcher, parser.New(), out, checkpoints, controller, a.clock, logger)

	if err := a.buildSideServices(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildFetcher() (crawler.FetchClient, error) {
	fetchCfg := fetch.Config{
		PoolConnections: a.cfg.HTTP.PoolConnections,
		PoolMaxSize:     a.cfg.HTTP.PoolMaxSize,
		MaxInFlight:     a.cfg.Crawl.WorkerCount,
		Timeout:         a.cfg.HTTPTimeout(),
		UserAgent:       a.cfg.HTTP.UserAgent,
		QPS:             a.cfg.HTTP.QPS,
		Burst:           a.cfg.HTTP.Burst,
	}

	switch a.cfg.HTTP.Strategy {
	case "colly":
		return fetch.NewCollyClient(fetchCfg, a.logger)
	default:
		builder := &fetch.GraphQLBuilder{
			Endpoint:  a.cfg.Crawl.BaseURL,
			UserAgent: a.cfg.HTTP.UserAgent,
			Query: fetch.GraphQLQuery{
				Locale:     a.cfg.Query.Locale,
				SortBy:     a.cfg.Query.SortBy,
				SortOrder:  a.cfg.Query.SortOrder,
				TitleTypes: a.cfg.Query.TitleTypes,
				SHA:        a.cfg.Query.SHA,
			},
		}
		return fetch.NewClient(fetchCfg, builder, a.logger), nil
	}
}

func (a *App) buildCheckpoints(ctx context.Context, ids crawler.IDGenerator) (crawler.CheckpointStore, error) {
	switch a.cfg.Checkpoint.Provider {
	case "postgres":
		store, err := checkpoint.NewPostgresStore(ctx, a.cfg.Checkpoint.DSN, a.cfg.Checkpoint.Name, a.clock, ids)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return checkpoint.NewFileStore(a.cfg.Checkpoint.StateFile, a.clock, ids, a.logger)
	}
}

func (a *App) buildSideServices(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		blobs, err := gcs.New(ctx, a.cfg.Storage.Bucket, a.logger)
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.closers = append(a.closers, blobs.Close)
	case "local":
		blobs, err := local.New(a.cfg.Storage.LocalDir, a.logger)
		if err != nil {
			return err
		}
		a.blobs = blobs
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.Topic != "" {
		pub, err := pubsub.New(ctx, a.cfg.PubSub.ProjectID, a.logger)
		if err != nil {
			return err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}

	if a.cfg.Status.Addr != "" {
		a.status = api.New(a.cfg.Status.Addr, a.scheduler, a.logger)
	}
	return nil
}

// Run executes the crawl, finalizes the artifact, and fires the
// completion side effects. The returned summary is valid even when err
// is non-nil.
func (a *App) Run(ctx context.Context) (crawler.RunSummary, error) {
	if a.status != nil {
		a.status.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.status.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	summary, runErr := a.scheduler.Run(ctx)

	if err := a.sink.Close(); err != nil {
		a.logger.Error("finalize output artifact", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	// Side effects run on a fresh context so a canceled run still
	// reports what it managed to commit.
	sideCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	artifactURI := a.uploadArtifact(sideCtx, summary)
	a.publishEvent(sideCtx, runEvent{Summary: summary, ArtifactURI: artifactURI})

	return summary, runErr
}

func (a *App) uploadArtifact(ctx context.Context, summary crawler.RunSummary) string {
	if a.blobs == nil {
		return ""
	}
	f, err := os.Open(a.sink.Path())
	if err != nil {
		a.logger.Error("open artifact for upload", zap.Error(err))
		return ""
	}
	defer f.Close()

	key := storage.RunKey(a.cfg.Storage.Prefix, summary.StartedAt, "titles.jsonl.gz")
	uri, err := a.blobs.PutObject(ctx, key, a.cfg.Storage.ContentType, f)
	if err != nil {
		a.logger.Error("upload artifact", zap.Error(err))
		return ""
	}
	return uri
}

func (a *App) publishEvent(ctx context.Context, event runEvent) {
	if a.publisher == nil {
		return
	}
	if _, err := a.publisher.Publish(ctx, a.cfg.PubSub.Topic, event); err != nil {
		a.logger.Error("publish run event", zap.Error(err))
	}
}

// Close releases clients acquired during wiring.
func (a *App) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close component", zap.Error(err))
		}
	}
}
