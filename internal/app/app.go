// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/analyze"
	"github.com/ecotrace/ecotrace/internal/api"
	"github.com/ecotrace/ecotrace/internal/assets"
	blobgcs "github.com/ecotrace/ecotrace/internal/blob/gcs"
	bloblocal "github.com/ecotrace/ecotrace/internal/blob/local"
	blobmem "github.com/ecotrace/ecotrace/internal/blob/memory"
	"github.com/ecotrace/ecotrace/internal/cache"
	"github.com/ecotrace/ecotrace/internal/capture"
	"github.com/ecotrace/ecotrace/internal/carbon"
	systemclock "github.com/ecotrace/ecotrace/internal/clock/system"
	"github.com/ecotrace/ecotrace/internal/config"
	uuidgen "github.com/ecotrace/ecotrace/internal/id/uuid"
	"github.com/ecotrace/ecotrace/internal/optimize"
	"github.com/ecotrace/ecotrace/internal/orchestrator"
	queuemem "github.com/ecotrace/ecotrace/internal/queue/memory"
	queuepubsub "github.com/ecotrace/ecotrace/internal/queue/pubsub"
	"github.com/ecotrace/ecotrace/internal/report"
	storemem "github.com/ecotrace/ecotrace/internal/store/memory"
	storepg "github.com/ecotrace/ecotrace/internal/store/postgres"
	"github.com/ecotrace/ecotrace/internal/worker"
)

// App holds the shared, long-lived services for the analysis service.
// It is initialized once at startup and owns provider lifecycles.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    carbon.JobStore
	blob     carbon.BlobStore
	analyzeQ carbon.Queue
	reportQ  carbon.Queue
	cache    *cache.Cache

	capturer *capture.Capturer
	renderer *report.Renderer

	orch      *orchestrator.Orchestrator
	processor *worker.Processor
	server    *api.Server

	closers []func()
}

// New builds every service from configuration. It fails fast when a
// provider cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	clock := systemclock.New()

	a := &App{cfg: cfg, logger: logger}

	if err := a.initStore(ctx, cfg, clock); err != nil {
		return nil, err
	}
	if err := a.initBlob(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueues(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.cache = cache.New(a.blob, clock, cache.Config{
		TTL:           cfg.CacheTTL(),
		SweepInterval: time.Duration(cfg.Cache.SweepMinutes) * time.Minute,
		MaxEntryBytes: int64(cfg.Cache.MaxEntryBytes),
	}, logger.Named("cache"))

	capturer, err := capture.New(capture.Config{
		MaxParallel:       cfg.Capture.MaxParallel,
		UserAgent:         cfg.Capture.UserAgent,
		NavigationTimeout: cfg.CaptureTimeout(),
		SettleDelay:       time.Duration(cfg.Capture.SettleMillis) * time.Millisecond,
		ViewportWidth:     int64(cfg.Capture.ViewportWidth),
		ViewportHeight:    int64(cfg.Capture.ViewportHeight),
	}, a.cache, clock)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init capturer: %w", err)
	}
	a.capturer = capturer
	a.closers = append(a.closers, capturer.Close)

	prober := assets.New(assets.Config{
		UserAgent: cfg.Capture.UserAgent,
		Timeout:   time.Duration(cfg.Analysis.ProbeTimeoutSec) * time.Second,
	}, logger.Named("prober"))

	analyzer := analyze.New(clock)

	optimizer := optimize.New(optimize.Config{
		MaxImages:    cfg.Optimize.MaxImagesDefault,
		Quality:      cfg.Optimize.Quality,
		MaxWidth:     cfg.Optimize.MaxWidth,
		FetchTimeout: time.Duration(cfg.Optimize.FetchTimeoutSec) * time.Second,
		Parallelism:  cfg.Optimize.Parallelism,
		PerHostRPS:   cfg.Optimize.PerHostRPS,
		PerHostBurst: cfg.Optimize.PerHostBurst,
		UserAgent:    cfg.Capture.UserAgent,
	}, a.cache, logger.Named("optimize"))

	renderer := report.New(report.Config{
		PageTimeout: time.Duration(cfg.Report.PageTimeoutSec) * time.Second,
	}, a.blob, clock, logger.Named("report"))
	a.renderer = renderer
	a.closers = append(a.closers, renderer.Close)

	a.orch = orchestrator.New(a.store, a.analyzeQ, a.reportQ, uuidgen.New(), clock, logger.Named("orchestrator"))
	a.processor = worker.NewProcessor(
		worker.Config{MaxSubpages: cfg.Analysis.MaxSubpagesDefault},
		a.store,
		a.blob,
		capturer,
		prober,
		analyzer,
		optimizer,
		renderer,
		clock,
		logger.Named("worker"),
	)
	a.server = api.NewServer(a.orch, a.blob,
		time.Duration(cfg.Server.TimeoutSeconds)*time.Second, logger.Named("api"))

	return a, nil
}

func (a *App) initStore(ctx context.Context, cfg config.Config, clock carbon.Clock) error {
	switch cfg.Store.Provider {
	case "postgres":
		a.logger.Info("using postgres job store")
		store, err := storepg.NewJobStore(ctx, storepg.JobStoreConfig{DSN: cfg.Store.DSN}, clock)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	case "memory":
		a.logger.Info("using in-memory job store")
		a.store = storemem.NewJobStore(clock)
	default:
		return fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
	return nil
}

func (a *App) initBlob(ctx context.Context, cfg config.Config) error {
	switch cfg.Blob.Provider {
	case "gcs":
		a.logger.Info("using GCS blob store", zap.String("bucket", cfg.Blob.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		blob, err := blobgcs.New(client, blobgcs.Config{
			Bucket: cfg.Blob.GCSBucket,
			Prefix: cfg.Blob.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.blob = blob
		a.closers = append(a.closers, func() { _ = client.Close() })
	case "local":
		a.logger.Info("using local blob store", zap.String("base_dir", cfg.Blob.BaseDir))
		blob, err := bloblocal.New(bloblocal.Config{BaseDir: cfg.Blob.BaseDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.blob = blob
	case "memory":
		a.logger.Info("using in-memory blob store")
		a.blob = blobmem.NewBlobStore()
	default:
		return fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
	}
	return nil
}

func (a *App) initQueues(ctx context.Context, cfg config.Config) error {
	switch cfg.Queue.Provider {
	case "pubsub":
		a.logger.Info("using Pub/Sub task queues",
			zap.String("project", cfg.Queue.PubSub.ProjectID))
		analyzeQ, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:    cfg.Queue.PubSub.ProjectID,
			Topic:        cfg.Queue.PubSub.AnalyzeTopic,
			Subscription: cfg.Queue.PubSub.AnalyzeSubscription,
		}, a.logger.Named("queue.analyze"))
		if err != nil {
			return fmt.Errorf("init analyze queue: %w", err)
		}
		a.analyzeQ = analyzeQ
		a.closers = append(a.closers, func() { _ = analyzeQ.Close() })

		reportQ, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:    cfg.Queue.PubSub.ProjectID,
			Topic:        cfg.Queue.PubSub.ReportTopic,
			Subscription: cfg.Queue.PubSub.ReportSubscription,
		}, a.logger.Named("queue.report"))
		if err != nil {
			return fmt.Errorf("init report queue: %w", err)
		}
		a.reportQ = reportQ
		a.closers = append(a.closers, func() { _ = reportQ.Close() })
	case "memory":
		a.logger.Info("using in-memory task queues",
			zap.Int("depth", cfg.Workers.QueueDepth))
		a.analyzeQ = queuemem.NewQueue(cfg.Workers.QueueDepth)
		a.reportQ = queuemem.NewQueue(cfg.Workers.QueueDepth)
	default:
		return fmt.Errorf("unknown queue provider %q", cfg.Queue.Provider)
	}
	return nil
}

// Run starts the worker pools, the cache sweep, and the HTTP server,
// then blocks until ctx is cancelled and the server has drained.
func (a *App) Run(ctx context.Context) error {
	a.cache.Start(ctx)

	analyzePool := worker.NewPool("analyze", a.cfg.Workers.Analyze, a.analyzeQ,
		a.processor.HandleAnalyze, a.logger.Named("pool.analyze"))
	reportPool := worker.NewPool("report", a.cfg.Workers.Report, a.reportQ,
		a.processor.HandleReport, a.logger.Named("pool.report"))
	go analyzePool.Run(ctx)
	go reportPool.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info("http server stopped")
	return nil
}

// Close releases every provider in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// stderr sync failures on shutdown are expected on some platforms
	_ = a.logger.Sync()
}
