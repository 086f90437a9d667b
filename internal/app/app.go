// Package app initializes and holds long-lived pipeline services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/api"
	"github.com/JakeFAU/decisions-pipeline/internal/config"
	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/downloader"
	collyfetcher "github.com/JakeFAU/decisions-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/orchestrator"
	"github.com/JakeFAU/decisions-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/decisions-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/decisions-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/decisions-pipeline/internal/retry"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/local"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/memory"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/minio"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/decisions-pipeline/internal/transformer"
)

// App holds the shared services one CLI invocation needs. It is built once in the
// root command and closed after the subcommand returns.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	metadata  decision.MetadataStore
	landing   decision.ObjectStore
	curated   decision.ObjectStore
	publisher decision.Publisher
	fetcher   decision.Fetcher
	retry     *retry.ExponentialPolicy
	checks    map[string]api.Pinger
	closers   []func() error
}

// New connects every backing service named by cfg. Dry runs use in-memory stores
// and never touch the network except for the source site.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		checks: make(map[string]api.Pinger),
	}
	a.logger.Info("initializing pipeline services",
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("storage_backend", cfg.Storage.Backend))

	if err := a.openMetadata(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openObjectStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
		Headers:   http.Header{"Accept-Language": []string{"en-IE,en;q=0.9"}},
	})
	base, maxDelay := cfg.BackoffBounds()
	a.retry = retry.NewExponentialPolicy(cfg.HTTP.MaxRetries+1, base, maxDelay)

	a.logger.Info("pipeline services initialized")
	return a, nil
}

func (a *App) openMetadata(ctx context.Context) error {
	if a.cfg.DryRun {
		a.logger.Info("using in-memory metadata store")
		a.metadata = memory.NewMetadataStore()
		return nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:          a.cfg.Metadata.DSN,
		RawTable:     a.cfg.Metadata.RawCollection,
		CuratedTable: a.cfg.Metadata.CuratedCollection,
		MaxConns:     a.cfg.Metadata.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	if a.cfg.Metadata.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure metadata schema: %w", err)
		}
	}
	a.metadata = store
	a.checks["metadata"] = store
	a.logger.Info("connected to postgres",
		zap.String("raw_collection", a.cfg.Metadata.RawCollection),
		zap.String("curated_collection", a.cfg.Metadata.CuratedCollection))
	return nil
}

func (a *App) openObjectStores(ctx context.Context) error {
	backend := a.cfg.Storage.Backend
	if a.cfg.DryRun {
		backend = "memory"
	}
	landing, curated := a.cfg.Storage.Landing, a.cfg.Storage.Curated

	switch backend {
	case "memory":
		a.landing = memory.NewBlobStore(landing.Bucket)
		a.curated = memory.NewBlobStore(curated.Bucket)
	case "minio":
		var err error
		if a.landing, err = a.openMinio(ctx, "landing", landing); err != nil {
			return err
		}
		if a.curated, err = a.openMinio(ctx, "curated", curated); err != nil {
			return err
		}
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		if a.landing, err = gcs.New(client, gcs.Config{Bucket: landing.Bucket}); err != nil {
			return fmt.Errorf("init landing zone: %w", err)
		}
		if a.curated, err = gcs.New(client, gcs.Config{Bucket: curated.Bucket}); err != nil {
			return fmt.Errorf("init curated zone: %w", err)
		}
	case "local":
		var err error
		if a.landing, err = local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir, Bucket: landing.Bucket}); err != nil {
			return fmt.Errorf("init landing zone: %w", err)
		}
		if a.curated, err = local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir, Bucket: curated.Bucket}); err != nil {
			return fmt.Errorf("init curated zone: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", backend)
	}
	a.logger.Info("object stores ready",
		zap.String("backend", backend),
		zap.String("landing_bucket", landing.Bucket),
		zap.String("curated_bucket", curated.Bucket))
	return nil
}

func (a *App) openMinio(ctx context.Context, zone string, zc config.ZoneConfig) (*minio.BlobStore, error) {
	store, err := minio.New(minio.Config{
		Endpoint:        zc.Endpoint,
		Bucket:          zc.Bucket,
		AccessKeyID:     a.cfg.Storage.AccessKeyID,
		SecretAccessKey: a.cfg.Storage.SecretAccessKey,
		UseSSL:          a.cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s zone: %w", zone, err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure %s bucket: %w", zone, err)
	}
	return store, nil
}

func (a *App) openPublisher(ctx context.Context) error {
	topic := a.cfg.PubSub.TopicName
	switch {
	case topic == "":
		a.logger.Info("no pubsub topic configured, curated notifications disabled")
	case a.cfg.DryRun:
		a.publisher = memorypublisher.New(topic)
	default:
		pub, err := pubsubpublisher.New(ctx, a.cfg.PubSub.ProjectID, topic)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.publisher = pub
		a.logger.Info("connected to pubsub", zap.String("topic", topic))
	}
	return nil
}

// Config returns the decoded configuration the services were built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Metadata returns the configured metadata store.
func (a *App) Metadata() decision.MetadataStore { return a.metadata }

// Landing returns the landing zone object store.
func (a *App) Landing() decision.ObjectStore { return a.landing }

// Curated returns the curated zone object store.
func (a *App) Curated() decision.ObjectStore { return a.curated }

// Publisher returns the curated notification publisher, which may be nil.
func (a *App) Publisher() decision.Publisher { return a.publisher }

// Crawler builds the listing crawler.
func (a *App) Crawler() (*crawler.Crawler, error) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: a.cfg.Crawler.RequestsPerSecond, Burst: 1})
	return crawler.New(crawler.Config{
		BaseURL:                    a.cfg.Crawler.BaseURL,
		DateOrdered:                a.cfg.Crawler.DateOrdered,
		MaxConsecutivePageFailures: a.cfg.Crawler.MaxConsecutivePageFailures,
		MaxPagesPerPartition:       a.cfg.Crawler.MaxPagesPerPartition,
	}, a.fetcher, limiter, a.metadata, a.retry, nil, a.logger)
}

// Downloader builds the landing-zone downloader.
func (a *App) Downloader() (*downloader.Downloader, error) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: a.cfg.Download.RequestsPerSecond, Burst: 1})
	return downloader.New(downloader.Config{
		Workers:     a.cfg.Download.Workers,
		MaxAttempts: a.cfg.Download.MaxAttempts,
		Reconcile:   a.cfg.Download.Reconcile,
	}, a.metadata, a.landing, a.fetcher, limiter, a.retry, nil, a.logger)
}

// Transformer builds the curated-zone transformer.
func (a *App) Transformer() (*transformer.Transformer, error) {
	return transformer.New(transformer.Config{
		Workers:       a.cfg.Transform.Workers,
		MaxAttempts:   a.cfg.Transform.MaxAttempts,
		RawCollection: a.cfg.Metadata.RawCollection,
	}, a.metadata, a.landing, a.curated, a.publisher, nil, a.logger)
}

// Orchestrator builds the three stages and chains them.
func (a *App) Orchestrator() (*orchestrator.Orchestrator, error) {
	c, err := a.Crawler()
	if err != nil {
		return nil, fmt.Errorf("build crawler: %w", err)
	}
	d, err := a.Downloader()
	if err != nil {
		return nil, fmt.Errorf("build downloader: %w", err)
	}
	t, err := a.Transformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return orchestrator.New(c, d, t, nil, a.logger)
}

// ServeOperator starts the health and metrics server in the background when
// metrics.addr is set. It stops when ctx is cancelled or the App is closed.
func (a *App) ServeOperator(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	server := api.NewServer(a.checks, a.logger)
	ctx, cancel := context.WithCancel(ctx)
	a.closers = append(a.closers, func() error { cancel(); return nil })
	go func() {
		if err := server.Serve(ctx, addr); err != nil {
			a.logger.Error("operator server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// Close releases every connection opened by New in reverse order. It is safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing pipeline service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
