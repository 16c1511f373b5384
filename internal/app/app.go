// Package app wires configuration into the long-lived services of one
// harvester process. It is the single place that knows which concrete
// store backend, archive provider and publisher run behind the pipeline's
// interfaces, and it owns their shutdown order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/api"
	"github.com/nwelch/newsharvest/internal/archive"
	"github.com/nwelch/newsharvest/internal/browser"
	"github.com/nwelch/newsharvest/internal/cascade"
	"github.com/nwelch/newsharvest/internal/clock/system"
	"github.com/nwelch/newsharvest/internal/config"
	"github.com/nwelch/newsharvest/internal/extract"
	"github.com/nwelch/newsharvest/internal/fetch"
	"github.com/nwelch/newsharvest/internal/harvest"
	hashsha "github.com/nwelch/newsharvest/internal/hash/sha256"
	iduuid "github.com/nwelch/newsharvest/internal/id/uuid"
	"github.com/nwelch/newsharvest/internal/notify"
	"github.com/nwelch/newsharvest/internal/orchestrator"
	"github.com/nwelch/newsharvest/internal/progress"
	"github.com/nwelch/newsharvest/internal/progress/sinks"
	"github.com/nwelch/newsharvest/internal/proxy"
	"github.com/nwelch/newsharvest/internal/ratelimit"
	"github.com/nwelch/newsharvest/internal/seed"
	"github.com/nwelch/newsharvest/internal/store"
)

// App holds every long-lived service for one harvester process. Built once
// at startup, closed once at exit.
type App struct {
	logger *zap.Logger

	store      store.Store
	writer     *store.Writer
	gcsArchive *archive.GCS
	publisher  notify.Publisher
	proxies    *proxy.Pool
	browsers   *browser.Pool
	hub        *progress.Hub
	orch       *orchestrator.Orchestrator
	api        *api.Server
}

// New constructs the full service graph from cfg, failing fast on the
// first provider that cannot initialize. Everything built before the
// failure is torn down again, so a non-nil error never leaks goroutines
// or connections.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger, publisher: notify.Noop{}}

	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	clk := system.New()

	switch cfg.Store.Backend {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.Store.Path, cfg.Store.BusyTimeoutMs, clk)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = st
		logger.Info("state store ready", zap.String("backend", "sqlite"), zap.String("path", cfg.Store.Path))
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DSN, clk)
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		a.store = st
		logger.Info("state store ready", zap.String("backend", "postgres"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	a.writer = store.NewWriter(a.store, clk, cfg.Store.BatchSize, cfg.Store.QueueDepth, cfg.FlushInterval(), logger)

	archiver, err := a.buildArchiver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if a.publisher, err = buildPublisher(ctx, cfg, logger); err != nil {
		return nil, err
	}

	if cfg.Proxy.Enabled {
		src := proxy.NewFileSource(cfg.Proxy.SourcePath)
		prober := proxy.NewValidator(cfg.Proxy.ValidateURL, cfg.ValidateTimeout(), logger)
		a.proxies = proxy.New(src, prober, a.writer, a.store, clk, proxy.Config{
			LowWater:    cfg.Proxy.LowWater,
			RetireAfter: cfg.Proxy.RetireAfter,
		}, logger)
		if err := a.proxies.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("prime proxy pool: %w", err)
		}
	}

	opts := fetch.Options{
		UserAgents: cfg.Pipeline.UserAgents,
		Timeout:    cfg.HTTPTimeout(),
		Retry:      fetch.NewRetryPolicy(cfg.Pipeline.MaxAttempts, time.Second),
	}
	if a.proxies != nil {
		opts.Proxies = a.proxies
	}
	fetcher, err := fetch.NewClient(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("build fetch client: %w", err)
	}

	var renderer harvest.Renderer
	if cfg.Browser.Enabled {
		bcfg := browser.Config{
			PoolSize:   cfg.Pipeline.BrowserPoolSize,
			NavTimeout: cfg.NavTimeout(),
			UserAgent:  cfg.Pipeline.UserAgents[0],
			ChromePath: cfg.Browser.ChromePath,
		}
		var bp browser.ProxyPool
		if a.proxies != nil {
			bp = a.proxies
		}
		a.browsers = browser.NewPool(bcfg, bp, logger)
		renderer = a.browsers
	}

	limiter := ratelimit.New(cfg.DelayFor)

	proc := cascade.New(
		fetcher,
		renderer,
		extract.NewPrimary(),
		extract.NewSecondary(),
		hashsha.New(),
		clk,
		limiter,
		cascade.Config{
			MinTextLength:  cfg.Pipeline.MinTextLength,
			BrowserEnabled: cfg.Browser.Enabled,
			PaywallDomain:  cfg.PaywallDomain,
			Archiver:       archiver,
		},
		logger,
	)

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("build progress sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{}, logger, sinks.NewLogSink(logger), promSink)

	seeder := seed.New(a.writer, seed.DefaultBatchSize, logger)

	a.orch = orchestrator.New(
		a.writer,
		a.store,
		seeder,
		proc,
		limiter,
		a.publisher,
		a.hub,
		iduuid.New(),
		clk,
		orchestrator.Config{
			WorkerCount: cfg.Pipeline.WorkerCount,
			ClaimBatch:  cfg.Pipeline.ClaimBatch,
			GracePeriod: cfg.GraceShutdown(),
		},
		logger,
	)

	a.api = api.NewServer(a.store, logger)

	ok = true
	return a, nil
}

// buildArchiver selects the raw-HTML provider. The gcs provider keeps its
// client on the App so Close can flush it.
func (a *App) buildArchiver(ctx context.Context, cfg config.Config) (harvest.Archiver, error) {
	var inner harvest.Archiver
	switch cfg.Archive.Provider {
	case "", "noop":
		return archive.Noop{}, nil
	case "memory":
		inner = archive.NewMemory()
	case "local":
		local, err := archive.NewLocal(cfg.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("build local archive: %w", err)
		}
		inner = local
		a.logger.Info("archiving raw html", zap.String("provider", "local"), zap.String("dir", cfg.Archive.LocalDir))
	case "gcs":
		gcs, err := archive.Connect(ctx, cfg.Archive.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("build gcs archive: %w", err)
		}
		a.gcsArchive = gcs
		inner = gcs
		a.logger.Info("archiving raw html", zap.String("provider", "gcs"), zap.String("bucket", cfg.Archive.GCSBucket))
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
	return archive.WithPrefix(inner, cfg.Archive.Prefix), nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Notify.Provider {
	case "", "noop":
		return notify.Noop{}, nil
	case "memory":
		return notify.NewMemory(), nil
	case "pubsub":
		pub, err := notify.Connect(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub publisher: %w", err)
		}
		logger.Info("publishing completions", zap.String("topic", cfg.Notify.TopicName))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
}

// Run executes one acquisition run to completion. seeds may be nil to
// resume whatever work the store already holds.
func (a *App) Run(ctx context.Context, seeds seed.RowReader) (harvest.RunSummary, error) {
	return a.orch.Run(ctx, seeds)
}

// Handler exposes the admin API routes for an HTTP server owned by the
// caller.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Close tears the services down in dependency order: stop producing work,
// flush buffered state, then drop connections. Safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.browsers != nil {
		a.browsers.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			a.logger.Warn("store writer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcsArchive != nil {
		if err := a.gcsArchive.Close(); err != nil {
			a.logger.Warn("archive client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}
