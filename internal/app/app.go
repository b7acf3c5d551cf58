// Package app wires configuration into long-lived services and runs the
// load-crawl-merge-save cycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/clock/system"
	"github.com/JakeFAU/jobs-archiver/internal/config"
	"github.com/JakeFAU/jobs-archiver/internal/crawler"
	"github.com/JakeFAU/jobs-archiver/internal/extractor"
	collyfetcher "github.com/JakeFAU/jobs-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/jobs-archiver/internal/fetcher/fallback"
	"github.com/JakeFAU/jobs-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/jobs-archiver/internal/headless/detector"
	"github.com/JakeFAU/jobs-archiver/internal/id/uuid"
	"github.com/JakeFAU/jobs-archiver/internal/metrics"
	"github.com/JakeFAU/jobs-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/jobs-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/jobs-archiver/internal/storage"
)

// App holds the shared services built from one Config.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   storage.Store
	metrics *metrics.Metrics
	runner  *Runner
	closers []io.Closer
}

// Options tweaks how New builds the App.
type Options struct {
	// RuntimeMetrics adds Go and process collectors; set for long-lived servers.
	RuntimeMetrics bool
}

// New creates and initializes the App from configuration. It fails fast if any
// service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New(opts.RuntimeMetrics)}

	ids := uuid.New()
	store, err := storage.Open(ctx, cfg.Archive, ids, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store)

	fetcher, err := a.newFetcher()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ext, err := extractor.New(extractor.Config{
		Item:       cfg.Extractor.Item,
		Title:      cfg.Extractor.Title,
		Location:   cfg.Extractor.Location,
		Date:       cfg.Extractor.Date,
		DatePrefix: cfg.Extractor.DatePrefix,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	var publisher crawler.Publisher
	if cfg.Notify.Enabled {
		pub, err := pubsub.Connect(ctx, cfg.Notify.ProjectID)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		publisher = pub
		a.closers = append(a.closers, pub)
		logger.Info("publishing run summaries", zap.String("topic", cfg.Notify.Topic))
	}

	a.runner, err = NewRunner(RunnerConfig{
		Crawler: crawler.Config{
			LinkBase: cfg.Source.LinkBase,
			MaxPages: cfg.Crawler.MaxPages,
			Mode:     crawler.Mode(cfg.Crawler.Mode),
		},
		RetentionDays: cfg.Retention.WindowDays,
		Topic:         cfg.Notify.Topic,
	}, RunnerDeps{
		Store:     store,
		Fetcher:   fetcher,
		Extractor: ext,
		Clock:     system.New(),
		IDs:       ids,
		Publisher: publisher,
		Observer:  a.metrics,
		Logger:    logger.Named("runner"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("source", cfg.Source.BaseURL),
		zap.Bool("headless", cfg.Fetcher.Headless),
		zap.Bool("headless_fallback", cfg.Fetcher.HeadlessFallback),
	)
	return a, nil
}

func (a *App) newFetcher() (crawler.Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: a.cfg.Fetcher.RequestsPerSecond})
	logger := a.logger.Named("fetcher")

	var browser *headless.Fetcher
	if a.cfg.Fetcher.Headless || a.cfg.Fetcher.HeadlessFallback {
		f, err := headless.NewChromedp(headless.Config{
			PageURL:           a.cfg.Source.PageURL,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Fetcher.HeadlessTimeout,
		}, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, f)
		browser = f
	}
	if a.cfg.Fetcher.Headless {
		return browser, nil
	}

	plain, err := collyfetcher.New(collyfetcher.Config{
		PageURL:   a.cfg.Source.PageURL,
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.Fetcher.Timeout,
	}, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("init colly fetcher: %w", err)
	}
	if browser == nil {
		return plain, nil
	}
	f, err := fallback.New(plain, browser, detector.NewHeuristic(0), logger.Named("fallback"))
	if err != nil {
		return nil, fmt.Errorf("init fallback fetcher: %w", err)
	}
	return f, nil
}

// Runner returns the run orchestrator.
func (a *App) Runner() *Runner {
	return a.runner
}

// Metrics returns the metrics registry wrapper.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// ExportMetrics writes run metrics to the configured textfile and Pushgateway.
func (a *App) ExportMetrics(ctx context.Context) error {
	return a.metrics.Export(ctx, a.cfg.Metrics.TextfilePath, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.JobName)
}

// drainTimeout bounds how long Close waits for an in-flight run. A canceled run
// still saves, so this has to cover the save timeout.
const drainTimeout = saveTimeout + 5*time.Second

// Close waits for an in-flight run to finish, then shuts down every service in
// reverse construction order.
func (a *App) Close() error {
	var errs []error
	if a.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		err := a.runner.Shutdown(ctx)
		cancel()
		if err != nil {
			a.logger.Warn("closing services with a run still in flight", zap.Error(err))
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
