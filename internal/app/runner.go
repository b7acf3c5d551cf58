package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

const tracerName = "github.com/JakeFAU/jobs-archiver/internal/app"

var (
	// ErrRunInProgress is returned when Run is called while another run holds the archive.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrRunnerClosed is returned by Run after Shutdown.
	ErrRunnerClosed = errors.New("runner is shut down")
)

// saveTimeout bounds the final save, which still runs after the caller's context is canceled.
const saveTimeout = 30 * time.Second

// RunObserver receives run metrics. *metrics.Metrics implements it.
type RunObserver interface {
	ObservePage(page int, found int)
	ObserveRun(summary crawler.RunSummary, saved bool)
}

// RunnerConfig holds the per-run settings shared by every run.
type RunnerConfig struct {
	Crawler       crawler.Config
	RetentionDays int
	// Topic receives run summaries when a Publisher is configured.
	Topic string
}

// Runner executes load, crawl, merge and save as one serialized unit.
type Runner struct {
	cfg       RunnerConfig
	store     crawler.ArchiveStore
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	clock     crawler.Clock
	ids       crawler.IDGenerator
	publisher crawler.Publisher
	observer  RunObserver
	tracer    trace.Tracer
	logger    *zap.Logger

	// mu serializes runs and guards closed.
	mu     sync.Mutex
	closed bool

	lastMu sync.RWMutex
	last   *crawler.RunSummary
}

// RunnerDeps lists the collaborators of a Runner. Publisher, Observer and
// Tracer are optional; Tracer defaults to the global provider.
type RunnerDeps struct {
	Store     crawler.ArchiveStore
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Publisher crawler.Publisher
	Observer  RunObserver
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// NewRunner validates deps and returns a Runner.
func NewRunner(cfg RunnerConfig, deps RunnerDeps) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("archive store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = crawler.DefaultRetentionDays
	}
	return &Runner{
		cfg:       cfg,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		clock:     deps.Clock,
		ids:       deps.IDs,
		publisher: deps.Publisher,
		observer:  deps.Observer,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
	}, nil
}

// Run performs one load-crawl-merge-save cycle. An empty mode uses the configured one.
// Crawl failures after the first page are not errors: the partial results are
// merged and saved, and the summary carries the failure.
func (r *Runner) Run(ctx context.Context, mode crawler.Mode) (crawler.RunSummary, error) {
	if !r.mu.TryLock() {
		return crawler.RunSummary{}, ErrRunInProgress
	}
	defer r.mu.Unlock()
	if r.closed {
		return crawler.RunSummary{}, ErrRunnerClosed
	}

	if mode == "" {
		mode = r.cfg.Crawler.Mode
	}
	if mode == "" {
		mode = crawler.ModeIncremental
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary := crawler.RunSummary{
		RunID:     runID,
		Mode:      mode,
		State:     crawler.StateScanning,
		StartedAt: r.clock.Now(),
	}
	ctx, span := r.tracer.Start(ctx, "jobarchiver.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", string(mode)),
	))
	defer span.End()

	logger := r.logger.With(zap.String("run_id", runID), zap.String("mode", string(mode)))
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	logger.Info("starting run")

	saved, err := r.run(ctx, logger, &summary)
	summary.FinishedAt = r.clock.Now()
	if err != nil {
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("run.state", string(summary.State)),
		attribute.Int("run.pages", summary.Pages),
		attribute.Int("run.added", summary.Added),
		attribute.Int("run.total", summary.Total),
	)
	if r.observer != nil {
		r.observer.ObserveRun(summary, saved)
	}
	r.remember(summary)
	if err != nil {
		logger.Error("run failed", zap.String("state", string(summary.State)), zap.Error(err))
		return summary, err
	}

	r.publish(ctx, logger, summary)
	logger.Info("run complete",
		zap.String("state", string(summary.State)),
		zap.Int("pages", summary.Pages),
		zap.Int("added", summary.Added),
		zap.Int("pruned", summary.Pruned),
		zap.Int("total", summary.Total),
	)
	return summary, nil
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger, summary *crawler.RunSummary) (bool, error) {
	loadCtx, loadSpan := r.tracer.Start(ctx, "archive.load")
	existing, err := r.store.Load(loadCtx)
	loadSpan.End()
	if err != nil {
		return false, fmt.Errorf("load archive: %w", err)
	}
	logger.Info("archive loaded", zap.Int("listings", len(existing.Results)))

	crawlCfg := r.cfg.Crawler
	crawlCfg.Mode = summary.Mode
	var opts []crawler.Option
	if r.observer != nil {
		opts = append(opts, crawler.WithPageObserver(r.observer.ObservePage))
	}
	c, err := crawler.New(crawlCfg, r.fetcher, r.extractor, r.clock, logger.Named("crawler"), opts...)
	if err != nil {
		return false, fmt.Errorf("build crawler: %w", err)
	}

	known := existing.URLSet()
	crawlCtx, crawlSpan := r.tracer.Start(ctx, "crawl")
	result, err := c.Crawl(crawlCtx, known)
	crawlSpan.SetAttributes(attribute.String("crawl.state", string(result.State)))
	crawlSpan.End()
	summary.State = result.State
	summary.Pages = result.Pages
	if err != nil {
		return false, err
	}
	if result.Err != nil {
		summary.Error = result.Err.Error()
	}

	now := r.clock.Now()
	merged := crawler.Merge(result.Listings, existing.Results, r.cfg.RetentionDays, now)
	summary.Added = countNew(result.Listings, known)
	summary.Pruned = crawler.Pruned(result.Listings, existing.Results, merged)
	summary.Total = len(merged)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	saveCtx, saveSpan := r.tracer.Start(saveCtx, "archive.save")
	defer saveSpan.End()
	if err := r.store.Save(saveCtx, crawler.NewArchive(merged, now)); err != nil {
		return false, fmt.Errorf("save archive: %w", err)
	}
	return true, nil
}

// Shutdown waits for an in-flight run to finish, including its save, and makes
// later calls to Run fail with ErrRunnerClosed.
func (r *Runner) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight run: %w", ctx.Err())
	}
}

// countNew counts listings whose URL was not archived before the run.
func countNew(listings []crawler.Listing, known map[string]struct{}) int {
	n := 0
	for _, l := range listings {
		if _, ok := known[l.URL]; !ok {
			n++
		}
	}
	return n
}

func (r *Runner) publish(ctx context.Context, logger *zap.Logger, summary crawler.RunSummary) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	id, err := r.publisher.Publish(pubCtx, r.cfg.Topic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.String("topic", r.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("topic", r.cfg.Topic), zap.String("message_id", id))
}

func (r *Runner) remember(summary crawler.RunSummary) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	r.last = &summary
}

// LastRun returns the summary of the most recent finished run, if any.
func (r *Runner) LastRun() (crawler.RunSummary, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return crawler.RunSummary{}, false
	}
	return *r.last, true
}

// Archive loads the current archive from the store.
func (r *Runner) Archive(ctx context.Context) (crawler.Archive, error) {
	archive, err := r.store.Load(ctx)
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("load archive: %w", err)
	}
	return archive, nil
}
