package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
	"github.com/JakeFAU/jobs-archiver/internal/metrics"
	pubmemory "github.com/JakeFAU/jobs-archiver/internal/publisher/memory"
	"github.com/JakeFAU/jobs-archiver/internal/storage/memory"
)

const linkBase = "https://jobs.example.edu"

var testNow = time.Date(2024, time.March, 31, 9, 0, 0, 0, time.UTC)

// source is the page-numbered listing site used by these tests. It serves as
// both Fetcher and Extractor.
type source struct {
	mu      sync.Mutex
	pages   map[int][]crawler.RawRecord
	errs    map[int]error
	block   chan struct{}
	started chan struct{}
	fetched []int
}

func (s *source) Fetch(ctx context.Context, page int) ([]byte, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, page)
	block, started := s.block, s.started
	s.started = nil
	err := s.errs[page]
	s.mu.Unlock()

	if block != nil {
		if started != nil {
			close(started)
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(strconv.Itoa(page)), nil
}

func (s *source) Extract(body []byte) ([]crawler.RawRecord, error) {
	page, err := strconv.Atoi(string(body))
	if err != nil {
		return nil, fmt.Errorf("bad body %q", body)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[page], nil
}

func (s *source) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetched)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type failingStore struct {
	crawler.ArchiveStore
	loadErr error
	saveErr error
}

func (f failingStore) Load(ctx context.Context) (crawler.Archive, error) {
	if f.loadErr != nil {
		return crawler.Archive{}, f.loadErr
	}
	return f.ArchiveStore.Load(ctx)
}

func (f failingStore) Save(ctx context.Context, a crawler.Archive) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.ArchiveStore.Save(ctx, a)
}

func date(daysAgo int) string {
	return testNow.AddDate(0, 0, -daysAgo).Format("01/02/2006")
}

func raw(path, d string) crawler.RawRecord {
	return crawler.RawRecord{Title: "Job " + path, Location: "Davis", Date: d, URL: path}
}

func seeded(t *testing.T, listings ...crawler.Listing) *memory.ArchiveStore {
	t.Helper()
	store := memory.NewArchiveStore()
	if len(listings) > 0 {
		require.NoError(t, store.Save(context.Background(), crawler.NewArchive(listings, testNow.AddDate(0, 0, -1))))
	}
	return store
}

type harness struct {
	runner    *Runner
	publisher *pubmemory.Publisher
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, store crawler.ArchiveStore, src *source, cfg RunnerConfig) harness {
	t.Helper()
	if cfg.Crawler.LinkBase == "" {
		cfg.Crawler.LinkBase = linkBase
	}
	if cfg.Topic == "" {
		cfg.Topic = "runs"
	}
	pub := pubmemory.New()
	m := metrics.New(false)
	r, err := NewRunner(cfg, RunnerDeps{
		Store:     store,
		Fetcher:   src,
		Extractor: src,
		Clock:     fixedClock{now: testNow},
		IDs:       &seqIDs{},
		Publisher: pub,
		Observer:  m,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return harness{runner: r, publisher: pub, metrics: m}
}

func urls(a crawler.Archive) []string {
	out := make([]string, len(a.Results))
	for i, l := range a.Results {
		out[i] = l.URL
	}
	return out
}

func TestRun_NewListingGoesFirst(t *testing.T) {
	t.Parallel()

	store := seeded(t, crawler.Listing{Title: "X", Date: date(10), ScrapedAt: testNow.AddDate(0, 0, -10), URL: linkBase + "/X"})
	src := &source{pages: map[int][]crawler.RawRecord{
		1: {raw("/Y", date(2)), raw("/X", date(10))},
	}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateStopped, summary.State)
	assert.Equal(t, 1, summary.Added)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, crawler.ModeIncremental, summary.Mode)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, []string{linkBase + "/Y", linkBase + "/X"}, urls(got))
	assert.True(t, got.UpdatedAt.Equal(testNow))
	assert.Equal(t, 1, src.fetchCount())
}

func TestRun_StopsAtFirstKnownListing(t *testing.T) {
	t.Parallel()

	store := seeded(t, crawler.Listing{Title: "A", Date: date(3), URL: linkBase + "/X"})
	src := &source{pages: map[int][]crawler.RawRecord{
		1: {raw("/Y", date(1)), raw("/X", date(3)), raw("/Z", date(1))},
		2: {raw("/W", date(1))},
	}}
	h := newHarness(t, store, src, RunnerConfig{})

	_, err := h.runner.Run(context.Background(), crawler.ModeIncremental)
	require.NoError(t, err)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{linkBase + "/Y", linkBase + "/X"}, urls(got))
}

func TestRun_IdempotentWithoutNewData(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	src := &source{pages: map[int][]crawler.RawRecord{
		1: {raw("/a", date(1)), raw("/b", "TBD")},
		2: {raw("/c", date(5))},
	}}
	h := newHarness(t, store, src, RunnerConfig{})

	first, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateExhausted, first.State)
	assert.Equal(t, 3, first.Added)
	afterFirst, err := store.Load(context.Background())
	require.NoError(t, err)

	second, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateStopped, second.State)
	assert.Zero(t, second.Added)
	afterSecond, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Results, afterSecond.Results)
}

func TestRun_RetentionPrunesOldListings(t *testing.T) {
	t.Parallel()

	store := seeded(t,
		crawler.Listing{Title: "old", Date: date(45), URL: linkBase + "/old"},
		crawler.Listing{Title: "tbd", Date: "TBD", ScrapedAt: testNow.AddDate(-1, 0, 0), URL: linkBase + "/tbd"},
		crawler.Listing{Title: "recent", Date: date(4), URL: linkBase + "/recent"},
	)
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/recent", date(4))}}}
	h := newHarness(t, store, src, RunnerConfig{RetentionDays: 30})

	summary, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pruned)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{linkBase + "/tbd", linkBase + "/recent"}, urls(got))
}

func TestRun_FetchErrorSavesPartialResults(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	src := &source{
		pages: map[int][]crawler.RawRecord{1: {raw("/a", date(1))}},
		errs:  map[int]error{2: errors.New("connection reset")},
	}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFailed, summary.State)
	assert.Contains(t, summary.Error, "connection reset")

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{linkBase + "/a"}, urls(got))
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestRun_FullModeFirstPageFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewArchiveStore()
	src := &source{errs: map[int]error{1: errors.New("dns failure")}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), crawler.ModeFull)
	require.ErrorIs(t, err, crawler.ErrFirstPageFailed)
	assert.Equal(t, crawler.StateFailed, summary.State)
	assert.Zero(t, store.Saves())
	assert.Empty(t, h.publisher.Messages())

	last, ok := h.runner.LastRun()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)
}

func TestRun_IncrementalFirstPageFailureStillSaves(t *testing.T) {
	t.Parallel()

	store := seeded(t, crawler.Listing{Title: "keep", Date: "TBD", URL: linkBase + "/keep"})
	src := &source{errs: map[int]error{1: errors.New("dns failure")}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), crawler.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFailed, summary.State)
	assert.Equal(t, 2, store.Saves())
	assert.Equal(t, 1, summary.Total)
}

func TestRun_FullModeWalksPastKnownListings(t *testing.T) {
	t.Parallel()

	store := seeded(t, crawler.Listing{Title: "X", Date: date(3), URL: linkBase + "/X"})
	src := &source{pages: map[int][]crawler.RawRecord{
		1: {raw("/Y", date(1)), raw("/X", date(2))},
		2: {raw("/Z", date(1))},
	}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), crawler.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateExhausted, summary.State)
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, 2, summary.Added, "re-seen listings are not new")
	assert.Equal(t, 3, summary.Total)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{linkBase + "/Y", linkBase + "/X", linkBase + "/Z"}, urls(got))
	for _, l := range got.Results {
		if l.URL == linkBase+"/X" {
			assert.Equal(t, date(2), l.Date, "fresh record should replace archived one")
		}
	}
}

func TestRun_FullModeOnlyKnownListingsAddsNothing(t *testing.T) {
	t.Parallel()

	store := seeded(t,
		crawler.Listing{Title: "A", Date: date(2), URL: linkBase + "/A"},
		crawler.Listing{Title: "B", Date: date(3), URL: linkBase + "/B"},
	)
	src := &source{pages: map[int][]crawler.RawRecord{
		1: {raw("/A", date(2)), raw("/B", date(3))},
	}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), crawler.ModeFull)
	require.NoError(t, err)
	assert.Zero(t, summary.Added)
	assert.Equal(t, 2, summary.Total)
	assert.Zero(t, counterValue(t, h.metrics, "jobarchiver_listings_added_total"))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	var published crawler.RunSummary
	require.NoError(t, msgs[0].Decode(&published))
	assert.Zero(t, published.Added)
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestRun_LoadErrorIsFatal(t *testing.T) {
	t.Parallel()

	store := failingStore{ArchiveStore: memory.NewArchiveStore(), loadErr: errors.New("permission denied")}
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", "")}}}
	h := newHarness(t, store, src, RunnerConfig{})

	_, err := h.runner.Run(context.Background(), "")
	require.ErrorContains(t, err, "load archive")
	assert.Zero(t, src.fetchCount())
}

func TestRun_SaveErrorIsFatal(t *testing.T) {
	t.Parallel()

	store := failingStore{ArchiveStore: memory.NewArchiveStore(), saveErr: errors.New("disk full")}
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", "")}}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), "")
	require.ErrorContains(t, err, "save archive")
	assert.Contains(t, summary.Error, "disk full")
	assert.Empty(t, h.publisher.Messages())
}

func TestRun_CorruptArchiveStartsFresh(t *testing.T) {
	t.Parallel()

	store := memory.NewArchiveStoreWithContent([]byte("{{{"))
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", date(1))}}}
	h := newHarness(t, store, src, RunnerConfig{})

	summary, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
}

func TestRun_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", date(1))}}}
	h := newHarness(t, store, src, RunnerConfig{})
	h.publisher.FailWith(errors.New("pubsub unavailable"))

	_, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Saves())
}

func TestRun_PublishesSummary(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", date(1)), raw("/b", date(2))}}}
	h := newHarness(t, store, src, RunnerConfig{Topic: "job-runs"})

	summary, err := h.runner.Run(context.Background(), "")
	require.NoError(t, err)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "job-runs", msgs[0].Topic)
	var published crawler.RunSummary
	require.NoError(t, msgs[0].Decode(&published))
	assert.Equal(t, summary.RunID, published.RunID)
	assert.Equal(t, 2, published.Added)
	assert.Equal(t, crawler.StateExhausted, published.State)
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	started := make(chan struct{})
	src := &source{
		pages:   map[int][]crawler.RawRecord{1: {raw("/a", "")}},
		block:   make(chan struct{}),
		started: started,
	}
	h := newHarness(t, store, src, RunnerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), "")
		done <- err
	}()
	<-started

	_, err := h.runner.Run(context.Background(), "")
	require.ErrorIs(t, err, ErrRunInProgress)

	close(src.block)
	require.NoError(t, <-done)
}

func TestRunner_ShutdownWaitsForInFlightSave(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	started := make(chan struct{})
	src := &source{
		pages:   map[int][]crawler.RawRecord{1: {raw("/a", "")}},
		block:   make(chan struct{}),
		started: started,
	}
	h := newHarness(t, store, src, RunnerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), "")
		done <- err
	}()
	<-started

	drained := make(chan error, 1)
	go func() { drained <- h.runner.Shutdown(context.Background()) }()

	select {
	case err := <-drained:
		t.Fatalf("shutdown returned before the run finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(src.block)
	require.NoError(t, <-drained)
	assert.Equal(t, 1, store.Saves(), "save completes before shutdown returns")
	require.NoError(t, <-done)

	_, err := h.runner.Run(context.Background(), "")
	require.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunner_ShutdownGivesUpAtDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	src := &source{
		pages:   map[int][]crawler.RawRecord{1: {raw("/a", "")}},
		block:   make(chan struct{}),
		started: started,
	}
	h := newHarness(t, seeded(t), src, RunnerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), "")
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.runner.Shutdown(ctx), context.DeadlineExceeded)

	close(src.block)
	require.NoError(t, <-done)
}

func TestRun_CanceledContextStillSaves(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", "")}}}
	h := newHarness(t, store, src, RunnerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.runner.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFailed, summary.State)
	assert.Equal(t, 1, store.Saves())
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	src := &source{}
	store := memory.NewArchiveStore()
	full := RunnerDeps{Store: store, Fetcher: src, Extractor: src, Clock: fixedClock{}, IDs: &seqIDs{}}

	for name, mutate := range map[string]func(*RunnerDeps){
		"store":     func(d *RunnerDeps) { d.Store = nil },
		"fetcher":   func(d *RunnerDeps) { d.Fetcher = nil },
		"extractor": func(d *RunnerDeps) { d.Extractor = nil },
		"clock":     func(d *RunnerDeps) { d.Clock = nil },
		"ids":       func(d *RunnerDeps) { d.IDs = nil },
	} {
		deps := full
		mutate(&deps)
		_, err := NewRunner(RunnerConfig{}, deps)
		require.Error(t, err, name)
	}

	r, err := NewRunner(RunnerConfig{}, full)
	require.NoError(t, err)
	assert.Equal(t, crawler.DefaultRetentionDays, r.cfg.RetentionDays)
}

func TestRun_RecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	src := &source{pages: map[int][]crawler.RawRecord{1: {raw("/a", date(1))}}}
	r, err := NewRunner(RunnerConfig{Crawler: crawler.Config{LinkBase: linkBase}}, RunnerDeps{
		Store:     memory.NewArchiveStore(),
		Fetcher:   src,
		Extractor: src,
		Clock:     fixedClock{now: testNow},
		IDs:       &seqIDs{},
		Tracer:    tp.Tracer("test"),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "")
	require.NoError(t, err)

	var names []string
	var root sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
		if s.Name() == "jobarchiver.run" {
			root = s
		}
	}
	assert.ElementsMatch(t, []string{"archive.load", "crawl", "archive.save", "jobarchiver.run"}, names)
	require.NotNil(t, root)
	assert.Equal(t, codes.Unset, root.Status().Code)
	for _, s := range recorder.Ended() {
		if s.Name() != "jobarchiver.run" {
			assert.Equal(t, root.SpanContext().TraceID(), s.SpanContext().TraceID(), s.Name())
		}
	}
}

func TestRun_FatalErrorMarksSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	src := &source{errs: map[int]error{1: errors.New("dns failure")}}
	r, err := NewRunner(RunnerConfig{}, RunnerDeps{
		Store:     memory.NewArchiveStore(),
		Fetcher:   src,
		Extractor: src,
		Clock:     fixedClock{now: testNow},
		IDs:       &seqIDs{},
		Tracer:    tp.Tracer("test"),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), crawler.ModeFull)
	require.Error(t, err)

	for _, s := range recorder.Ended() {
		if s.Name() == "jobarchiver.run" {
			assert.Equal(t, codes.Error, s.Status().Code)
			return
		}
	}
	t.Fatal("run span not recorded")
}
