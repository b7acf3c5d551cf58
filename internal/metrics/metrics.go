// Package metrics exposes Prometheus collectors for jobarchiver runs and its HTTP surface.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// Metrics owns a dedicated registry so one-shot runs can export exactly these
// series to a textfile or Pushgateway.
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched    prometheus.Counter
	listingsAdded   prometheus.Counter
	listingsPruned  prometheus.Counter
	runsTotal       *prometheus.CounterVec
	archiveListings prometheus.Gauge
	lastSuccess     prometheus.Gauge
	runDuration     prometheus.Histogram

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the jobarchiver collectors on a fresh registry. withRuntime adds
// the Go and process collectors, which only make sense for long-lived processes.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobarchiver_pages_fetched_total",
			Help: "Total number of listing pages fetched and extracted, including the empty page that ends a crawl.",
		}),
		listingsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobarchiver_listings_added_total",
			Help: "Total number of new listings discovered by crawls.",
		}),
		listingsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobarchiver_listings_pruned_total",
			Help: "Total number of listings dropped by retention or deduplication.",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobarchiver_runs_total",
			Help: "Total number of runs, labeled by terminal crawl state.",
		}, []string{"state"}),
		archiveListings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobarchiver_archive_listings",
			Help: "Number of listings in the archive after the last save.",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobarchiver_last_success_timestamp_seconds",
			Help: "Unix time of the last run that saved the archive.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobarchiver_run_duration_seconds",
			Help:    "Histogram of end-to-end run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobarchiver_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobarchiver_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePage counts one fetched page. Its signature matches crawler.WithPageObserver.
func (m *Metrics) ObservePage(_ int, _ int) {
	m.pagesFetched.Inc()
}

// ObserveRun records the outcome of a run. saved reports whether the archive was written.
func (m *Metrics) ObserveRun(summary crawler.RunSummary, saved bool) {
	state := string(summary.State)
	if state == "" {
		state = "UNKNOWN"
	}
	m.runsTotal.WithLabelValues(state).Inc()
	if !summary.FinishedAt.IsZero() && !summary.StartedAt.IsZero() {
		m.runDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	}
	if !saved {
		return
	}
	m.listingsAdded.Add(float64(summary.Added))
	m.listingsPruned.Add(float64(summary.Pruned))
	m.archiveListings.Set(float64(summary.Total))
	m.lastSuccess.Set(float64(summary.FinishedAt.Unix()))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

// Export writes the registry to a node-exporter textfile and/or pushes it to a
// Pushgateway. Empty targets are skipped.
func (m *Metrics) Export(ctx context.Context, textfilePath, pushgatewayURL, job string) error {
	var errs []error
	if textfilePath != "" {
		if err := prometheus.WriteToTextfile(textfilePath, m.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if pushgatewayURL != "" {
		if job == "" {
			job = "jobarchiver"
		}
		if err := push.New(pushgatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
