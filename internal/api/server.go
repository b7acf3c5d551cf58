package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/app"
	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

const readTimeout = 30 * time.Second

// RunService is the slice of *app.Runner the server needs.
type RunService interface {
	Run(ctx context.Context, mode crawler.Mode) (crawler.RunSummary, error)
	LastRun() (crawler.RunSummary, bool)
	Archive(ctx context.Context) (crawler.Archive, error)
}

// MetricsService exposes the Prometheus handler and HTTP instrumentation.
type MetricsService interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Options configures optional server behavior.
type Options struct {
	// APIKey guards the /v1 routes when non-empty.
	APIKey string
	// RunContext cancels in-flight runs when it is done, typically on shutdown.
	// Defaults to context.Background().
	RunContext context.Context
}

// Server wires HTTP handlers to the run service.
type Server struct {
	router chi.Router
	runs   RunService
	runCtx context.Context
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunService, metrics MetricsService, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunContext == nil {
		opts.RunContext = context.Background()
	}
	s := &Server{runs: runs, runCtx: opts.RunContext, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if metrics != nil {
		r.Use(metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.With(timeoutMiddleware(readTimeout)).Get("/archive", s.getArchive)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.triggerRun)
			r.Get("/last", s.lastRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	archive, err := s.runs.Archive(r.Context())
	if err != nil {
		s.logger.Error("load archive failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load archive")
		return
	}
	s.writeJSON(w, http.StatusOK, archive)
}

// triggerRun runs synchronously. The run ignores the client going away and is
// canceled only through the server's run context.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	mode, err := parseMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	summary, err := s.runs.Run(ctx, mode)
	switch {
	case errors.Is(err, app.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRunnerClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, summary)
	default:
		s.writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.runs.LastRun()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func parseMode(raw string) (crawler.Mode, error) {
	switch crawler.Mode(raw) {
	case "":
		return "", nil
	case crawler.ModeIncremental, crawler.ModeFull:
		return crawler.Mode(raw), nil
	default:
		return "", fmt.Errorf("mode must be %q or %q", crawler.ModeIncremental, crawler.ModeFull)
	}
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
