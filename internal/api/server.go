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

	"github.com/JakeFAU/crashtriage/internal/buglink"
	"github.com/JakeFAU/crashtriage/internal/config"
	"github.com/JakeFAU/crashtriage/internal/history"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/metrics"
	"github.com/JakeFAU/crashtriage/internal/retest"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// WorkerIndex answers capability questions about the fleet.
type WorkerIndex interface {
	IdleWorkersByCapability(ctx context.Context) (map[triage.Capability][]string, error)
	Capabilities(ctx context.Context) ([]triage.Capability, error)
}

// PendingIndex lists unassigned jobs, most urgent first.
type PendingIndex interface {
	PendingJobs(ctx context.Context, capability triage.Capability) ([]triage.Job, error)
	All(ctx context.Context) ([]triage.Job, error)
}

// Claimer runs the claim protocol.
type Claimer interface {
	Claim(ctx context.Context, workerID string, capability triage.Capability) (triage.Job, error)
}

// Ingester stores a run and folds its details. Refold re-applies the stored
// details of a run to history.
type Ingester interface {
	Ingest(ctx context.Context, header triage.ResultHeader, details []triage.FailureDetail) (ingest.Report, error)
	Refold(ctx context.Context, resultID string) (ingest.Report, error)
}

// HistoryReader fetches one history record.
type HistoryReader interface {
	Get(ctx context.Context, key string) (triage.HistoryRecord, error)
}

// InterestFilter lists history records that still need a bug.
type InterestFilter interface {
	Interesting(ctx context.Context, filter triage.HistoryFilter) ([]triage.HistoryRecord, error)
}

// BugLinker edits bug links and suppression on history records.
type BugLinker interface {
	SetBugs(ctx context.Context, key string, open, closed []string) (triage.HistoryRecord, error)
	SetSuppressed(ctx context.Context, key string, suppressed bool) (triage.HistoryRecord, error)
}

// Retester creates retest jobs for a signature.
type Retester interface {
	Retest(ctx context.Context, signature string, urls []string) (retest.Report, error)
}

// ClaimLimiter throttles claim requests per worker. Forget is called when a
// worker leaves the fleet.
type ClaimLimiter interface {
	Allow(workerID string) bool
	Forget(workerID string)
}

// Services bundles the components the handlers call.
type Services struct {
	Store    triage.Store
	Workers  WorkerIndex
	Pending  PendingIndex
	Claimer  Claimer
	Ingester Ingester
	History  HistoryReader
	Filter   InterestFilter
	Linker   BugLinker
	Retester Retester
	// Limiter is optional; nil disables claim throttling.
	Limiter ClaimLimiter
	// Ready is optional; it reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatch and triage components.
type Server struct {
	router chi.Router
	svc    Services
	ids    triage.IDGenerator
	clock  triage.Clock
	cfg    config.Config
	logger *zap.Logger
}

var (
	_ HistoryReader  = (*history.Aggregator)(nil)
	_ InterestFilter = (*buglink.Filter)(nil)
	_ BugLinker      = (*buglink.Linker)(nil)
	_ Retester       = (*retest.Dispatcher)(nil)
	_ Ingester       = (*ingest.Ingester)(nil)
)

// NewServer constructs a Server with middleware and routes.
func NewServer(
	svc Services,
	ids triage.IDGenerator,
	clock triage.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/workers", func(r chi.Router) {
			r.Get("/idle", s.idleWorkers)
			r.Get("/capabilities", s.capabilities)
			r.Put("/{worker_id}", s.putWorker)
			r.Get("/{worker_id}", s.getWorker)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/pending", s.pendingJobs)
			r.Post("/claim", s.claimJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/results", func(r chi.Router) {
			r.Post("/", s.ingestResults)
			r.Get("/{result_id}", s.getResult)
			r.Post("/{result_id}/refold", s.refoldResult)
		})
		r.Get("/signatures/interesting", s.interesting)
		r.Route("/history/{key}", func(r chi.Router) {
			r.Get("/", s.getHistory)
			r.Put("/bugs", s.putBugs)
			r.Put("/suppressed", s.putSuppressed)
		})
		r.Post("/retest", s.retest)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, triage.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrExists), errors.Is(err, triage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, triage.ErrNoJobAvailable):
		return http.StatusNoContent
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg,
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		s.writeError(w, status, msg)
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	logger := s.logger.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeErrorTo(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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

func writeErrorTo(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
