package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
)

// snapshotTimeout bounds the store reads behind the run snapshot.
const snapshotTimeout = 3 * time.Second

// Store is the read-only slice of the state store the admin surface uses.
// Both store backends satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	CountByStatus(ctx context.Context, status harvest.Status) (int64, error)
	Metrics(ctx context.Context) (harvest.RunSummary, error)
}

// Server wires the admin routes to the state store.
type Server struct {
	router chi.Router
	store  Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  st,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(15 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/run", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runSnapshot is the operator view of the current run: queue depth plus the
// per-(source, status) completion table.
type runSnapshot struct {
	State      string `json:"state"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	harvest.RunSummary
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	pending, err := s.store.CountByStatus(ctx, harvest.StatusPending)
	if err != nil {
		s.snapshotError(w, err)
		return
	}
	processing, err := s.store.CountByStatus(ctx, harvest.StatusProcessing)
	if err != nil {
		s.snapshotError(w, err)
		return
	}
	sum, err := s.store.Metrics(ctx)
	if err != nil {
		s.snapshotError(w, err)
		return
	}

	state := "drained"
	if pending+processing > 0 {
		state = "active"
	}
	s.writeJSON(w, http.StatusOK, runSnapshot{
		State:      state,
		Pending:    pending,
		Processing: processing,
		RunSummary: sum,
	})
}

func (s *Server) snapshotError(w http.ResponseWriter, err error) {
	s.logger.Error("run snapshot failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "run snapshot failed")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
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

type requestIDKey struct{}

// requestID returns the request's ID, or "" outside the middleware chain.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write json response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
