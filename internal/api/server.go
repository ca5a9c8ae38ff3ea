package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ugobe007/matchrun/internal/config"
	"github.com/ugobe007/matchrun/internal/matchrun"
	"github.com/ugobe007/matchrun/internal/metrics"
	"github.com/ugobe007/matchrun/internal/policy/ratelimit"
)

// Server wires HTTP handlers to the run store, cache, and rate limiter.
type Server struct {
	router   chi.Router
	store    matchrun.RunStore
	cache    matchrun.StatusCache
	limiter  *ratelimit.Limiter
	idGen    matchrun.IDGenerator
	clock    matchrun.Clock
	cfg      config.Config
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store matchrun.RunStore,
	cache matchrun.StatusCache,
	limiter *ratelimit.Limiter,
	idGen matchrun.IDGenerator,
	clock matchrun.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		store:    store,
		cache:    cache,
		limiter:  limiter,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRunStatus)
				r.Get("/debug", s.getRunDebug)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a failing lookup for a
	// nonexistent run still proves the backend answers.
	if _, err := s.store.GetRun(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, matchrun.ErrRunNotFound) {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRunRequest struct {
	URL   string `json:"url" validate:"required,max=2048"`
	Force bool   `json:"force"`
}

type submitRunResponse struct {
	RunID        string `json:"run_id"`
	CanonicalKey string `json:"canonical_key"`
	Status       string `json:"status"`
	Created      bool   `json:"created"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	key := matchrun.CanonicalKey(req.URL)
	if key == "" {
		writeError(w, http.StatusBadRequest, "url reduces to an empty canonical key")
		return
	}

	runID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate run id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate run id")
		return
	}
	run := matchrun.Run{
		ID:           runID,
		CanonicalKey: key,
		InputURL:     req.URL,
		Status:       matchrun.RunStatusQueued,
		CreatedAt:    s.clock.Now(),
	}

	var (
		stored  matchrun.Run
		created bool
	)
	if req.Force {
		stored, err = s.store.SubmitForce(r.Context(), run)
		created = true
		if err == nil {
			metrics.ObserveSubmission("forced")
		}
	} else {
		stored, created, err = s.store.Submit(r.Context(), run)
		if err == nil {
			if created {
				metrics.ObserveSubmission("created")
			} else {
				metrics.ObserveSubmission("existing")
			}
		}
	}
	if err != nil {
		s.logger.Error("submit failed", zap.String("canonical_key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, submitRunResponse{
		RunID:        stored.ID,
		CanonicalKey: stored.CanonicalKey,
		Status:       string(stored.Status),
		Created:      created,
	})
}

type runStatusResponse struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ProgressStep string `json:"progress_step,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
	ResultCount  int    `json:"result_count,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Attempts     int    `json:"attempts"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	clientID := clientIdentity(r)

	if s.limiter != nil && !s.limiter.Allow(runID, clientID) {
		metrics.ObserveRateLimited()
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "status polling too frequent, slow down")
		return
	}

	if run, ok := s.cache.Get(r.Context(), runID); ok {
		metrics.ObserveCacheLookup(true)
		writeJSON(w, http.StatusOK, statusFromRun(run))
		return
	}
	metrics.ObserveCacheLookup(false)

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, matchrun.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.cache.Set(r.Context(), runID, run)
	writeJSON(w, http.StatusOK, statusFromRun(run))
}

type runDebugResponse struct {
	Run              matchrun.Run `json:"run"`
	Stuck            bool         `json:"stuck"`
	StalenessSeconds int64        `json:"staleness_seconds"`
}

// getRunDebug bypasses the cache and rate limiter so operators always see
// the live row.
func (s *Server) getRunDebug(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, matchrun.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	now := s.clock.Now()
	writeJSON(w, http.StatusOK, runDebugResponse{
		Run:              run,
		Stuck:            run.Stuck(now),
		StalenessSeconds: int64(now.Sub(run.UpdatedAt).Seconds()),
	})
}

func statusFromRun(run matchrun.Run) runStatusResponse {
	resp := runStatusResponse{
		RunID:        run.ID,
		Status:       string(run.Status),
		ProgressStep: run.ProgressStep,
		Attempts:     run.Attempts,
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    run.UpdatedAt.UTC().Format(time.RFC3339),
	}
	switch run.Status {
	case matchrun.RunStatusReady:
		resp.ResultRef = run.ResultRef
		resp.ResultCount = run.ResultCount
	case matchrun.RunStatusError:
		resp.LastError = run.LastError
	}
	return resp
}

// retryAfterSeconds approximates how long until the per-key bucket refills
// one token.
func (s *Server) retryAfterSeconds() int {
	rl := s.cfg.RateLimit
	if rl.RequestsPerWindow <= 0 || rl.WindowSeconds <= 0 {
		return 1
	}
	secs := rl.WindowSeconds / rl.RequestsPerWindow
	if secs < 1 {
		secs = 1
	}
	return secs
}

// clientIdentity keys the rate limiter. Proxied deployments send an explicit
// client ID; otherwise the peer address has to do.
func clientIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			metrics.ObserveHTTPRequest(r.Method, strconv.Itoa(ww.status))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
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
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
