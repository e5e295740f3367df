// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/config"
	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
	"github.com/JakeFAU/serialcrawler/internal/orchestrator"
	"github.com/JakeFAU/serialcrawler/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxStartBody          = 8 << 20
)

// SessionService is the orchestrator surface the API drives.
type SessionService interface {
	Start(ctx context.Context, req crawler.StartRequest) (string, error)
	Stop(id string) error
	Status(originRef string) crawler.StatusResult
	Session(id string) (crawler.Session, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Option customizes a Server.
type Option func(*Server)

// WithRuns mounts the run history endpoints backed by repo.
func WithRuns(repo store.SessionRunRepository) Option {
	return func(s *Server) {
		if repo != nil {
			s.runs = NewRunHandler(repo, s.logger.Named("runs"))
		}
	}
}

// WithEvents mounts h at GET /v1/events. h is expected to upgrade to a websocket.
func WithEvents(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithReadyCheck adds a named check consulted by /readyz.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	sessions SessionService
	runs     *RunHandler
	events   http.Handler
	checks   map[string]ReadyCheck
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sessions SessionService, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions: sessions,
		checks:   make(map[string]ReadyCheck),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Websocket upgrades cannot pass through http.TimeoutHandler.
		if s.events != nil {
			r.Get("/events", s.events.ServeHTTP)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.startSession)
				r.Get("/status", s.sessionStatus)
				r.Route("/{session_id}", func(r chi.Router) {
					r.Get("/", s.getSession)
					r.Post("/stop", s.stopSession)
				})
			})
			if s.runs != nil {
				r.Route("/runs", func(r chi.Router) {
					r.Get("/", s.runs.ListRuns)
					r.Get("/{session_id}", s.runs.GetRun)
					r.Get("/{session_id}/fragments", s.runs.ListFragments)
				})
			}
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req crawler.StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.logger.Error("start session failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start session")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "session_id": id})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Stop(id); err != nil {
		if errors.Is(err, crawler.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("stop session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "session_id": id})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.URL.Query().Get("origin_ref"))
	if origin == "" {
		writeError(w, http.StatusBadRequest, "origin_ref is required")
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Status(origin))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.sessions.Session(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(sess)})
}

type sessionDTO struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	OriginRef      string    `json:"origin_ref,omitempty"`
	State          string    `json:"state"`
	Active         bool      `json:"active"`
	Finalized      bool      `json:"finalized"`
	NextLocator    string    `json:"next_locator,omitempty"`
	CompletedCount int       `json:"completed_count"`
	TargetCount    int       `json:"target_count"`
	CreatedAt      time.Time `json:"created_at"`
}

func toSessionDTO(s crawler.Session) sessionDTO {
	return sessionDTO{
		ID:             s.ID,
		Title:          s.Title,
		OriginRef:      s.OriginRef,
		State:          string(s.State),
		Active:         s.Active,
		Finalized:      s.Finalized,
		NextLocator:    s.NextLocator,
		CompletedCount: s.CompletedCount,
		TargetCount:    s.TargetCount,
		CreatedAt:      s.CreatedAt,
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned by the request id middleware.
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
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
