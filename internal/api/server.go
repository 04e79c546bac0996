package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/scheduler"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxQueueBody          = 1 << 20
)

// Controller is the part of a running crawl the API can drive.
type Controller interface {
	EnqueueJSON(ctx context.Context, raw []byte) error
	Pause()
	Resume()
	IsPaused() bool
	SetMaxRequest(n int)
	MaxRequest() int
	QueueSize(ctx context.Context) (int, error)
	PendingCount() int
	RequestedCount() int
	ClearCache(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every request as X-API-Key or ?api_key=.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the crawl controller and progress store.
type Server struct {
	router   chi.Router
	ctrl     Controller
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil when no progress store is configured.
func NewServer(ctrl Controller, progress *ProgressHandler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if progress == nil {
		progress = NewProgressHandler(nil, logger)
	}
	s := &Server{
		ctrl:     ctrl,
		progress: progress,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/queue", s.enqueue)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Put("/max-request", s.setMaxRequest)
		r.Delete("/cache", s.clearCache)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.progress.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.progress.GetRun)
				r.Get("/sites", s.progress.ListRunSites)
			})
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

type statusDTO struct {
	QueueSize  int  `json:"queue_size"`
	Pending    int  `json:"pending"`
	Requested  int  `json:"requested"`
	MaxRequest int  `json:"max_request"`
	Paused     bool `json:"paused"`
}

func (s *Server) currentStatus(ctx context.Context) (statusDTO, error) {
	size, err := s.ctrl.QueueSize(ctx)
	if err != nil {
		return statusDTO{}, fmt.Errorf("queue size: %w", err)
	}
	return statusDTO{
		QueueSize:  size,
		Pending:    s.ctrl.PendingCount(),
		Requested:  s.ctrl.RequestedCount(),
		MaxRequest: s.ctrl.MaxRequest(),
		Paused:     s.ctrl.IsPaused(),
	}, nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.currentStatus(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// enqueue accepts a request object, a URL string, or an array of either.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueueBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.ctrl.EnqueueJSON(r.Context(), body); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrQueueClosed):
			writeError(w, http.StatusConflict, "crawler is closed")
		case storage.IsStorageError(err):
			s.logger.Error("enqueue failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to queue request")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	st, err := s.currentStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type maxRequestBody struct {
	MaxRequest *int `json:"max_request"`
}

func (s *Server) setMaxRequest(w http.ResponseWriter, r *http.Request) {
	var req maxRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxRequest == nil {
		writeError(w, http.StatusBadRequest, "max_request required")
		return
	}
	if *req.MaxRequest < 0 {
		writeError(w, http.StatusBadRequest, "max_request must be >= 0")
		return
	}
	s.ctrl.SetMaxRequest(*req.MaxRequest)
	writeJSON(w, http.StatusOK, map[string]int{"max_request": s.ctrl.MaxRequest()})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClearCache(r.Context()); err != nil {
		s.logger.Error("clear cache failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
