package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	idgen "github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// ProgressHandler serves the read-only run history recorded by the progress
// store sink.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger. A nil repo makes every
// endpoint answer 503.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: progressTimeout, logger: logger}
}

// badRequest marks client input errors so serve can answer 400.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// serve runs fn with a bounded context and maps its error to a status code.
func (h *ProgressHandler) serve(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, r *http.Request) (any, error),
) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body, err := fn(ctx, r)
	var bad badRequest
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, bad.msg)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list runs", func(ctx context.Context, r *http.Request) (any, error) {
		q := r.URL.Query()
		pg, err := parsePage(q, defaultRunLimit, maxRunLimit)
		if err != nil {
			return nil, err
		}
		var status *store.RunStatus
		if raw := strings.TrimSpace(q.Get("status")); raw != "" {
			s, err := parseStatus(raw)
			if err != nil {
				return nil, err
			}
			status = &s
		}
		runs, err := h.repo.ListRuns(ctx, status, pg.limit, pg.offset)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out := make([]runDTO, 0, len(runs))
		for _, run := range runs {
			out = append(out, newRunDTO(run))
		}
		return map[string]any{"runs": out, "limit": pg.limit, "offset": pg.offset}, nil
	})
}

// GetRun handles GET /v1/runs/{run_id}.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "get run", func(ctx context.Context, r *http.Request) (any, error) {
		id, err := runIDParam(r)
		if err != nil {
			return nil, err
		}
		run, err := h.repo.GetRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get run %s: %w", id, err)
		}
		return map[string]any{"run": newRunDTO(run)}, nil
	})
}

// ListRunSites handles GET /v1/runs/{run_id}/sites?limit=&offset=.
func (h *ProgressHandler) ListRunSites(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list run sites", func(ctx context.Context, r *http.Request) (any, error) {
		id, err := runIDParam(r)
		if err != nil {
			return nil, err
		}
		pg, err := parsePage(r.URL.Query(), defaultSitesLimit, maxSitesLimit)
		if err != nil {
			return nil, err
		}
		sites, err := h.repo.ListRunSites(ctx, id, pg.limit, pg.offset)
		if err != nil {
			return nil, fmt.Errorf("list sites of %s: %w", id, err)
		}
		out := make([]siteDTO, 0, len(sites))
		for _, s := range sites {
			out = append(out, siteDTO(s))
		}
		return map[string]any{"sites": out, "limit": pg.limit, "offset": pg.offset}, nil
	})
}

func runIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.Nil, badRequest{"run_id is required"}
	}
	id, err := idgen.ParseRunID(raw)
	if err != nil {
		return uuid.Nil, badRequest{"invalid run_id"}
	}
	return id, nil
}

type page struct{ limit, offset int }

// parsePage reads limit and offset. Limits above ceiling are clamped.
func parsePage(q url.Values, def, ceiling int) (page, error) {
	pg := page{limit: def}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page{}, badRequest{"invalid limit"}
		}
		pg.limit = min(n, ceiling)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, badRequest{"invalid offset"}
		}
		pg.offset = n
	}
	return pg, nil
}

func parseStatus(raw string) (store.RunStatus, error) {
	switch strings.ToLower(raw) {
	case "running":
		return store.RunRunning, nil
	case "done", "success":
		return store.RunDone, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	}
	return "", badRequest{"invalid status"}
}

type runDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

func newRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

// siteDTO mirrors store.SiteStats field for field so it can be converted
// directly.
type siteDTO struct {
	RunID      uuid.UUID `json:"-"`
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Requests   int64     `json:"requests"`
	Skipped    int64     `json:"skipped"`
	Disallowed int64     `json:"disallowed"`
	Retried    int64     `json:"retried"`
	Failed     int64     `json:"failed"`
	Fetch2xx   int64     `json:"fetch_2xx"`
	Fetch3xx   int64     `json:"fetch_3xx"`
	Fetch4xx   int64     `json:"fetch_4xx"`
	Fetch5xx   int64     `json:"fetch_5xx"`
}
