package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// Run models one crawl run for API responses.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run completes.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// SiteStats aggregates request outcomes per host for one run.
type SiteStats struct {
	RunID uuid.UUID
	// Site is the normalized host label (e.g., example.com).
	Site       string
	LastUpdate time.Time
	Requests   int64
	Skipped    int64
	Disallowed int64
	Retried    int64
	Failed     int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// SiteDelta is an additive change to a SiteStats row.
type SiteDelta struct {
	Requests   int64
	Skipped    int64
	Disallowed int64
	Retried    int64
	Failed     int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// IsZero reports whether applying d would change nothing.
func (d SiteDelta) IsZero() bool {
	return d == SiteDelta{}
}

// ProgressRepository persists incremental run progress.
type ProgressRepository interface {
	// UpsertRunStart inserts the run or leaves an existing one untouched.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSiteStats adds delta to the (run, site) row, creating it if needed.
	UpsertSiteStats(ctx context.Context, runID uuid.UUID, site string, delta SiteDelta, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSites returns aggregated site stats for one run.
	ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
