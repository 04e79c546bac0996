package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

type progressPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// ProgressStore implements store.ProgressRepository on the crawl_runs and
// crawl_site_stats tables.
type ProgressStore struct {
	pool progressPool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore creates a ProgressStore with its own connection pool.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(p progressPool) *ProgressStore {
	return &ProgressStore{pool: p}
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the progress tables when they are missing.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawl_runs (
			id UUID PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_site_stats (
			run_id UUID NOT NULL REFERENCES crawl_runs(id) ON DELETE CASCADE,
			site TEXT NOT NULL,
			last_update TIMESTAMPTZ NOT NULL,
			requests BIGINT NOT NULL DEFAULT 0,
			skipped BIGINT NOT NULL DEFAULT 0,
			disallowed BIGINT NOT NULL DEFAULT 0,
			retried BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			fetch_2xx BIGINT NOT NULL DEFAULT 0,
			fetch_3xx BIGINT NOT NULL DEFAULT 0,
			fetch_4xx BIGINT NOT NULL DEFAULT 0,
			fetch_5xx BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, site)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create progress schema: %w", err)
		}
	}
	return nil
}

// UpsertRunStart inserts a running row for runID unless one exists.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertSiteStats adds delta to the (run, site) counters in one statement.
func (s *ProgressStore) UpsertSiteStats(
	ctx context.Context,
	runID uuid.UUID,
	site string,
	delta store.SiteDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO crawl_site_stats (run_id, site, last_update, requests, skipped, disallowed,
			retried, failed, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, site) DO UPDATE SET
			last_update = GREATEST(crawl_site_stats.last_update, EXCLUDED.last_update),
			requests = crawl_site_stats.requests + EXCLUDED.requests,
			skipped = crawl_site_stats.skipped + EXCLUDED.skipped,
			disallowed = crawl_site_stats.disallowed + EXCLUDED.disallowed,
			retried = crawl_site_stats.retried + EXCLUDED.retried,
			failed = crawl_site_stats.failed + EXCLUDED.failed,
			fetch_2xx = crawl_site_stats.fetch_2xx + EXCLUDED.fetch_2xx,
			fetch_3xx = crawl_site_stats.fetch_3xx + EXCLUDED.fetch_3xx,
			fetch_4xx = crawl_site_stats.fetch_4xx + EXCLUDED.fetch_4xx,
			fetch_5xx = crawl_site_stats.fetch_5xx + EXCLUDED.fetch_5xx;
	`
	_, err := s.pool.Exec(ctx, query,
		runID, site, at,
		delta.Requests, delta.Skipped, delta.Disallowed, delta.Retried, delta.Failed,
		delta.Fetch2xx, delta.Fetch3xx, delta.Fetch4xx, delta.Fetch5xx,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListRunSites retrieves aggregated site statistics for a run.
func (s *ProgressStore) ListRunSites(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SiteStats, error) {
	query := `
		SELECT run_id, site, last_update, requests, skipped, disallowed, retried, failed,
			fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
		FROM crawl_site_stats
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()

	var stats []store.SiteStats
	for rows.Next() {
		var stat store.SiteStats
		err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Requests,
			&stat.Skipped,
			&stat.Disallowed,
			&stat.Retried,
			&stat.Failed,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	return stats, nil
}
