package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// StoreSink persists run progress via a store.ProgressRepository. Request
// events are collapsed into one delta per (run, site) per batch.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run milestones and site deltas to the repository. Run
// starts are written before any site stats and completions after them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var done []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone:
			done = append(done, evt)
		default:
			s.recordSiteStats(stats, runID, evt)
		}
	}

	for key, delta := range stats {
		if delta.SiteDelta.IsZero() {
			continue
		}
		if err := s.repo.UpsertSiteStats(ctx, key.runID, key.site, delta.SiteDelta, delta.at); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}

	for _, evt := range done {
		status := store.RunDone
		var note *string
		if evt.Note != "" {
			status = store.RunError
			msg := evt.Note
			note = &msg
		}
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordSiteStats(stats map[statsKey]*statsDelta, runID uuid.UUID, evt progress.Event) {
	if evt.Site == "" {
		return
	}
	key := statsKey{runID: runID, site: evt.Site}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	switch evt.Stage {
	case progress.StageRequestStarted:
		stat.Requests++
	case progress.StageRequestSkipped:
		stat.Skipped++
	case progress.StageRequestDisallowed:
		stat.Disallowed++
	case progress.StageRequestRetried:
		stat.Retried++
	case progress.StageRequestFailed:
		stat.Failed++
	case progress.StageRequestFinished:
		switch evt.StatusClass {
		case progress.Status2xx:
			stat.Fetch2xx++
		case progress.Status3xx:
			stat.Fetch3xx++
		case progress.Status4xx:
			stat.Fetch4xx++
		case progress.Status5xx:
			stat.Fetch5xx++
		}
	default:
		return
	}
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID uuid.UUID
	site  string
}

type statsDelta struct {
	store.SiteDelta
	at time.Time
}
