package crawler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

var progressStages = map[EventKind]progress.Stage{
	EventRequestStarted:       progress.StageRequestStarted,
	EventRequestSkipped:       progress.StageRequestSkipped,
	EventRequestDisallowed:    progress.StageRequestDisallowed,
	EventRequestFinished:      progress.StageRequestFinished,
	EventRequestRetried:       progress.StageRequestRetried,
	EventRequestFailed:        progress.StageRequestFailed,
	EventRobotsTxtFetchFailed: progress.StageRobotsFailed,
	EventSitemapFetchFailed:   progress.StageSitemapFailed,
	EventMaxDepthReached:      progress.StageMaxDepth,
	EventMaxRequestReached:    progress.StageMaxRequest,
	EventDisconnected:         progress.StageDisconnected,
}

// ProgressSubscriber forwards lifecycle events to a progress emitter under one
// run ID.
type ProgressSubscriber struct {
	runID   [16]byte
	emitter progress.Emitter
}

var _ Subscriber = (*ProgressSubscriber)(nil)

// NewProgressSubscriber bridges crawler events for runID into emitter.
func NewProgressSubscriber(runID uuid.UUID, emitter progress.Emitter) *ProgressSubscriber {
	return &ProgressSubscriber{runID: progress.UUIDToBytes(runID), emitter: emitter}
}

// HandleEvent implements Subscriber.
func (p *ProgressSubscriber) HandleEvent(_ context.Context, evt Event) {
	stage, ok := progressStages[evt.Kind]
	if !ok || p.emitter == nil {
		return
	}
	out := progress.Event{
		RunID: p.runID,
		TS:    evt.Time.UTC(),
		Stage: stage,
		Depth: evt.Depth,
	}
	if evt.Options.URL != "" {
		out.Site = metrics.SanitizeSite(evt.Options.URL)
		out.URL = evt.Options.URL
	}
	if evt.Kind == EventRequestFinished {
		out.StatusClass = progress.ClassifyStatus(evt.Status)
	}
	if evt.Err != nil {
		out.Note = evt.Err.Err.Error()
	}
	p.emitter.Emit(out)
}

// RunStarted reports the start of the run.
func (p *ProgressSubscriber) RunStarted(at time.Time) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(progress.Event{RunID: p.runID, TS: at.UTC(), Stage: progress.StageRunStart})
}

// RunDone reports the end of the run; a non-nil err marks it failed.
func (p *ProgressSubscriber) RunDone(at time.Time, err error) {
	if p.emitter == nil {
		return
	}
	evt := progress.Event{RunID: p.runID, TS: at.UTC(), Stage: progress.StageRunDone}
	if err != nil {
		evt.Note = err.Error()
	}
	p.emitter.Emit(evt)
}
