package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// LogSink writes progress events to a zap logger. Run milestones log at info,
// failures at warn, and per-request traffic at debug so a production logger
// only shows the outline of a run.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger. A nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageMaxRequest:
		return zapcore.InfoLevel
	case progress.StageRequestFailed, progress.StageRobotsFailed,
		progress.StageSitemapFailed, progress.StageDisconnected:
		return zapcore.WarnLevel
	default:
		return zapcore.DebugLevel
	}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Stage), "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.Stringer("run_id", uuid.UUID(evt.RunID)),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("url", evt.URL), zap.Int("depth", evt.Depth))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink. The logger belongs to the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}
