package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	run := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: run, TS: now, Stage: progress.StageRunStart},
		{RunID: run, TS: now, Stage: progress.StageRequestStarted, Site: "example.com", URL: "https://example.com/"},
		{RunID: run, TS: now, Stage: progress.StageRequestFailed, Site: "example.com", URL: "https://example.com/x", Note: "timeout"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2, "debug traffic is filtered at info")
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, string(progress.StageRunStart), entries[0].ContextMap()["stage"])
	require.NotContains(t, entries[0].ContextMap(), "site")

	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "timeout", entries[1].ContextMap()["note"])
	require.Equal(t, "example.com", entries[1].ContextMap()["site"])
}

func TestLogSinkNilLogger(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunDone}}))
}
