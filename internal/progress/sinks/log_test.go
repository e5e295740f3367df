package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/serialcrawler/internal/progress"
)

func TestLogSinkWritesStageFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: "s-1", TS: now, Stage: progress.StageSessionStart, Title: "Serial", Target: 3},
		{SessionID: "s-1", TS: now, Stage: progress.StageFragment, Sequence: 2, Bytes: 40},
		{SessionID: "s-1", TS: now, Stage: progress.StageSessionError, Note: "readiness timeout"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "Serial", entries[0].ContextMap()["title"])
	require.EqualValues(t, 2, entries[1].ContextMap()["sequence"])
	require.Equal(t, "readiness timeout", entries[2].ContextMap()["note"])
}
