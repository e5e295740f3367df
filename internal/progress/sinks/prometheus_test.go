package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serialcrawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{SessionID: "a", TS: now, Stage: progress.StageSessionStart, Target: 2},
		{SessionID: "b", TS: now, Stage: progress.StageSessionStart, Target: 4},
		{SessionID: "a", TS: now, Stage: progress.StageFragment, Sequence: 2, Bytes: 1024, Dur: 2 * time.Second},
		{SessionID: "a", TS: now, Stage: progress.StageSessionDone, Dur: 15 * time.Second},
		{SessionID: "a", TS: now, Stage: progress.StageSessionDone, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.sessionsStarted), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.sessionsFinished.WithLabelValues("completed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.sessionsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fragments), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fragmentBytes), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fragmentStep, "progress_fragment_step_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: "b", TS: now, Stage: progress.StageSessionCanceled},
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.sessionsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.sessionsFinished.WithLabelValues("canceled")), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
