package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSessionStart))
	hub.Emit(sampleEvent(StageSessionStart))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSessionStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{},
		events:  make(chan Event),
		logger:  zap.NewNop(),
		dropLog: rateLimiter{interval: time.Hour},
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageSessionStart))
	hub.Emit(sampleEvent(StageSessionStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageSessionStart, TS: time.Now()})
	hub.Emit(Event{SessionID: "s-1", Stage: StageFragment, TS: time.Now()})
	hub.Emit(Event{SessionID: "s-1", Stage: "BOGUS", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.Closed())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageSessionStart))
	frag := sampleEvent(StageFragment)
	frag.Sequence = 1
	hub.Emit(frag)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 2)

	// Emit after close is a no-op, and Close is idempotent.
	hub.Emit(sampleEvent(StageSessionDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestStageTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StageSessionStart.Terminal())
	require.False(t, StageFragment.Terminal())
	require.True(t, StageSessionDone.Terminal())
	require.True(t, StageSessionError.Terminal())
	require.True(t, StageSessionCanceled.Terminal())
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl := rateLimiter{interval: time.Second}
	now := time.Unix(100, 0)
	require.True(t, rl.Allow(now))
	require.False(t, rl.Allow(now.Add(500*time.Millisecond)))
	require.True(t, rl.Allow(now.Add(2*time.Second)))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		SessionID: "s-1",
		TS:        time.Now(),
		Stage:     stage,
		Title:     "Serial",
	}
}
