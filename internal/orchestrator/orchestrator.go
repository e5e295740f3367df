// Package orchestrator drives crawl sessions: navigate, wait for the page to
// settle, extract, record, and either continue to the next page or finalize
// the collected fragments into one artifact.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/logging"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
	"github.com/JakeFAU/serialcrawler/internal/progress"
	"github.com/JakeFAU/serialcrawler/internal/session"
	"github.com/JakeFAU/serialcrawler/internal/telemetry"
)

const (
	defaultDeleteGrace     = time.Second
	defaultFinalizeTimeout = time.Minute
	defaultNotifyTimeout   = 10 * time.Second
)

// ErrClosed rejects Start after Close.
var ErrClosed = errors.New("orchestrator closed")

// Config tunes session lifecycle behavior.
type Config struct {
	// DeleteGrace delays removal of terminated or stopped sessions.
	DeleteGrace time.Duration
	// FlushPartialOnFailure finalizes the fragments collected so far when a
	// step fails. The session still reports a failed outcome.
	FlushPartialOnFailure bool
	FinalizeTimeout       time.Duration
	NotifyTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeleteGrace <= 0 {
		c.DeleteGrace = defaultDeleteGrace
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = defaultFinalizeTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
	return c
}

// ReadinessWaiter blocks until a rendered page is stable.
type ReadinessWaiter interface {
	WaitUntilReady(ctx context.Context, handle string) bool
}

// Extractor pulls page content with its own retry policy.
type Extractor interface {
	Extract(ctx context.Context, handle string) (crawler.Page, error)
}

// Finalizer writes the merged artifact for a session.
type Finalizer interface {
	Finalize(ctx context.Context, s crawler.Session) (crawler.Artifact, error)
	DestinationPath(s crawler.Session) string
}

// Deps are the collaborators an Orchestrator drives. Store, Target, Readiness,
// Extractor and Finalizer are required.
type Deps struct {
	Store     *session.Store
	Target    crawler.RenderTarget
	Readiness ReadinessWaiter
	Extractor Extractor
	Finalizer Finalizer
	Notifier  crawler.Notifier
	Progress  progress.Emitter
	Clock     crawler.Clock
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Orchestrator runs every session in its own goroutine. Sessions share
// nothing except the Store.
type Orchestrator struct {
	cfg  Config
	deps Deps

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New validates deps and returns an idle Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case deps.Target == nil:
		return nil, fmt.Errorf("render target is required")
	case deps.Readiness == nil:
		return nil, fmt.Errorf("readiness poller is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Finalizer == nil:
		return nil, fmt.Errorf("finalizer is required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("orchestrator")
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Start records the caller's first fragment as sequence 1, launches the crawl
// loop and returns the new session id without waiting for it.
func (o *Orchestrator) Start(ctx context.Context, req crawler.StartRequest) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if err := validate(req); err != nil {
		return "", err
	}
	init := crawler.Session{
		Title:          strings.TrimSpace(req.Title),
		SinkLocation:   req.SinkLocation,
		OriginRef:      req.OriginRef,
		NextLocator:    strings.TrimSpace(req.NextLocator),
		StartSequence:  1,
		CompletedCount: 1,
		TargetCount:    req.TargetFragmentCount,
		Fragments: []crawler.Fragment{{
			Sequence: 1,
			Title:    req.FirstFragmentTitle,
			Body:     req.FirstFragmentBody,
		}},
		State: crawler.StateStarting,
	}
	id, err := o.deps.Store.Create(init)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	now := o.deps.Clock.Now()
	o.deps.Progress.Emit(progress.Event{
		SessionID: id,
		TS:        now,
		Stage:     progress.StageSessionStart,
		Title:     init.Title,
		OriginRef: init.OriginRef,
		Target:    init.TargetCount,
		Bytes:     int64(len(req.FirstFragmentBody)),
	})
	metrics.IncActiveSessions()
	o.deps.Logger.Info("session started",
		zap.String("session_id", id),
		zap.String("title", init.Title),
		zap.Int("target", init.TargetCount),
		zap.String("origin_ref", init.OriginRef),
	)

	link := trace.LinkFromContext(ctx)
	go o.run(runCtx, id, now, link)
	return id, nil
}

// Stop clears the session's active flag, cancels its in-flight wait and
// schedules deletion. Unknown ids return crawler.ErrUnknownSession and change
// nothing.
func (o *Orchestrator) Stop(id string) error {
	if err := o.deps.Store.Cancel(id); err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.deps.Store.ScheduleDelete(id, o.cfg.DeleteGrace)
	o.deps.Logger.Info("session stop requested", zap.String("session_id", id))
	return nil
}

// Status reports whether originRef has an active session.
func (o *Orchestrator) Status(originRef string) crawler.StatusResult {
	id, ok := o.deps.Store.FindActiveByOrigin(originRef)
	if !ok {
		return crawler.StatusResult{}
	}
	return crawler.StatusResult{IsDownloading: true, SessionID: id}
}

// Session returns a snapshot of one session.
func (o *Orchestrator) Session(id string) (crawler.Session, error) {
	s, ok := o.deps.Store.Get(id)
	if !ok {
		return crawler.Session{}, fmt.Errorf("%w: %s", crawler.ErrUnknownSession, id)
	}
	return s, nil
}

// Sessions lists live sessions.
func (o *Orchestrator) Sessions() []crawler.Session {
	return o.deps.Store.List()
}

// Running reports how many session goroutines are in flight.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Close rejects new sessions, cancels the running ones and waits for their
// goroutines until ctx expires.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Store(true)
	o.baseCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func validate(req crawler.StartRequest) error {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return fmt.Errorf("%w: title is required", crawler.ErrInvalidRequest)
	case req.TargetFragmentCount < 1:
		return fmt.Errorf("%w: target_fragment_count must be >= 1", crawler.ErrInvalidRequest)
	case req.FirstFragmentTitle == "" && req.FirstFragmentBody == "":
		return fmt.Errorf("%w: first fragment is empty", crawler.ErrInvalidRequest)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, id string, started time.Time, link trace.Link) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		cancel := o.cancels[id]
		delete(o.cancels, id)
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()
	defer metrics.DecActiveSessions()

	snap, ok := o.deps.Store.Get(id)
	if !ok {
		return
	}
	logger := logging.ForSession(o.deps.Logger, id, snap.OriginRef)
	ctx, span := o.deps.Tracer.Start(ctx, "session",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.Int("session.target", snap.TargetCount),
		),
	)
	defer span.End()

	r := &runner{o: o, id: id, logger: logger}
	res := r.drive(ctx, snap)
	if res.err != nil && res.outcome == crawler.OutcomeFailed {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	span.SetAttributes(attribute.String("session.outcome", string(res.outcome)))
	r.terminate(ctx, res, started)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
