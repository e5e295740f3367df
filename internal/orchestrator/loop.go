package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
	"github.com/JakeFAU/serialcrawler/internal/progress"
)

// result is what one session run ended with.
type result struct {
	outcome  crawler.Outcome
	artifact crawler.Artifact
	err      error
}

// runner carries the per-session state of one run goroutine.
type runner struct {
	o      *Orchestrator
	id     string
	logger *zap.Logger
}

// drive walks the state machine until the session terminates.
func (r *runner) drive(ctx context.Context, snap crawler.Session) result {
	remaining := snap.TargetCount - 1
	next := snap.NextLocator

	for remaining > 0 && next != "" {
		page, err := r.step(ctx, next)
		if err != nil {
			if r.canceled(ctx, err) {
				return result{outcome: crawler.OutcomeCanceled, err: err}
			}
			return r.fail(ctx, err)
		}
		if remaining > 1 && page.NextLocator != "" {
			remaining--
			next = page.NextLocator
			if err := r.transition(crawler.StateContinuing); err != nil {
				return result{outcome: crawler.OutcomeCanceled, err: err}
			}
			continue
		}
		if page.NextLocator == "" && remaining > 1 {
			r.logger.Info("no further pages, finalizing early", zap.Int("unreached", remaining-1))
		}
		break
	}
	return r.finalize(ctx)
}

// step performs Navigating, AwaitingReady, Extracting and Recording for one page.
func (r *runner) step(ctx context.Context, locator string) (crawler.Page, error) {
	stepStart := time.Now()
	ctx, span := r.o.deps.Tracer.Start(ctx, "session.step")
	defer span.End()
	span.SetAttributes(attribute.String("page.url", locator))

	if err := r.transition(crawler.StateNavigating); err != nil {
		return crawler.Page{}, err
	}
	handle, err := r.o.deps.Target.Open(ctx, locator)
	if err != nil {
		span.SetStatus(codes.Error, "navigation failed")
		if !errors.Is(err, crawler.ErrNavigation) {
			err = fmt.Errorf("%w: %w", crawler.ErrNavigation, err)
		}
		return crawler.Page{}, fmt.Errorf("open %s: %w", locator, err)
	}
	defer r.closeHandle(ctx, handle)
	if err := r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		s.RenderHandle = handle
		return nil
	}); err != nil {
		return crawler.Page{}, err
	}

	if err := r.transition(crawler.StateAwaitingReady); err != nil {
		return crawler.Page{}, err
	}
	if !r.o.deps.Readiness.WaitUntilReady(ctx, handle) {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("%w: %w", crawler.ErrSessionCanceled, ctx.Err())
		}
		span.SetStatus(codes.Error, "readiness timeout")
		return crawler.Page{}, fmt.Errorf("%w: %s", crawler.ErrReadinessTimeout, locator)
	}

	if err := r.transition(crawler.StateExtracting); err != nil {
		return crawler.Page{}, err
	}
	page, err := r.o.deps.Extractor.Extract(ctx, handle)
	if err != nil {
		span.SetStatus(codes.Error, "extraction failed")
		return crawler.Page{}, err
	}

	var seq int
	err = r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		if !s.Active {
			return crawler.ErrSessionCanceled
		}
		seq = s.NextSequence()
		s.Fragments = append(s.Fragments, crawler.Fragment{Sequence: seq, Title: page.Title, Body: page.Body})
		s.CompletedCount++
		s.NextLocator = page.NextLocator
		s.State = crawler.StateRecording
		return nil
	})
	if err != nil {
		return crawler.Page{}, err
	}

	metrics.ObserveFragment()
	dur := time.Since(stepStart)
	r.o.deps.Progress.Emit(progress.Event{
		SessionID: r.id,
		TS:        r.o.deps.Clock.Now(),
		Stage:     progress.StageFragment,
		URL:       locator,
		Sequence:  seq,
		Bytes:     int64(len(page.Body)),
		Dur:       dur,
	})
	span.SetAttributes(attribute.Int("fragment.sequence", seq))
	r.logger.Debug("fragment recorded",
		zap.Int("sequence", seq),
		zap.String("url", locator),
		zap.Duration("dur", dur),
	)
	return page, nil
}

// transition moves the session to state, refusing when it is no longer active.
func (r *runner) transition(state crawler.State) error {
	return r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		if !s.Active {
			return crawler.ErrSessionCanceled
		}
		s.State = state
		return nil
	})
}

func (r *runner) closeHandle(ctx context.Context, handle string) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.o.deps.Target.Close(closeCtx, handle); err != nil {
		r.logger.Warn("close render handle failed", zap.String("handle", handle), zap.Error(err))
	}
	_ = r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		if s.RenderHandle == handle {
			s.RenderHandle = ""
		}
		return nil
	})
}

// canceled reports whether err stems from a stop rather than a real failure.
func (r *runner) canceled(ctx context.Context, err error) bool {
	if errors.Is(err, crawler.ErrSessionCanceled) || errors.Is(err, crawler.ErrUnknownSession) {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	s, ok := r.o.deps.Store.Get(r.id)
	return !ok || !s.Active
}

func (r *runner) fail(ctx context.Context, cause error) result {
	if !r.o.cfg.FlushPartialOnFailure {
		return result{outcome: crawler.OutcomeFailed, err: cause}
	}
	flushed := r.finalize(ctx)
	if flushed.outcome != crawler.OutcomeCompleted {
		return result{outcome: flushed.outcome, err: errors.Join(cause, flushed.err)}
	}
	r.logger.Info("partial artifact flushed after failure", zap.String("uri", flushed.artifact.URI))
	return result{outcome: crawler.OutcomeFailed, artifact: flushed.artifact, err: cause}
}

// finalize takes the one-shot Finalizing transition and writes the artifact.
// The write is not interrupted by a later Stop.
func (r *runner) finalize(ctx context.Context) result {
	var snap crawler.Session
	err := r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		if !s.Active {
			return crawler.ErrSessionCanceled
		}
		if s.Finalized {
			return crawler.ErrAlreadyFinalized
		}
		s.Finalized = true
		s.State = crawler.StateFinalizing
		snap = s.Clone()
		return nil
	})
	switch {
	case errors.Is(err, crawler.ErrAlreadyFinalized):
		return result{outcome: crawler.OutcomeFailed, err: err}
	case err != nil:
		return result{outcome: crawler.OutcomeCanceled, err: err}
	}

	ctx, span := r.o.deps.Tracer.Start(ctx, "session.finalize")
	defer span.End()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.FinalizeTimeout)
	defer cancel()
	artifact, err := r.o.deps.Finalizer.Finalize(writeCtx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return result{outcome: crawler.OutcomeFailed, err: err}
	}
	span.SetAttributes(attribute.String("artifact.uri", artifact.URI), attribute.Int("artifact.bytes", artifact.Bytes))
	return result{outcome: crawler.OutcomeCompleted, artifact: artifact}
}

// terminate marks the session inactive, reports the outcome and schedules
// removal after the grace window.
func (r *runner) terminate(ctx context.Context, res result, started time.Time) {
	var snap crawler.Session
	updErr := r.o.deps.Store.Update(r.id, func(s *crawler.Session) error {
		s.Active = false
		s.State = crawler.StateTerminated
		s.RenderHandle = ""
		snap = s.Clone()
		return nil
	})
	if updErr != nil {
		// Deleted by an earlier Stop; nothing left to report on.
		r.logger.Debug("session gone before termination", zap.Error(updErr))
	}
	now := r.o.deps.Clock.Now()

	if res.outcome != crawler.OutcomeCanceled && updErr == nil {
		r.notify(ctx, res, snap, now)
	}

	evt := progress.Event{
		SessionID: r.id,
		TS:        now,
		Dur:       nonNegative(now.Sub(started)),
		Bytes:     int64(res.artifact.Bytes),
	}
	switch res.outcome {
	case crawler.OutcomeCompleted:
		evt.Stage = progress.StageSessionDone
		evt.Note = res.artifact.URI
	case crawler.OutcomeCanceled:
		evt.Stage = progress.StageSessionCanceled
	default:
		evt.Stage = progress.StageSessionError
		if res.err != nil {
			evt.Note = res.err.Error()
		}
	}
	r.o.deps.Progress.Emit(evt)
	metrics.ObserveSession(string(res.outcome))
	r.o.deps.Store.ScheduleDelete(r.id, r.o.cfg.DeleteGrace)

	fields := []zap.Field{
		zap.String("outcome", string(res.outcome)),
		zap.Int("fragments", len(snap.Fragments)),
		zap.Duration("elapsed", evt.Dur),
	}
	switch res.outcome {
	case crawler.OutcomeFailed:
		r.logger.Warn("session failed", append(fields, zap.Error(res.err))...)
	default:
		r.logger.Info("session terminated", fields...)
	}
}

func (r *runner) notify(ctx context.Context, res result, snap crawler.Session, at time.Time) {
	if r.o.deps.Notifier == nil {
		return
	}
	evt := crawler.Completion{
		SessionID:       r.id,
		OriginRef:       snap.OriginRef,
		Title:           snap.Title,
		DestinationPath: r.o.deps.Finalizer.DestinationPath(snap),
		ArtifactURI:     res.artifact.URI,
		Fragments:       len(snap.Fragments),
		Status:          res.outcome,
		At:              at,
	}
	if res.err != nil {
		evt.Error = res.err.Error()
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.NotifyTimeout)
	defer cancel()
	if err := r.o.deps.Notifier.Notify(notifyCtx, evt); err != nil {
		r.logger.Warn("completion notification failed", zap.Error(err))
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
