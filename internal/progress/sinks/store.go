package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/progress"
	"github.com/JakeFAU/serialcrawler/internal/store"
)

// StoreSink persists session history via a store.SessionRunRepository. Events
// are applied in batch order so a run row always exists before its fragments.
type StoreSink struct {
	repo   store.SessionRunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards each event to the repository. It stops at the first
// repository error and returns it wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageSessionStart:
		if err := s.repo.UpsertRunStart(ctx, store.RunStart{
			SessionID:   evt.SessionID,
			Title:       evt.Title,
			OriginRef:   evt.OriginRef,
			TargetCount: evt.Target,
			StartedAt:   evt.TS,
		}); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageFragment:
		if err := s.repo.RecordFragment(ctx, store.FragmentRecord{
			SessionID:  evt.SessionID,
			Sequence:   evt.Sequence,
			Locator:    evt.URL,
			Bytes:      evt.Bytes,
			Duration:   evt.Dur,
			RecordedAt: evt.TS,
		}); err != nil {
			return fmt.Errorf("record fragment: %w", err)
		}
	case progress.StageSessionDone, progress.StageSessionError, progress.StageSessionCanceled:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		err := s.repo.CompleteRun(ctx, evt.SessionID, evt.TS, runStatus(evt.Stage), note)
		if errors.Is(err, store.ErrNotFound) {
			// The start row was lost (e.g. a failed earlier batch); nothing to close.
			s.logger.Warn("completing unknown run", zap.String("session_id", evt.SessionID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageSessionDone:
		return store.RunCompleted
	case progress.StageSessionCanceled:
		return store.RunCanceled
	default:
		return store.RunFailed
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
