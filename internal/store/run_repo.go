package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the session_runs status column.
type RunStatus string

// Run statuses persisted in session_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

// SessionRun models one row of session_runs.
type SessionRun struct {
	SessionID   string
	Title       string
	OriginRef   string
	TargetCount int
	// Fragments counts FRAGMENT_RECORDED events persisted so far.
	Fragments  int
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// Note holds the artifact URI on success or the failure reason otherwise.
	Note *string
}

// FragmentRecord models one row of session_fragments.
type FragmentRecord struct {
	SessionID  string
	Sequence   int
	Locator    string
	Bytes      int64
	Duration   time.Duration
	RecordedAt time.Time
}

// RunStart carries the columns written when a session begins.
type RunStart struct {
	SessionID   string
	Title       string
	OriginRef   string
	TargetCount int
	StartedAt   time.Time
}

// SessionRunRepository persists session lifecycle history.
type SessionRunRepository interface {
	// UpsertRunStart inserts (or idempotently refreshes) a running row.
	UpsertRunStart(ctx context.Context, start RunStart) error
	// RecordFragment appends a fragment row and bumps the run's fragment count.
	RecordFragment(ctx context.Context, rec FragmentRecord) error
	// CompleteRun marks the run finished with the provided status and note.
	CompleteRun(ctx context.Context, sessionID string, finishedAt time.Time, status RunStatus, note *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, sessionID string) (SessionRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]SessionRun, error)
	// ListFragments returns the fragment rows for one run ordered by sequence.
	ListFragments(ctx context.Context, sessionID string, limit, offset int) ([]FragmentRecord, error)
}
