package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart    Stage = "SESSION_START"
	StageFragment        Stage = "FRAGMENT_RECORDED"
	StageSessionDone     Stage = "SESSION_DONE"
	StageSessionError    Stage = "SESSION_ERROR"
	StageSessionCanceled Stage = "SESSION_CANCELED"
)

// Terminal reports whether the stage ends a session.
func (s Stage) Terminal() bool {
	return s == StageSessionDone || s == StageSessionError || s == StageSessionCanceled
}

// Event captures a single session milestone.
type Event struct {
	// SessionID identifies the crawl session.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Title and OriginRef are set on SESSION_START.
	Title     string
	OriginRef string
	// Target is the requested fragment count (SESSION_START).
	Target int
	// URL is the locator of the page a fragment came from.
	URL string
	// Sequence is the fragment's position (FRAGMENT_RECORDED).
	Sequence int
	// Bytes is the fragment body size, or artifact size on SESSION_DONE.
	Bytes int64
	// Dur is the step latency for fragments and total runtime for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as the failure reason or artifact URI.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError, StageSessionCanceled:
	case StageFragment:
		if e.Sequence <= 0 {
			return errors.New("fragment event requires a positive sequence")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
