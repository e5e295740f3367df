package crawler

import "errors"

// Session-level error kinds. Callers match them with errors.Is.
var (
	// ErrReadinessTimeout means the render target never stabilized within its bound.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrExtractionExhausted means every extraction attempt failed.
	ErrExtractionExhausted = errors.New("extraction attempts exhausted")
	// ErrUnknownSession means the referenced session id is missing or expired.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSinkWrite wraps failures reported by the artifact sink.
	ErrSinkWrite = errors.New("artifact sink write failed")
	// ErrNavigation wraps failures opening the next locator.
	ErrNavigation = errors.New("navigation failed")
	// ErrNoFragments rejects finalizing a session with nothing recorded.
	ErrNoFragments = errors.New("session has no fragments")
	// ErrAlreadyFinalized rejects a second finalize for the same session.
	ErrAlreadyFinalized = errors.New("session already finalized")
	// ErrSessionCanceled reports that the session was stopped before the step ran.
	ErrSessionCanceled = errors.New("session canceled")
	// ErrInvalidRequest rejects malformed start requests.
	ErrInvalidRequest = errors.New("invalid request")
)
