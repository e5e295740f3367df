// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// State represents the orchestrator state a session currently occupies.
type State string

// Session states, in the order a healthy session walks through them.
const (
	StateStarting      State = "starting"
	StateNavigating    State = "navigating"
	StateAwaitingReady State = "awaiting_ready"
	StateExtracting    State = "extracting"
	StateRecording     State = "recording"
	StateContinuing    State = "continuing"
	StateFinalizing    State = "finalizing"
	StateTerminated    State = "terminated"
)

// Outcome describes how a terminated session ended.
type Outcome string

// Terminal outcomes reported through notifications and run history.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Page is the structured content extracted from one rendered page.
type Page struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	NextLocator string `json:"next_locator"`
}

// Fragment is one recorded page plus its sequence number.
type Fragment struct {
	Sequence int    `json:"sequence"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// Session is the unit of work: one end-to-end multi-page crawl.
type Session struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	SinkLocation   string     `json:"sink_location"`
	OriginRef      string     `json:"origin_ref,omitempty"`
	Active         bool       `json:"active"`
	NextLocator    string     `json:"next_locator,omitempty"`
	StartSequence  int        `json:"start_sequence"`
	CompletedCount int        `json:"completed_count"`
	TargetCount    int        `json:"target_count"`
	Fragments      []Fragment `json:"fragments,omitempty"`
	RenderHandle   string     `json:"render_handle,omitempty"`
	State          State      `json:"state"`
	Finalized      bool       `json:"finalized"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NextSequence returns the sequence number the next recorded fragment receives.
func (s Session) NextSequence() int {
	return s.StartSequence + s.CompletedCount
}

// Clone returns a deep copy so callers never share the fragment slice with the store.
func (s Session) Clone() Session {
	cp := s
	if s.Fragments != nil {
		cp.Fragments = make([]Fragment, len(s.Fragments))
		copy(cp.Fragments, s.Fragments)
	}
	return cp
}

// StartRequest carries everything the caller supplies to begin a session.
type StartRequest struct {
	Title               string `json:"title"`
	FirstFragmentTitle  string `json:"first_fragment_title"`
	FirstFragmentBody   string `json:"first_fragment_body"`
	NextLocator         string `json:"next_locator"`
	TargetFragmentCount int    `json:"target_fragment_count"`
	SinkLocation        string `json:"sink_location"`
	OriginRef           string `json:"origin_ref"`
}

// StatusResult answers whether a requesting context has a session in flight.
type StatusResult struct {
	IsDownloading bool   `json:"is_downloading"`
	SessionID     string `json:"session_id,omitempty"`
}

// Artifact describes the single payload written for a finalized session.
type Artifact struct {
	Path      string `json:"path"`
	URI       string `json:"uri"`
	Bytes     int    `json:"bytes"`
	Hash      string `json:"hash"`
	Fragments int    `json:"fragments"`
}

// Completion is the event delivered to observers when a session terminates.
type Completion struct {
	SessionID       string    `json:"session_id"`
	OriginRef       string    `json:"origin_ref,omitempty"`
	Title           string    `json:"title"`
	DestinationPath string    `json:"destination_path"`
	ArtifactURI     string    `json:"artifact_uri,omitempty"`
	Fragments       int       `json:"fragments"`
	Status          Outcome   `json:"status"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Attributes returns transport metadata for message brokers.
func (c Completion) Attributes() map[string]string {
	attrs := map[string]string{
		"session_id": c.SessionID,
		"status":     string(c.Status),
	}
	if c.OriginRef != "" {
		attrs["origin_ref"] = c.OriginRef
	}
	return attrs
}
