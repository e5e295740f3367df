package crawler

import (
	"context"
	"io"
	"time"
)

// RenderTarget loads pages and exposes their rendered content. A handle names
// one loaded page (a browser tab, a fetched document) until Close is called.
type RenderTarget interface {
	Open(ctx context.Context, locator string) (string, error)
	ContentPresent(ctx context.Context, handle string) (bool, error)
	Extract(ctx context.Context, handle string) (Page, error)
	Close(ctx context.Context, handle string) error
}

// ArtifactSink writes the final merged payload and returns a URI.
type ArtifactSink interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier delivers completion and failure events to external observers.
type Notifier interface {
	Notify(ctx context.Context, evt Completion) error
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprints and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and handle IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
