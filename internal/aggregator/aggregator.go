// Package aggregator merges a session's fragments into one artifact and writes
// it to the artifact sink exactly once.
package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
)

const (
	defaultContentType = "text/plain; charset=utf-8"
	defaultExtension   = ".txt"
)

// Config controls artifact naming.
type Config struct {
	ContentType string
	Extension   string
}

// Aggregator assembles and persists artifacts.
type Aggregator struct {
	sink   crawler.ArtifactSink
	hasher crawler.Hasher
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	finalized map[string]struct{}
}

// New builds an Aggregator.
func New(sink crawler.ArtifactSink, hasher crawler.Hasher, cfg Config, logger *zap.Logger) (*Aggregator, error) {
	if sink == nil {
		return nil, fmt.Errorf("artifact sink is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if cfg.Extension == "" {
		cfg.Extension = defaultExtension
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		sink:      sink,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
		finalized: make(map[string]struct{}),
	}, nil
}

// Finalize writes the merged payload for s. A second call for the same
// session id returns crawler.ErrAlreadyFinalized without touching the sink
// until the id is released.
func (a *Aggregator) Finalize(ctx context.Context, s crawler.Session) (crawler.Artifact, error) {
	if len(s.Fragments) == 0 {
		return crawler.Artifact{}, fmt.Errorf("finalize %s: %w", s.ID, crawler.ErrNoFragments)
	}
	a.mu.Lock()
	if _, done := a.finalized[s.ID]; done {
		a.mu.Unlock()
		return crawler.Artifact{}, fmt.Errorf("finalize %s: %w", s.ID, crawler.ErrAlreadyFinalized)
	}
	a.finalized[s.ID] = struct{}{}
	a.mu.Unlock()

	payload := Render(s)
	dest := a.DestinationPath(s)
	uri, err := a.sink.PutObject(ctx, dest, a.cfg.ContentType, bytes.NewReader(payload))
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("%w: %s: %w", crawler.ErrSinkWrite, dest, err)
	}
	artifact := crawler.Artifact{
		Path:      dest,
		URI:       uri,
		Bytes:     len(payload),
		Fragments: len(s.Fragments),
	}
	if a.hasher != nil {
		sum, hashErr := a.hasher.Hash(payload)
		if hashErr != nil {
			a.logger.Warn("artifact hash failed", zap.String("session_id", s.ID), zap.Error(hashErr))
		}
		artifact.Hash = sum
	}
	metrics.ObserveArtifact(artifact.Bytes)
	a.logger.Info("artifact written",
		zap.String("session_id", s.ID),
		zap.String("uri", uri),
		zap.Int("bytes", artifact.Bytes),
		zap.Int("fragments", artifact.Fragments),
	)
	return artifact, nil
}

// Release forgets a finalized session id. The session store calls it once
// the session itself is gone.
func (a *Aggregator) Release(id string) {
	a.mu.Lock()
	delete(a.finalized, id)
	a.mu.Unlock()
}

// Guarded reports how many session ids are currently held by the guard.
func (a *Aggregator) Guarded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.finalized)
}

// DestinationPath names the artifact: <sink location>/<title><ext>.
func (a *Aggregator) DestinationPath(s crawler.Session) string {
	name := SanitizeTitle(s.Title) + a.cfg.Extension
	loc := strings.Trim(strings.TrimSpace(s.SinkLocation), "/")
	if loc == "" {
		return name
	}
	return path.Join(loc, name)
}

// Render lays out the title header followed by each fragment in sequence
// order as "title\n\nbody\n\n". The session's slice is not reordered.
func Render(s crawler.Session) []byte {
	frags := make([]crawler.Fragment, len(s.Fragments))
	copy(frags, s.Fragments)
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].Sequence < frags[j].Sequence })

	var buf bytes.Buffer
	if s.Title != "" {
		buf.WriteString(s.Title)
		buf.WriteString("\n\n")
	}
	for _, f := range frags {
		buf.WriteString(f.Title)
		buf.WriteString("\n\n")
		buf.WriteString(f.Body)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

// SanitizeTitle turns a free-form title into a single safe path segment.
func SanitizeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, title)
	cleaned = strings.Trim(strings.TrimSpace(cleaned), ".")
	if cleaned == "" {
		return "untitled"
	}
	return cleaned
}
