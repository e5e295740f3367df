// Package session owns the lifetime of crawl sessions. Every read returns a
// copy and every mutation runs under the owning entry's lock, so concurrent
// orchestrator goroutines and API handlers never observe a half-applied update.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The default wraps time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option customizes a Store.
type Option func(*Store)

// WithScheduler swaps the delayed-deletion scheduler (tests use a manual one).
func WithScheduler(s Scheduler) Option {
	return func(st *Store) {
		if s != nil {
			st.sched = s
		}
	}
}

// WithLogger attaches a logger for lifecycle messages.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithOnDelete registers fn to run after a session is removed.
func WithOnDelete(fn func(id string)) Option {
	return func(st *Store) {
		if fn != nil {
			st.onDelete = append(st.onDelete, fn)
		}
	}
}

type entry struct {
	mu      sync.Mutex
	sess    crawler.Session
	removed bool
}

// Store is an in-memory arena of sessions keyed by id.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	timers  map[string]Timer

	idGen    crawler.IDGenerator
	clock    crawler.Clock
	sched    Scheduler
	logger   *zap.Logger
	onDelete []func(id string)
}

// NewStore constructs an empty Store.
func NewStore(idGen crawler.IDGenerator, clock crawler.Clock, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		timers:  make(map[string]Timer),
		idGen:   idGen,
		clock:   clock,
		sched:   realScheduler{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers init under a fresh id and marks it active.
func (s *Store) Create(init crawler.Session) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sess := init.Clone()
	sess.ID = id
	sess.Active = true
	sess.Finalized = false
	if sess.State == "" {
		sess.State = crawler.StateStarting
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return "", fmt.Errorf("session id collision: %s", id)
	}
	s.entries[id] = &entry{sess: sess}
	s.logger.Debug("session created", zap.String("session_id", id))
	return id, nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (crawler.Session, bool) {
	e := s.lookup(id)
	if e == nil {
		return crawler.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return crawler.Session{}, false
	}
	return e.sess.Clone(), true
}

// Update applies fn to a working copy and commits it only when fn returns nil.
// Active can be cleared by fn but never set back once false.
func (s *Store) Update(id string, fn func(*crawler.Session) error) error {
	e := s.lookup(id)
	if e == nil {
		return unknown(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return unknown(id)
	}
	working := e.sess.Clone()
	if err := fn(&working); err != nil {
		return err
	}
	working.ID = e.sess.ID
	if !e.sess.Active {
		working.Active = false
	}
	if e.sess.Finalized {
		working.Finalized = true
	}
	e.sess = working
	return nil
}

// Cancel clears the active flag. It fails only for unknown ids.
func (s *Store) Cancel(id string) error {
	return s.Update(id, func(sess *crawler.Session) error {
		sess.Active = false
		return nil
	})
}

// Delete removes the session. It reports whether anything was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	delete(s.timers, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	s.logger.Debug("session deleted", zap.String("session_id", id))
	for _, fn := range s.onDelete {
		fn(id)
	}
	return true
}

// ScheduleDelete removes the session after the grace window. The first
// schedule for an id wins; later calls are ignored.
func (s *Store) ScheduleDelete(id string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	if _, pending := s.timers[id]; pending {
		return
	}
	s.timers[id] = s.sched.AfterFunc(after, func() {
		s.Delete(id)
	})
}

// FindActiveByOrigin returns the newest active session started from origin.
func (s *Store) FindActiveByOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	var (
		bestID string
		bestAt time.Time
	)
	for _, sess := range s.List() {
		if !sess.Active || sess.OriginRef != origin {
			continue
		}
		if bestID == "" || sess.CreatedAt.After(bestAt) {
			bestID, bestAt = sess.ID, sess.CreatedAt
		}
	}
	return bestID, bestID != ""
}

// List returns snapshots of every live session ordered by creation time.
func (s *Store) List() []crawler.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]crawler.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.sess.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops pending deletion timers. Sessions stay readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func unknown(id string) error {
	return fmt.Errorf("%w: %s", crawler.ErrUnknownSession, id)
}
