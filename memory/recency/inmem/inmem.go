// Package inmem implements memory.RecencyStore in process memory.
package inmem

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultTTL is the per-entry lifetime when none is configured.
const DefaultTTL = time.Hour

// ErrClosed is wrapped by every call after Close.
var ErrClosed = errors.New("recency store closed")

type entry struct {
	msg     core.Message
	expires time.Time
}

// Store keeps one append-only slice per session.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string][]entry
	seq      uint64
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:      DefaultTTL,
		now:      time.Now,
		sessions: make(map[string][]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ memory.RecencyStore = (*Store)(nil)

// Append adds msg with its own expiry of now + TTL.
func (s *Store) Append(ctx context.Context, msg core.Message) (core.Message, error) {
	if err := msg.Validate(); err != nil {
		return core.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Message{}, unavailable("append")
	}

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}
	s.seq++
	msg.Seq = s.seq
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], entry{msg: msg, expires: now.Add(s.ttl)})
	return msg, nil
}

// Recent returns up to limit live messages, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("recent")
	}

	now := s.now()
	out := []core.Message{}
	if limit <= 0 {
		return out, nil
	}
	entries := s.sessions[sessionID]
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if entries[i].expires.After(now) {
			out = append(out, entries[i].msg)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Clear removes a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("clear")
	}
	delete(s.sessions, sessionID)
	return nil
}

// Sessions summarises sessions with live messages, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]core.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("sessions")
	}

	now := s.now()
	out := []core.SessionSummary{}
	for id, entries := range s.sessions {
		sum := core.SessionSummary{SessionID: id}
		for _, e := range entries {
			if !e.expires.After(now) {
				continue
			}
			sum.MessageCount++
			if e.msg.Timestamp.After(sum.LastMessageAt) {
				sum.LastMessageAt = e.msg.Timestamp
			}
		}
		if sum.MessageCount > 0 {
			out = append(out, sum)
		}
	}
	memory.SortSessions(out)
	return out, nil
}

// Purge drops entries expired at now.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("purge")
	}

	var purged int
	for id, entries := range s.sessions {
		live := entries[:0]
		for _, e := range entries {
			if e.expires.After(now) {
				live = append(live, e)
			} else {
				purged++
			}
		}
		if len(live) == 0 {
			delete(s.sessions, id)
		} else {
			s.sessions[id] = live
		}
	}
	return purged, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	return nil
}

func unavailable(op string) error {
	return core.Unavailable(core.ErrRecencyUnavailable, "inmem "+op, ErrClosed)
}
