// Package pebble implements memory.RecencyStore on cockroachdb/pebble.
//
// Key layout:
//
//	session:<query-escaped session id>:msg:<20-digit unix nanos>-<10-digit seq>
//
// Keys sort chronologically within a session, so Recent is a reverse scan
// bounded to the session prefix. Each value carries its own expiry.
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultTTL is the per-entry lifetime when none is configured.
const DefaultTTL = time.Hour

const (
	sessionPrefix = "session:"
	msgInfix      = ":msg:"
)

// ErrClosed is wrapped by every call after Close.
var ErrClosed = errors.New("pebble recency store closed")

// value is the stored form of one message.
type value struct {
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
	Seq       uint64    `json:"seq"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a durable recency store.
type Store struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
	log *zap.Logger

	mu     sync.RWMutex
	seq    uint64
	closed bool
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

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Open opens (or creates) a store at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		ttl: DefaultTTL,
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("recency")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		s.log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, unavailable("open", err)
	}
	s.db = db

	// Resume the sequence after the highest stored one.
	err = s.each([]byte(sessionPrefix), func(_ string, v value) error {
		s.seq = max(s.seq, v.Seq)
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("pebble_opened", zap.String("path", path), zap.Uint64("seq", s.seq))
	return s, nil
}

var _ memory.RecencyStore = (*Store)(nil)

func sessionKeyPrefix(sessionID string) []byte {
	return []byte(sessionPrefix + url.QueryEscape(sessionID) + msgInfix)
}

func messageKey(sessionID string, ts time.Time, seq uint64) []byte {
	return fmt.Appendf(sessionKeyPrefix(sessionID), "%020d-%010d", ts.UnixNano(), seq)
}

// sessionFromKey extracts the session id of a message key.
func sessionFromKey(key []byte) (string, bool) {
	rest, ok := bytes.CutPrefix(key, []byte(sessionPrefix))
	if !ok {
		return "", false
	}
	escaped, _, ok := strings.Cut(string(rest), msgInfix)
	if !ok {
		return "", false
	}
	id, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", false
	}
	return id, true
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Append writes msg with its own expiry of now + TTL.
func (s *Store) Append(ctx context.Context, msg core.Message) (core.Message, error) {
	if err := msg.Validate(); err != nil {
		return core.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Message{}, unavailable("append", ErrClosed)
	}

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}
	s.seq++
	msg.Seq = s.seq

	raw, err := json.Marshal(value{
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Seq:       msg.Seq,
		ExpiresAt: now.Add(s.ttl),
	})
	if err != nil {
		return core.Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := s.db.Set(messageKey(msg.SessionID, msg.Timestamp, msg.Seq), raw, pebble.Sync); err != nil {
		s.log.Error("append_failed", zap.String("session", msg.SessionID), zap.Error(err))
		return core.Message{}, unavailable("append", err)
	}
	return msg, nil
}

// Recent returns up to limit live messages, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("recent", ErrClosed)
	}

	out := []core.Message{}
	if limit <= 0 {
		return out, nil
	}
	prefix := sessionKeyPrefix(sessionID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, unavailable("recent", err)
	}
	defer it.Close()

	now := s.now()
	for valid := it.Last(); valid && len(out) < limit; valid = it.Prev() {
		var v value
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			s.log.Warn("skipping_corrupt_entry", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		if !v.ExpiresAt.After(now) {
			continue
		}
		out = append(out, core.Message{
			SessionID: sessionID,
			Role:      v.Role,
			Content:   v.Content,
			Timestamp: v.Timestamp,
			Seq:       v.Seq,
		})
	}
	if err := it.Error(); err != nil {
		return nil, unavailable("recent", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Clear deletes a session's key range.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("clear", ErrClosed)
	}
	prefix := sessionKeyPrefix(sessionID)
	if err := s.db.DeleteRange(prefix, upperBound(prefix), pebble.Sync); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// Sessions summarises sessions with live messages, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]core.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("sessions", ErrClosed)
	}

	now := s.now()
	byID := make(map[string]*core.SessionSummary)
	err := s.each([]byte(sessionPrefix), func(id string, v value) error {
		if !v.ExpiresAt.After(now) {
			return nil
		}
		sum, ok := byID[id]
		if !ok {
			sum = &core.SessionSummary{SessionID: id}
			byID[id] = sum
		}
		sum.MessageCount++
		if v.Timestamp.After(sum.LastMessageAt) {
			sum.LastMessageAt = v.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]core.SessionSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	memory.SortSessions(out)
	return out, nil
}

// Purge deletes entries expired at now in one batch.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("purge", ErrClosed)
	}

	b := s.db.NewBatch()
	defer b.Close()

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(sessionPrefix),
		UpperBound: upperBound([]byte(sessionPrefix)),
	})
	if err != nil {
		return 0, unavailable("purge", err)
	}
	var purged int
	for it.First(); it.Valid(); it.Next() {
		var v value
		if err := json.Unmarshal(it.Value(), &v); err == nil && v.ExpiresAt.After(now) {
			continue
		}
		if err := b.Delete(slices.Clone(it.Key()), nil); err != nil {
			_ = it.Close()
			return 0, unavailable("purge", err)
		}
		purged++
	}
	if err := it.Close(); err != nil {
		return 0, unavailable("purge", err)
	}

	if purged == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, unavailable("purge", err)
	}
	s.log.Debug("purged", zap.Int("entries", purged))
	return purged, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return unavailable("close", err)
	}
	return nil
}

// each decodes every message under prefix. Corrupt entries are skipped.
func (s *Store) each(prefix []byte, fn func(sessionID string, v value) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return unavailable("scan", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		id, ok := sessionFromKey(it.Key())
		if !ok {
			continue
		}
		var v value
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			s.log.Warn("skipping_corrupt_entry", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		if err := fn(id, v); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return unavailable("scan", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return core.Unavailable(core.ErrRecencyUnavailable, "pebble "+op, err)
}
