package pebble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	return s
}

func msg(session, content string) core.Message {
	return core.Message{SessionID: session, Role: core.RoleUser, Content: content}
}

func TestStore_RecentOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), WithClock(clk.Now))
	defer s.Close()

	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, msg("a", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}
	_, err := s.Append(ctx, msg("ab", "neighbour"))
	require.NoError(t, err)

	got, err := s.Recent(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i+2), m.Content)
		assert.Equal(t, "a", m.SessionID)
	}
}

func TestStore_SameTimestampOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), WithClock(clk.Now))
	defer s.Close()

	for _, c := range []string{"first", "second", "third"} {
		_, err := s.Append(ctx, msg("a", c))
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Content)
	assert.Equal(t, "third", got[1].Content)
}

func TestStore_EscapesSessionIDs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(ctx, msg("a:msg:b", "tricky"))
	require.NoError(t, err)
	_, err = s.Append(ctx, msg("a", "plain"))
	require.NoError(t, err)

	got, err := s.Recent(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "plain", got[0].Content)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	ids := []string{sessions[0].SessionID, sessions[1].SessionID}
	assert.ElementsMatch(t, []string{"a", "a:msg:b"}, ids)
}

func TestStore_ExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), WithClock(clk.Now), WithTTL(time.Minute))
	defer s.Close()

	_, err := s.Append(ctx, msg("a", "old"))
	require.NoError(t, err)
	clk.Advance(40 * time.Second)
	_, err = s.Append(ctx, msg("a", "new"))
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	got, err := s.Recent(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Content)

	n, err := s.Purge(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Purge(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].MessageCount)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	_, _ = s.Append(ctx, msg("a", "one"))
	_, _ = s.Append(ctx, msg("b", "two"))
	require.NoError(t, s.Clear(ctx, "a"))

	got, err := s.Recent(ctx, "a", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.Recent(ctx, "b", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	first, err := s.Append(ctx, msg("a", "persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	got, err := s.Recent(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)

	next, err := s.Append(ctx, msg("a", "after reopen"))
	require.NoError(t, err)
	assert.Greater(t, next.Seq, first.Seq)
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), msg("a", "x"))
	assert.True(t, errors.Is(err, core.ErrRecencyUnavailable))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.Sessions(context.Background())
	assert.True(t, errors.Is(err, core.ErrRecencyUnavailable))
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("session;"), upperBound([]byte("session:")))
	assert.Equal(t, []byte{0x02}, upperBound([]byte{0x01, 0xff}))
	assert.Nil(t, upperBound([]byte{0xff}))
}
