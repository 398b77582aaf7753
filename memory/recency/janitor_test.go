package recency_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/recency"
	"github.com/becomeliminal/nim-memory/memory/recency/inmem"
	"github.com/becomeliminal/nim-memory/metrics"
)

type failingPurger struct{ calls atomic.Int32 }

func (f *failingPurger) Purge(ctx context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	return 0, core.Unavailable(core.ErrRecencyUnavailable, "purge", errors.New("disk gone"))
}

func TestNewJanitor_ValidatesCron(t *testing.T) {
	_, err := recency.NewJanitor(inmem.New(), "not a cron")
	require.Error(t, err)

	j, err := recency.NewJanitor(inmem.New(), "")
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestJanitor_RunOncePurgesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := inmem.New(inmem.WithTTL(time.Minute), inmem.WithClock(clock))
	_, err := store.Append(ctx, core.Message{SessionID: "a", Role: core.RoleUser, Content: "hi"})
	require.NoError(t, err)

	m := metrics.New(nil)
	j, err := recency.NewJanitor(store, recency.DefaultCron,
		recency.WithMetrics(m),
		recency.WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	require.NoError(t, err)

	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecencyPurged))
}

func TestJanitor_RunOnceError(t *testing.T) {
	j, err := recency.NewJanitor(&failingPurger{}, "* * * * *")
	require.NoError(t, err)

	_, err = j.RunOnce(context.Background())
	assert.True(t, errors.Is(err, core.ErrRecencyUnavailable))
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	j, err := recency.NewJanitor(&failingPurger{}, "* * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
