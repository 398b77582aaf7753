// Package recency holds the short-term tier's maintenance. Stores live in
// the inmem and pebble subpackages.
package recency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/metrics"
)

// DefaultCron purges every five minutes.
const DefaultCron = "*/5 * * * *"

// Purger physically removes expired entries.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Janitor runs Purge on a cron schedule. Readers already skip expired
// entries, so purging only reclaims space.
type Janitor struct {
	store   Purger
	cron    string
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(j *Janitor) {
		if log != nil {
			j.log = log
		}
	}
}

// WithMetrics counts purged entries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJanitor validates cron and returns a Janitor. An empty cron uses DefaultCron.
func NewJanitor(store Purger, cron string, opts ...Option) (*Janitor, error) {
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid purge cron %q: not a valid cron expression", cron)
	}
	j := &Janitor{
		store: store,
		cron:  cron,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.Named("recency")
	return j, nil
}

// Run purges on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("purge_scheduled", zap.String("cron", j.cron))
	for {
		next, err := gronx.NextTickAfter(j.cron, j.now(), false)
		if err != nil {
			j.log.Error("purge_nexttick_failed", zap.String("cron", j.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(j.now())
		if wait <= 0 {
			j.runJob(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			j.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) runJob(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if _, err := j.RunOnce(ctx); err != nil {
		j.log.Error("purge_failed", zap.Error(err))
	}
}

// RunOnce purges immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	start := j.now()
	n, err := j.store.Purge(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("purge expired messages: %w", err)
	}
	j.metrics.Purged(n)
	j.log.Info("purge_done", zap.Int("purged", n), zap.Duration("took", j.now().Sub(start)))
	return n, nil
}
