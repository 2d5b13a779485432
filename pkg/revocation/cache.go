// Package revocation keeps a local snapshot of revoked token ids so the
// request path never waits on the shared store.
package revocation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultEscalateAfter = 5
	// Staleness beyond this many refresh intervals marks the cache unhealthy.
	staleIntervals = 3
)

// ErrStale is returned by IsRevoked in fail-closed mode once the snapshot is
// too old to be trusted for ids it does not contain.
var ErrStale = errors.New("revocation snapshot is stale")

// Source returns the full set of currently revoked token ids.
type Source interface {
	RevokedIDs(ctx context.Context) ([]string, error)
}

type SourceFunc func(ctx context.Context) ([]string, error)

func (f SourceFunc) RevokedIDs(ctx context.Context) ([]string, error) { return f(ctx) }

// Snapshot is immutable once published.
type Snapshot struct {
	RevokedIDs          map[string]struct{}
	CapturedAt          time.Time
	ConsecutiveFailures int
}

type Health struct {
	CacheSize            int     `json:"cacheSize"`
	SecondsSinceLastSync float64 `json:"secondsSinceLastSync"`
	ConsecutiveFailures  int     `json:"consecutiveFailures"`
	IsHealthy            bool    `json:"isHealthy"`
}

type Options struct {
	Interval       time.Duration
	RefreshTimeout time.Duration
	// FailOpen keeps answering "not revoked" for unknown ids while the
	// snapshot is stale. When false, IsRevoked returns ErrStale instead.
	FailOpen       bool
	EscalateAfter  int
	Logger         *slog.Logger
	Now            func() time.Time
}

type Cache struct {
	src      Source
	opts     Options
	logger   *slog.Logger
	snap     atomic.Pointer[Snapshot]
	created  time.Time
	refresh  sync.Mutex
	lifecycle sync.Mutex
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(src Source, opts Options) *Cache {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = opts.Interval
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = DefaultEscalateAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		src:     src,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		created: opts.Now(),
	}
	c.snap.Store(&Snapshot{RevokedIDs: map[string]struct{}{}})
	return c
}

// Start performs one synchronous refresh and then refreshes on every interval
// until Stop. A failed first refresh is logged, not returned. Only the first
// call starts the loop; a stopped cache stays stopped.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	_ = c.Refresh(ctx)
	go c.loop(ctx)
}

func (c *Cache) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	c.stopOnce.Do(func() {
		cancel()
		<-done
	})
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Refresh pulls a full snapshot from the source and swaps it in. On failure the
// previous revoked set is kept and a new snapshot with a bumped failure count
// is published instead.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refresh.Lock()
	defer c.refresh.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()
	prev := c.snap.Load()
	ids, err := c.src.RevokedIDs(ctx)
	if err != nil {
		next := &Snapshot{
			RevokedIDs:          prev.RevokedIDs,
			CapturedAt:          prev.CapturedAt,
			ConsecutiveFailures: prev.ConsecutiveFailures + 1,
		}
		c.snap.Store(next)
		attrs := []any{"error", err, "consecutive_failures", next.ConsecutiveFailures, "cache_size", len(next.RevokedIDs)}
		if next.ConsecutiveFailures >= c.opts.EscalateAfter {
			c.logger.Error("revocation refresh failing, serving stale snapshot", attrs...)
		} else {
			c.logger.Warn("revocation refresh failed, serving stale snapshot", attrs...)
		}
		return err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.snap.Store(&Snapshot{RevokedIDs: set, CapturedAt: c.opts.Now()})
	if prev.ConsecutiveFailures > 0 {
		c.logger.Info("revocation refresh recovered", "previous_failures", prev.ConsecutiveFailures, "cache_size", len(set))
	}
	return nil
}

// IsRevoked answers from the current snapshot only.
func (c *Cache) IsRevoked(jti string) (bool, error) {
	s := c.snap.Load()
	if _, ok := s.RevokedIDs[jti]; ok {
		return true, nil
	}
	if !c.opts.FailOpen && !c.healthy(s, c.opts.Now()) {
		return false, ErrStale
	}
	return false, nil
}

func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

func (c *Cache) Health() Health {
	s := c.snap.Load()
	now := c.opts.Now()
	return Health{
		CacheSize:            len(s.RevokedIDs),
		SecondsSinceLastSync: c.staleness(s, now).Seconds(),
		ConsecutiveFailures:  s.ConsecutiveFailures,
		IsHealthy:            c.healthy(s, now),
	}
}

// Before the first successful sync, staleness is measured from construction.
func (c *Cache) staleness(s *Snapshot, now time.Time) time.Duration {
	last := s.CapturedAt
	if last.IsZero() {
		last = c.created
	}
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Cache) healthy(s *Snapshot, now time.Time) bool {
	return c.staleness(s, now) <= staleIntervals*c.opts.Interval
}
