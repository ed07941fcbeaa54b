// Package reaper evicts sessions whose clients have gone silent. The
// per-session heartbeat loop catches most dead connections itself; the
// reaper is the backstop for sessions whose loops are wedged on a transport
// that never errors, and for entries registered but never driven.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelayer/voxgate/internal/observe"
)

// Defaults used when the corresponding Config field is zero.
const (
	defaultPeriod    = 30 * time.Second
	defaultThreshold = 10 * time.Second
)

// Store is a session collection the reaper sweeps. Both pipeline variants
// keep their own store; the reaper walks all of them each tick.
type Store interface {
	// CleanupStale evicts every session with no inbound traffic for the
	// threshold and returns the evicted ids. Eviction closes the session's
	// connection, which makes its pipeline loops exit.
	CleanupStale(threshold time.Duration) []string
}

// Config configures a [Reaper].
type Config struct {
	// Period is how often to sweep. Defaults to 30 seconds if zero.
	Period time.Duration

	// Threshold is how long a session may go without inbound traffic
	// before it is evicted. Defaults to 10 seconds if zero.
	Threshold time.Duration
}

// Reaper periodically sweeps session stores for stale entries.
//
// All methods are safe for concurrent use.
type Reaper struct {
	stores    []Store
	period    time.Duration
	threshold time.Duration
	metrics   *observe.Metrics

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Reaper] over the given stores. A nil metrics falls back to
// [observe.DefaultMetrics].
func New(cfg Config, metrics *observe.Metrics, stores ...Store) *Reaper {
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Reaper{
		stores:    stores,
		period:    cfg.Period,
		threshold: cfg.Threshold,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Start begins periodic sweeping in a background goroutine. The goroutine
// runs until [Reaper.Stop] is called or ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// Sweep evicts stale sessions from every store immediately and returns how
// many were evicted.
func (r *Reaper) Sweep(ctx context.Context) int {
	evicted := 0
	for _, store := range r.stores {
		ids := store.CleanupStale(r.threshold)
		for _, id := range ids {
			slog.Info("evicted stale session", "session_id", id, "threshold", r.threshold)
			r.metrics.RecordEviction(ctx, "stale")
		}
		evicted += len(ids)
	}
	return evicted
}

// loop runs the periodic sweep ticker.
func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
