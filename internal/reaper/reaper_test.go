package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/internal/session"
)

// fakeStore scripts one batch of evictions and records the thresholds it
// was swept with.
type fakeStore struct {
	mu         sync.Mutex
	ids        []string
	thresholds []time.Duration
}

func (s *fakeStore) CleanupStale(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append(s.thresholds, threshold)
	ids := s.ids
	s.ids = nil
	return ids
}

func (s *fakeStore) sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.thresholds)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	r := New(Config{}, nil)
	if r.period != defaultPeriod {
		t.Errorf("period = %v; want %v", r.period, defaultPeriod)
	}
	if r.threshold != defaultThreshold {
		t.Errorf("threshold = %v; want %v", r.threshold, defaultThreshold)
	}
}

func TestSweep_EvictsAcrossStores(t *testing.T) {
	t.Parallel()
	a := &fakeStore{ids: []string{"s1", "s2"}}
	b := &fakeStore{ids: []string{"b1"}}
	r := New(Config{Threshold: 7 * time.Second}, nil, a, b)

	if got := r.Sweep(context.Background()); got != 3 {
		t.Errorf("Sweep() = %d; want 3", got)
	}
	if got := r.Sweep(context.Background()); got != 0 {
		t.Errorf("second Sweep() = %d; want 0", got)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, th := range a.thresholds {
		if th != 7*time.Second {
			t.Errorf("sweep threshold = %v; want 7s", th)
		}
	}
}

func TestStart_SweepsPeriodically(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	r := New(Config{Period: 10 * time.Millisecond}, nil, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for store.sweeps() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps = %d after 3s; want >= 3", store.sweeps())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	r := New(Config{Period: 5 * time.Millisecond}, nil, &fakeStore{})
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}

// reaperConn satisfies session.Conn and records the close code.
type reaperConn struct {
	mu   sync.Mutex
	code websocket.StatusCode
}

func (c *reaperConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (c *reaperConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
	return nil
}

func (c *reaperConn) closedWith() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func TestReaper_EvictsIdleSessions(t *testing.T) {
	t.Parallel()
	store := session.NewStore()
	conn := &reaperConn{}
	store.Connect(conn, "idle")

	r := New(Config{Period: 10 * time.Millisecond, Threshold: 20 * time.Millisecond}, nil, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for store.Exists("idle") {
		if time.Now().After(deadline) {
			t.Fatal("idle session was not evicted within 3s")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := conn.closedWith(); got != websocket.StatusGoingAway {
		t.Errorf("close code = %v; want %v", got, websocket.StatusGoingAway)
	}
}
