package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrNotInitialized is returned when Detect or Acquire is called on a nil or
// zero-value Pool. The pool must be built once at process start via NewPool.
var ErrNotInitialized = errors.New("vad: pool not initialised")

// Pool is a bounded set of VAD engines shared by all sessions. Leasing an
// engine per classification call keeps one slow frame from head-of-line
// blocking every other session while still capping the number of live
// detector instances.
//
// Waiters are served in FIFO order.
type Pool struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []Engine
	size int
}

// NewPool creates size engines via factory and returns a ready Pool.
// Construction is eager so a broken engine configuration fails at startup
// rather than on the first frame.
func NewPool(size int, factory func() (Engine, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vad: pool size must be positive, got %d", size)
	}
	p := &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		idle: make([]Engine, 0, size),
		size: size,
	}
	for i := range size {
		e, err := factory()
		if err != nil {
			return nil, fmt.Errorf("vad: create engine %d: %w", i, err)
		}
		p.idle = append(p.idle, e)
	}
	return p, nil
}

// Size returns the number of engines the pool was built with.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Acquire blocks until an engine is free or ctx is done. The engine must be
// returned with Release.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	if p == nil || p.sem == nil {
		return nil, ErrNotInitialized
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("vad: acquire engine: %w", err)
	}
	p.mu.Lock()
	e := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.mu.Unlock()
	return e, nil
}

// Release returns an engine to the pool. Releasing nil is a no-op.
func (p *Pool) Release(e Engine) {
	if p == nil || p.sem == nil || e == nil {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Detect leases an engine, classifies frame, and releases the engine.
//
// Frames with an odd byte count are right-trimmed to the last full sample;
// frames shorter than one sample classify as non-speech without touching the
// pool.
func (p *Pool) Detect(ctx context.Context, frame []byte) (bool, error) {
	if p == nil || p.sem == nil {
		return false, ErrNotInitialized
	}
	if len(frame)%2 != 0 {
		frame = frame[:len(frame)-1]
	}
	if len(frame) < 2 {
		return false, nil
	}

	e, err := p.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer p.Release(e)

	res, err := e.Detect(frame)
	if err != nil {
		return false, fmt.Errorf("vad: detect: %w", err)
	}
	return res.Speech, nil
}
