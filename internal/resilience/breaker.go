// Package resilience keeps transcription available when a hosted speech
// backend degrades. A [CircuitBreaker] stops hammering a backend that fails
// repeatedly, and [Transcriber] chains several backends so an utterance is
// retried on the next healthy one instead of surfacing an error to the
// session.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls, either because the cooldown has not elapsed or because the
// half-open probe budget is spent.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. If they all
	// succeed the breaker closes, a single failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [CircuitBreaker]. The zero value picks defaults
// suited to per-utterance transcription calls: a backend is benched after
// three consecutive failures and probed again thirty seconds later.
type BreakerConfig struct {
	// Name identifies the guarded backend in logs.
	Name string

	// MaxFailures is the number of consecutive failures that trips the
	// breaker. Defaults to 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting probes.
	// Defaults to 30s.
	Cooldown time.Duration

	// ProbeMax is the number of successful probes required to close again.
	// Defaults to 2.
	ProbeMax int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeMax <= 0 {
		c.ProbeMax = 2
	}
	return c
}

// CircuitBreaker is a three-state breaker guarding calls to one backend.
// It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probesIssued int
	probesOK     int
}

// NewCircuitBreaker creates a closed breaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute runs fn through the breaker. While the breaker is open, or while
// the half-open probe budget is exhausted, fn is not invoked and
// [ErrBreakerOpen] is returned. Otherwise fn's error is returned unchanged
// and recorded against the breaker state.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probesIssued = 0
		b.probesOK = 0
		slog.Info("breaker half-open, probing backend", "backend", b.cfg.Name)
	case StateHalfOpen:
		if b.probesIssued >= b.cfg.ProbeMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.probesIssued++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(probe)
		return err
	}
	b.recordSuccess(probe)
	return nil
}

// recordFailure must be called with b.mu held.
func (b *CircuitBreaker) recordFailure(probe bool) {
	b.openedAt = time.Now()
	if probe {
		b.state = StateOpen
		slog.Warn("breaker reopened by failed probe", "backend", b.cfg.Name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.state = StateOpen
		slog.Warn("breaker opened",
			"backend", b.cfg.Name,
			"failures", b.failures)
	}
}

// recordSuccess must be called with b.mu held.
func (b *CircuitBreaker) recordSuccess(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.probesOK++
	if b.probesOK >= b.cfg.ProbeMax {
		b.state = StateClosed
		b.failures = 0
		slog.Info("breaker closed, backend recovered", "backend", b.cfg.Name)
	}
}

// State reports the breaker's current mode. An open breaker whose cooldown
// has elapsed reports half-open: the next call will be admitted as a probe.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
