package resilience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicelayer/voxgate/pkg/provider/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// backend is one transcription provider with its guarding breaker.
type backend struct {
	name    string
	t       stt.Transcriber
	breaker *CircuitBreaker
}

// Transcriber fans a transcription request over an ordered list of backends.
// Each backend sits behind its own [CircuitBreaker]; a call goes to the
// first backend whose breaker admits it, and fails over to the next on
// error. Register all backends before the first Transcribe call.
type Transcriber struct {
	cfg      BreakerConfig
	backends []backend
}

// NewTranscriber creates a failover Transcriber with primary as the
// preferred backend. cfg seeds every backend's breaker, with its Name
// replaced by the backend name.
func NewTranscriber(name string, primary stt.Transcriber, cfg BreakerConfig) *Transcriber {
	t := &Transcriber{cfg: cfg.withDefaults()}
	t.AddFallback(name, primary)
	return t
}

// AddFallback appends a backend tried after all earlier ones. Not safe to
// call concurrently with Transcribe.
func (t *Transcriber) AddFallback(name string, b stt.Transcriber) {
	cfg := t.cfg
	cfg.Name = name
	t.backends = append(t.backends, backend{
		name:    name,
		t:       b,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Transcribe implements stt.Transcriber. Backends whose breaker is open are
// skipped without being called. The error of the last attempted backend is
// returned when every backend fails or is skipped.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var lastErr error
	for i := range t.backends {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b := &t.backends[i]
		var text string
		err := b.breaker.Execute(func() error {
			var terr error
			text, terr = b.t.Transcribe(ctx, wav)
			return terr
		})
		if err == nil {
			if i > 0 {
				slog.Info("transcription served by fallback backend", "backend", b.name)
			}
			return text, nil
		}
		lastErr = err
		if err == ErrBreakerOpen {
			slog.Debug("skipping transcription backend, breaker open", "backend", b.name)
			continue
		}
		slog.Warn("transcription backend failed",
			"backend", b.name,
			"error", err)
	}
	return "", fmt.Errorf("resilience: all transcription backends failed: %w", lastErr)
}
