// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voicelayer/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per dialogue phase ---

	// TranscriptionDuration tracks utterance transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// ResponseDuration tracks upstream response latency, from request
	// submission to response completion.
	ResponseDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIngested counts inbound audio frames after resampling.
	FramesIngested metric.Int64Counter

	// UtterancesSegmented counts utterances cut by the silence timeout.
	UtterancesSegmented metric.Int64Counter

	// PlaybackChunks counts synthesized chunks delivered to clients.
	PlaybackChunks metric.Int64Counter

	// SecondsBilled counts talk seconds debited from user balances.
	SecondsBilled metric.Int64Counter

	// SessionsEvicted counts sessions removed outside a clean close. Use
	// with attribute: attribute.String("reason", ...)
	SessionsEvicted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions. Use with
	// attribute: attribute.String("mode", "streaming"|"button")
	ActiveSessions metric.Int64UpDownCounter

	// --- Request durations ---

	// SessionDuration tracks how long WebSocket sessions stay open.
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines bucket boundaries (in seconds) for whole-session
// durations, which run from seconds to hours.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("voxgate.stt.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("voxgate.response.duration",
		metric.WithDescription("Latency of the upstream dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("voxgate.frames.ingested",
		metric.WithDescription("Total inbound audio frames after resampling."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesSegmented, err = m.Int64Counter("voxgate.utterances.segmented",
		metric.WithDescription("Total utterances cut by the silence timeout."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voxgate.playback.chunks",
		metric.WithDescription("Total synthesized chunks delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.SecondsBilled, err = m.Int64Counter("voxgate.billing.seconds",
		metric.WithDescription("Total talk seconds debited from user balances."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEvicted, err = m.Int64Counter("voxgate.sessions.evicted",
		metric.WithDescription("Total sessions evicted outside a clean close, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live client sessions by mode."),
	); err != nil {
		return nil, err
	}

	// Request duration histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Lifetime of WebSocket sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SessionStarted records a session opening in the given mode.
func (m *Metrics) SessionStarted(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionEnded records a session closing and its total lifetime.
func (m *Metrics) SessionEnded(ctx context.Context, mode string, lifetime time.Duration) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
	m.SessionDuration.Record(ctx, lifetime.Seconds(),
		metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTranscription records one transcription latency sample.
func (m *Metrics) RecordTranscription(ctx context.Context, d time.Duration) {
	m.TranscriptionDuration.Record(ctx, d.Seconds())
}

// RecordResponse records one upstream turn latency sample.
func (m *Metrics) RecordResponse(ctx context.Context, d time.Duration) {
	m.ResponseDuration.Record(ctx, d.Seconds())
}

// RecordEviction records a session eviction with its reason.
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	m.SessionsEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
