// Package observe provides application-wide observability primitives for
// opendialogue: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all opendialogue metrics.
const meterName = "github.com/MrWong99/opendialogue"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// UnlockDuration tracks how long an output unlock attempt took.
	UnlockDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CacheLookups counts synthesis cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"inflight"|"miss")
	CacheLookups metric.Int64Counter

	// CacheEvictions counts entries evicted from the synthesis cache.
	CacheEvictions metric.Int64Counter

	// Utterances counts queue items reaching a terminal state. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("status", "played"|"failed"|"cancelled")
	Utterances metric.Int64Counter

	// UnlockAttempts counts output unlock attempts. Use with attribute:
	//   attribute.String("result", "unlocked"|"refused"|"failed")
	UnlockAttempts metric.Int64Counter

	// RelayRequests counts voice relay requests. Use with attribute:
	//   attribute.Int("status", ...)
	RelayRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks items waiting behind the active one in the playback queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// EventSubscribers tracks connected speaker event streams.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for completion and synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("opendialogue.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("opendialogue.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UnlockDuration, err = m.Float64Histogram("opendialogue.unlock.duration",
		metric.WithDescription("Duration of audio output unlock attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("opendialogue.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("opendialogue.cache.lookups",
		metric.WithDescription("Synthesis cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("opendialogue.cache.evictions",
		metric.WithDescription("Synthesis cache entries evicted for capacity."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("opendialogue.utterances",
		metric.WithDescription("Utterances reaching a terminal playback state by speaker and status."),
	); err != nil {
		return nil, err
	}
	if met.UnlockAttempts, err = m.Int64Counter("opendialogue.unlock.attempts",
		metric.WithDescription("Audio output unlock attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.RelayRequests, err = m.Int64Counter("opendialogue.relay.requests",
		metric.WithDescription("Voice relay requests by response status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("opendialogue.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("opendialogue.playback.queue_depth",
		metric.WithDescription("Items waiting in the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("opendialogue.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("opendialogue.event_subscribers",
		metric.WithDescription("Number of connected speaker event streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("opendialogue.http.request.duration",
		metric.WithDescription("HTTP request latency by route pattern and status."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records one synthesis cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordUtterance records an utterance reaching a terminal state.
func (m *Metrics) RecordUtterance(ctx context.Context, speaker, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("status", status),
		),
	)
}

// RecordUnlock records an unlock attempt and its duration in seconds.
func (m *Metrics) RecordUnlock(ctx context.Context, result string, seconds float64) {
	m.UnlockAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.UnlockDuration.Record(ctx, seconds)
}

// RecordRelayRequest records a voice relay response status.
func (m *Metrics) RecordRelayRequest(ctx context.Context, status int) {
	m.RelayRequests.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}
