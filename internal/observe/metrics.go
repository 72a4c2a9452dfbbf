// Package observe provides application-wide observability primitives for
// Fableloom: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware for the metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Fableloom metrics.
const meterName = "github.com/fableloom/fableloom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn pipeline latency. Use with
	// attribute: attribute.String("action", ...)
	TurnDuration metric.Float64Histogram

	// GenerationDuration tracks narrative generation latency (the main
	// completion call of a turn).
	GenerationDuration metric.Float64Histogram

	// CompactionDuration tracks memory compaction run latency. Use with
	// attribute: attribute.Int("level", ...)
	CompactionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CompactionRuns counts compaction attempts. Use with attributes:
	//   attribute.Int("level", ...), attribute.String("outcome", ...)
	CompactionRuns metric.Int64Counter

	// TurnRejections counts turns rejected because a turn was already in
	// flight for the session.
	TurnRejections metric.Int64Counter

	// --- Distribution histograms ---

	// RetrievedEntries tracks the number of memory entries returned per
	// semantic retrieval.
	RetrievedEntries metric.Int64Histogram

	// ContextTokens tracks the assembled context size in tokens per turn.
	ContextTokens metric.Int64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of open story sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IndexEntries tracks the number of entries held in the in-memory
	// vector index across all namespaces.
	IndexEntries metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round-trips rather than local I/O.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80,
}

// tokenBuckets defines bucket boundaries for token-count histograms.
var tokenBuckets = []float64{
	256, 512, 1024, 2048, 4096, 8192, 16384, 32768,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Latency histograms.
	if met.TurnDuration, err = m.Float64Histogram("fableloom.turn.duration",
		metric.WithDescription("End-to-end turn pipeline latency by action."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("fableloom.generation.duration",
		metric.WithDescription("Narrative generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompactionDuration, err = m.Float64Histogram("fableloom.compaction.duration",
		metric.WithDescription("Memory compaction run latency by level."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("fableloom.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("fableloom.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CompactionRuns, err = m.Int64Counter("fableloom.compaction.runs",
		metric.WithDescription("Total compaction attempts by level and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnRejections, err = m.Int64Counter("fableloom.turn.rejections",
		metric.WithDescription("Turns rejected because the session was busy."),
	); err != nil {
		return nil, err
	}

	// Distribution histograms.
	if met.RetrievedEntries, err = m.Int64Histogram("fableloom.retrieval.entries",
		metric.WithDescription("Memory entries returned per semantic retrieval."),
	); err != nil {
		return nil, err
	}
	if met.ContextTokens, err = m.Int64Histogram("fableloom.context.tokens",
		metric.WithDescription("Assembled context size in tokens per turn."),
		metric.WithExplicitBucketBoundaries(tokenBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("fableloom.active_sessions",
		metric.WithDescription("Number of open story sessions."),
	); err != nil {
		return nil, err
	}
	if met.IndexEntries, err = m.Int64UpDownCounter("fableloom.index.entries",
		metric.WithDescription("Entries held in the in-memory vector index."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fableloom.http.request.duration",
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

// RecordTurn records a completed turn with its end-to-end duration.
func (m *Metrics) RecordTurn(ctx context.Context, action string, seconds float64) {
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordCompactionRun records a compaction attempt by level and outcome
// ("compacted", "insufficient", "error").
func (m *Metrics) RecordCompactionRun(ctx context.Context, level int, outcome string) {
	m.CompactionRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int("level", level),
			attribute.String("outcome", outcome),
		),
	)
}
