// Package observe provides application-wide observability primitives for the
// dictation service: OpenTelemetry metrics, distributed tracing, structured
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dictation metrics.
const meterName = "github.com/clinicrx/dictation"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the transcription service handshake
	// takes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long dictation sessions stay open.
	SessionDuration metric.Float64Histogram

	// --- Pipeline counters ---

	// FramesCaptured counts audio frames produced by the capture stage.
	FramesCaptured metric.Int64Counter

	// ChunksSent counts chunks transmitted to the service. Use with attribute:
	//   attribute.String("provider", ...)
	ChunksSent metric.Int64Counter

	// ChunksDropped counts chunks evicted from a full outbound queue. Use with
	// attribute:
	//   attribute.String("provider", ...)
	ChunksDropped metric.Int64Counter

	// TranscriptEvents counts recognition results. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "final"|"partial")
	TranscriptEvents metric.Int64Counter

	// ProviderRequests counts connect attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in the error state. Use with
	// attribute:
	//   attribute.String("cause", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of listening dictation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveClients tracks the number of connected websocket clients.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers dictation sessions from a few seconds to an hour.
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
	if met.ConnectDuration, err = m.Float64Histogram("dictation.connect.duration",
		metric.WithDescription("Latency of the transcription service handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("dictation.session.duration",
		metric.WithDescription("Duration of dictation sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("dictation.frames.captured",
		metric.WithDescription("Total audio frames captured."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("dictation.chunks.sent",
		metric.WithDescription("Total audio chunks transmitted by provider."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("dictation.chunks.dropped",
		metric.WithDescription("Total audio chunks dropped from a full outbound queue by provider."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("dictation.transcript.events",
		metric.WithDescription("Total transcript events by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("dictation.provider.requests",
		metric.WithDescription("Total transcription connect attempts by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("dictation.session.errors",
		metric.WithDescription("Total dictation sessions ended by an error, by cause."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dictation.active_sessions",
		metric.WithDescription("Number of listening dictation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("dictation.active_clients",
		metric.WithDescription("Number of connected dictation websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dictation.http.request.duration",
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

// RecordProviderRequest records a connect attempt with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordConnect records a connect attempt together with its handshake latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.RecordProviderRequest(ctx, provider, status)
}

// RecordChunkSent records one transmitted chunk.
func (m *Metrics) RecordChunkSent(ctx context.Context, provider string) {
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordChunkDropped records one chunk evicted from the outbound queue.
func (m *Metrics) RecordChunkDropped(ctx context.Context, provider string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTranscriptEvent records one recognition result.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, provider string, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionError records a session that ended in the error state.
func (m *Metrics) RecordSessionError(ctx context.Context, cause string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
