// Package observe provides application-wide observability primitives for
// xSwarm: OpenTelemetry metrics and the SDK provider setup that bridges them
// to a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all xSwarm metrics.
const meterName = "github.com/xswarm-ai/xswarm"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Codec pipeline ---

	// EncodeDuration tracks the latency from encode submission to result
	// retrieval, per frame.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks decode submission-to-result latency per frame.
	DecodeDuration metric.Float64Histogram

	// CodecFrames counts frames through the codec. Use with attribute:
	//   attribute.String("direction", "encode"|"decode")
	CodecFrames metric.Int64Counter

	// CodecErrors counts fatal codec worker failures. Use with attribute:
	//   attribute.String("direction", ...)
	CodecErrors metric.Int64Counter

	// QueueDepth reports the instantaneous depth of a pipeline queue.
	// Use with attribute: attribute.String("queue", "encode_req"|...).
	QueueDepth metric.Int64Gauge

	// --- Inference ---

	// StepDuration tracks the latency of one model inference step. The
	// real-time budget is one 80 ms frame period.
	StepDuration metric.Float64Histogram

	// StepOverruns counts inference steps that exceeded the frame period.
	StepOverruns metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks live conversation sessions (terminal + calls).
	ActiveSessions metric.Int64UpDownCounter

	// Utterances counts completed utterances. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("persona", ...)
	Utterances metric.Int64Counter

	// --- Plugins ---

	// PluginCalls counts plugin tool invocations. Use with attributes:
	//   attribute.String("plugin", ...), attribute.String("status", ...)
	PluginCalls metric.Int64Counter

	// PluginDuration tracks plugin execution latency.
	PluginDuration metric.Float64Histogram

	// --- Memory ---

	// EmbeddingErrors counts embedding requests that failed and degraded to
	// a zero vector.
	EmbeddingErrors metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// codec and inference paths. The interesting region is well below the 80 ms
// frame period; anything past 250 ms is already an audible glitch.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.08, 0.1, 0.25, 0.5, 1,
}

// pluginBuckets covers the much slower plugin/tool execution path.
var pluginBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Codec histograms.
	if met.EncodeDuration, err = m.Float64Histogram("xswarm.codec.encode.duration",
		metric.WithDescription("Latency from encode submission to result retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("xswarm.codec.decode.duration",
		metric.WithDescription("Latency from decode submission to result retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Codec counters and gauges.
	if met.CodecFrames, err = m.Int64Counter("xswarm.codec.frames",
		metric.WithDescription("Total frames processed by the codec, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("xswarm.codec.errors",
		metric.WithDescription("Total fatal codec worker failures, by direction."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("xswarm.codec.queue.depth",
		metric.WithDescription("Instantaneous codec pipeline queue depth, by queue."),
	); err != nil {
		return nil, err
	}

	// Inference.
	if met.StepDuration, err = m.Float64Histogram("xswarm.model.step.duration",
		metric.WithDescription("Latency of one model inference step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StepOverruns, err = m.Int64Counter("xswarm.model.step.overruns",
		metric.WithDescription("Inference steps that exceeded the 80 ms frame period."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("xswarm.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("xswarm.utterances",
		metric.WithDescription("Total completed utterances by speaker and persona."),
	); err != nil {
		return nil, err
	}

	// Plugins.
	if met.PluginCalls, err = m.Int64Counter("xswarm.plugin.calls",
		metric.WithDescription("Total plugin invocations by plugin name and status."),
	); err != nil {
		return nil, err
	}
	if met.PluginDuration, err = m.Float64Histogram("xswarm.plugin.duration",
		metric.WithDescription("Latency of plugin execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pluginBuckets...),
	); err != nil {
		return nil, err
	}

	// Memory.
	if met.EmbeddingErrors, err = m.Int64Counter("xswarm.embedding.errors",
		metric.WithDescription("Embedding requests that failed and degraded to a zero vector."),
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

// RecordCodecFrame records one processed frame for the given direction.
func (m *Metrics) RecordCodecFrame(ctx context.Context, direction string) {
	m.CodecFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordQueueDepth records the instantaneous depth of the named queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int) {
	m.QueueDepth.Record(ctx, int64(depth),
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// SessionStarted records a conversation session coming up. Pair every call
// with a [Metrics.SessionEnded] so the gauge returns to zero.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records a conversation session going away.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// RecordEmbeddingError records an embedding request that failed and degraded
// to a zero vector.
func (m *Metrics) RecordEmbeddingError(ctx context.Context) {
	m.EmbeddingErrors.Add(ctx, 1)
}

// RecordPluginCall records a plugin invocation with the standard attributes.
func (m *Metrics) RecordPluginCall(ctx context.Context, plugin, status string) {
	m.PluginCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("plugin", plugin),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records a completed utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, speaker, persona string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("persona", persona),
		),
	)
}
