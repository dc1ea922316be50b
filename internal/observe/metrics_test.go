package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCodecFrameCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCodecFrame(ctx, "encode")
	m.RecordCodecFrame(ctx, "encode")
	m.RecordCodecFrame(ctx, "decode")

	rm := collect(t, reader)
	metric := findMetric(rm, "xswarm.codec.frames")
	if metric == nil {
		t.Fatal("xswarm.codec.frames not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("total frames = %d, want 3", total)
	}
}

func TestEncodeDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EncodeDuration.Record(ctx, 0.004)
	m.EncodeDuration.Record(ctx, 0.012)

	rm := collect(t, reader)
	metric := findMetric(rm, "xswarm.codec.encode.duration")
	if metric == nil {
		t.Fatal("xswarm.codec.encode.duration not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Fatalf("histogram count = %d, want 2", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQueueDepth(ctx, "encode_req", 3)
	m.RecordQueueDepth(ctx, "encode_req", 1)

	rm := collect(t, reader)
	metric := findMetric(rm, "xswarm.codec.queue.depth")
	if metric == nil {
		t.Fatal("xswarm.codec.queue.depth not found")
	}
	gauge, ok := metric.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	if len(gauge.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(gauge.DataPoints))
	}
	// Gauges report the last recorded value.
	if got := gauge.DataPoints[0].Value; got != 1 {
		t.Fatalf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
