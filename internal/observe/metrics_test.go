package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// histogramCount fails the test unless name exists as a float64 histogram,
// then returns the sample count of its first data point.
func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a histogram", name)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return hist.DataPoints[0].Count
}

// sumPoints fails the test unless name exists as an int64 sum, then returns
// its data points.
func sumPoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	if len(sum.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return sum.DataPoints
}

func TestRenderDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RenderDuration.Record(ctx, 0.00004)
	m.RenderDuration.Record(ctx, 0.00012)

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "mixwire.mix.render.duration"); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestCaptureFailuresCountedPerKind(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureFailure(ctx, "externalDevice")
	m.RecordCaptureFailure(ctx, "externalDevice")
	m.RecordCaptureFailure(ctx, "browserView")

	rm := collect(t, reader)
	for _, dp := range sumPoints(t, rm, "mixwire.capture.failures") {
		if v, ok := dp.Attributes.Value(attribute.Key("kind")); ok && v.AsString() == "externalDevice" {
			if dp.Value != 2 {
				t.Errorf("externalDevice failures = %d, want 2", dp.Value)
			}
			return
		}
	}
	t.Error("data point with kind=externalDevice not found")
}

func TestActiveSourcesGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddActiveSources(ctx, "browserView", 1)
	m.AddActiveSources(ctx, "browserView", 1)
	m.AddActiveSources(ctx, "browserView", -1)

	rm := collect(t, reader)
	if got := sumPoints(t, rm, "mixwire.sources.active")[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestRegisterStreamStats(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	reg, err := RegisterStreamStats(mp, func() (uint64, uint64) {
		return 42, 7
	})
	if err != nil {
		t.Fatalf("RegisterStreamStats: %v", err)
	}
	t.Cleanup(func() { _ = reg.Unregister() })

	rm := collect(t, reader)
	if got := sumPoints(t, rm, "mixwire.stream.frames.emitted")[0].Value; got != 42 {
		t.Errorf("frames emitted = %d, want 42", got)
	}
	if got := sumPoints(t, rm, "mixwire.stream.frames.dropped")[0].Value; got != 7 {
		t.Errorf("frames dropped = %d, want 7", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "mixwire.http.request.duration"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
