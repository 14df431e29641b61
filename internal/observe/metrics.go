// Package observe provides application-wide observability primitives for
// mixwire: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// scopeName is the instrumentation scope for all mixwire metrics and traces.
const scopeName = "github.com/mixwire/mixwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RenderDuration tracks the wall time of a single mix render pass.
	// The render quantum leaves roughly 2.7 ms of headroom, so the buckets
	// concentrate well below a millisecond.
	RenderDuration metric.Float64Histogram

	// CaptureFailures counts failed source acquisitions. Use with attribute:
	//   attribute.String("kind", ...)
	CaptureFailures metric.Int64Counter

	// ActiveSources tracks the number of sources attached to the mix bus.
	// Use with attribute: attribute.String("kind", ...)
	ActiveSources metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time on the
	// health/metrics listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// renderBuckets defines histogram bucket boundaries (in seconds) for the mix
// render pass, which is expected to complete in the tens of microseconds.
var renderBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	if met.RenderDuration, err = m.Float64Histogram("mixwire.mix.render.duration",
		metric.WithDescription("Wall time of a single mix render pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureFailures, err = m.Int64Counter("mixwire.capture.failures",
		metric.WithDescription("Total failed source acquisitions by source kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSources, err = m.Int64UpDownCounter("mixwire.sources.active",
		metric.WithDescription("Number of sources attached to the mix bus by source kind."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("mixwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterStreamStats registers observable counters for frame delivery totals
// with the given provider. The stats callback is invoked on every metric
// collection and must return monotonic cumulative totals, which matches what
// the streaming engine reports. The returned registration can be used to
// unregister the callback.
func RegisterStreamStats(mp metric.MeterProvider, stats func() (emitted, dropped uint64)) (metric.Registration, error) {
	m := mp.Meter(scopeName)

	emittedCtr, err := m.Int64ObservableCounter("mixwire.stream.frames.emitted",
		metric.WithDescription("Total audio frames handed to the transport."),
	)
	if err != nil {
		return nil, err
	}
	droppedCtr, err := m.Int64ObservableCounter("mixwire.stream.frames.dropped",
		metric.WithDescription("Total audio frames dropped because the transport could not keep up."),
	)
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		emitted, dropped := stats()
		o.ObserveInt64(emittedCtr, int64(emitted))
		o.ObserveInt64(droppedCtr, int64(dropped))
		return nil
	}, emittedCtr, droppedCtr)
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

// RecordCaptureFailure records a failed source acquisition for the given
// source kind.
func (m *Metrics) RecordCaptureFailure(ctx context.Context, kind string) {
	m.CaptureFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// AddActiveSources adjusts the active source gauge for the given source kind.
// Pass a negative delta when a source stops.
func (m *Metrics) AddActiveSources(ctx context.Context, kind string, delta int64) {
	m.ActiveSources.Add(ctx, delta,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
