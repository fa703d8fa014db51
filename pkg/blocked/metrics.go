// Metrics derived from diagnostics, and the observer's own health instruments.
// Uses the OTel Metrics API; a noop provider makes every instrument free.
package blocked

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MetricEmitter records a count and a duration histogram of blocked polls.
type MetricEmitter struct {
	blocked  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetricEmitter creates a MetricEmitter backed by the given MeterProvider.
func NewMetricEmitter(mp metric.MeterProvider) (*MetricEmitter, error) {
	meter := mp.Meter(DiagnosticTarget)

	blocked, err := meter.Int64Counter("blockwatch.poll.blocked",
		metric.WithDescription("Number of task polls that exceeded a threshold"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("blockwatch.poll.blocked.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of task polls that exceeded a threshold, in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricEmitter{blocked: blocked, duration: duration}, nil
}

// Emit records d.
func (m *MetricEmitter) Emit(ctx context.Context, d Diagnostic) {
	attrs := metric.WithAttributes(
		attribute.String("callsite.name", d.Callsite.Name),
		attribute.String("callsite.target", d.Callsite.Target),
		attribute.String("severity", d.Severity.String()),
	)
	m.blocked.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d.Elapsed)/float64(time.Millisecond), attrs)
}

// Anomaly kinds reported on blockwatch.anomalies.
const (
	anomalyUnmatchedExit  = "unmatched_exit"
	anomalyReentrantEnter = "reentrant_enter"
	anomalyAbandonedPoll  = "abandoned_poll"
	anomalyDuplicateSpan  = "duplicate_span"
	anomalyEmitPanic      = "emit_panic"
)

var anomalyKinds = []string{
	anomalyUnmatchedExit,
	anomalyReentrantEnter,
	anomalyAbandonedPoll,
	anomalyDuplicateSpan,
	anomalyEmitPanic,
}

// instruments are the observer's health metrics.
type instruments struct {
	anomalies metric.Int64Counter
	kinds     map[string]metric.AddOption
	open      metric.Registration
}

// newInstruments never fails: instruments that cannot be created fall back
// to noop ones.
func newInstruments(mp metric.MeterProvider, cells *cellTable) *instruments {
	meter := mp.Meter(ReservedTarget)

	anomalies, err := meter.Int64Counter("blockwatch.anomalies",
		metric.WithDescription("Span lifecycle events that violated the host protocol"),
	)
	if err != nil {
		anomalies = noop.Int64Counter{}
	}

	var open metric.Registration = noop.Registration{}
	gauge, err := meter.Int64ObservableGauge("blockwatch.cells.open",
		metric.WithDescription("Instrumented spans that have not been closed"),
	)
	if err == nil {
		reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, cells.len())
			return nil
		}, gauge)
		if err == nil {
			open = reg
		}
	}

	kinds := make(map[string]metric.AddOption, len(anomalyKinds))
	for _, k := range anomalyKinds {
		kinds[k] = metric.WithAttributeSet(attribute.NewSet(attribute.String("kind", k)))
	}
	return &instruments{anomalies: anomalies, kinds: kinds, open: open}
}

func (i *instruments) anomaly(kind string) {
	i.anomalies.Add(context.Background(), 1, i.kinds[kind])
}

// close stops reporting blockwatch.cells.open for this observer.
func (i *instruments) close() error {
	return i.open.Unregister()
}
