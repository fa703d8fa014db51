// Observer: consumes span lifecycle events and measures each poll.
// Callbacks are invoked synchronously from the host's worker goroutines.
package blocked

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Subscriber receives span lifecycle events from a host runtime.
// For a given span, OnNewSpan precedes every OnEnter/OnExit pair, which
// precede OnClose. Enter and its matching exit never interleave with another
// enter or exit of the same span.
type Subscriber interface {
	OnNewSpan(id SpanID, cs *Callsite, attrs ...attribute.KeyValue)
	OnEnter(id SpanID)
	OnExit(id SpanID)
	OnClose(id SpanID)
}

// Observer detects polls that exceed the configured thresholds.
// Safe for concurrent use by any number of goroutines.
type Observer struct {
	classifier *Classifier
	thresholds Thresholds
	emitter    Emitter
	clock      Clock
	cells      *cellTable
	inst       *instruments
}

var _ Subscriber = (*Observer)(nil)

type options struct {
	classifier    *Classifier
	thresholds    Thresholds
	clock         Clock
	meterProvider metric.MeterProvider
}

// Option configures an Observer.
type Option func(*options)

// WithThresholds replaces DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(o *options) { o.thresholds = t }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c *Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithClock replaces the monotonic clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMeterProvider reports open cells and protocol anomalies through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// New returns an Observer that sends diagnostics to emitter.
// A nil emitter discards them.
func New(emitter Emitter, opts ...Option) *Observer {
	cfg := options{
		classifier:    DefaultClassifier(),
		thresholds:    DefaultThresholds(),
		clock:         MonotonicClock(),
		meterProvider: noop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if emitter == nil {
		emitter = Discard
	}
	cells := newCellTable()
	return &Observer{
		classifier: cfg.classifier,
		thresholds: cfg.thresholds,
		emitter:    emitter,
		clock:      cfg.clock,
		cells:      cells,
		inst:       newInstruments(cfg.meterProvider, cells),
	}
}

// Thresholds returns the observer's thresholds.
func (o *Observer) Thresholds() Thresholds {
	return o.thresholds
}

// OpenCells returns the number of instrumented spans not yet closed.
// Growth without bound means the host is losing close events.
func (o *Observer) OpenCells() int64 {
	return o.cells.len()
}

// Close unregisters the observer's blockwatch.cells.open callback so that
// another observer can report on the same MeterProvider. Span events are
// still handled after Close.
func (o *Observer) Close() error {
	return o.inst.close()
}

// OnNewSpan attaches a poll cell when cs is a task-poll callsite.
func (o *Observer) OnNewSpan(id SpanID, cs *Callsite, attrs ...attribute.KeyValue) {
	if !o.classifier.Classify(cs) {
		return
	}
	if o.cells.put(id, newPollCell(cs, originFrom(attrs))) {
		o.inst.anomaly(anomalyDuplicateSpan)
	}
}

// OnEnter records the start of a poll. A second enter without an exit
// replaces the pending start; the earlier interval is not measured.
func (o *Observer) OnEnter(id SpanID) {
	c := o.cells.get(id)
	if c == nil {
		return
	}
	if c.enter(o.clock.Now()) {
		o.inst.anomaly(anomalyReentrantEnter)
	}
}

// OnExit measures the poll that started at the matching enter and emits a
// diagnostic when it exceeds a threshold. Exits without an enter are ignored.
func (o *Observer) OnExit(id SpanID) {
	c := o.cells.get(id)
	if c == nil {
		return
	}
	elapsed, ok := c.exit(o.clock.Now())
	if !ok {
		o.inst.anomaly(anomalyUnmatchedExit)
		return
	}
	v := o.thresholds.Check(elapsed)
	if v.Severity == SeverityNone {
		return
	}
	o.emit(Diagnostic{
		Severity:  v.Severity,
		Check:     v.Check,
		Threshold: v.Threshold,
		Elapsed:   elapsed,
		SpanID:    id,
		Callsite:  c.origin.resolve(c.callsite),
	})
}

// OnClose releases the span's cell. A poll still pending at close is not
// evaluated.
func (o *Observer) OnClose(id SpanID) {
	c := o.cells.remove(id)
	if c == nil {
		return
	}
	if c.pending() {
		o.inst.anomaly(anomalyAbandonedPoll)
	}
}

func (o *Observer) emit(d Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			o.inst.anomaly(anomalyEmitPanic)
		}
	}()
	o.emitter.Emit(context.Background(), d)
}
