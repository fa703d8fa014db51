// Tests for LogEmitter that renders diagnostics as OTel log records.
// Uses an in-memory log exporter to capture and verify emitted records.
package blocked

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) get() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sdklog.Record, len(e.records))
	copy(out, e.records)
	return out
}

func newTestLogEmitter(t *testing.T) (*LogEmitter, *memoryLogExporter) {
	t.Helper()
	exporter := &memoryLogExporter{}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	)
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	return NewLogEmitter(lp), exporter
}

func attrMap(r sdklog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestLogEmitterWarnRecord(t *testing.T) {
	t.Parallel()

	emitter, exporter := newTestLogEmitter(t)
	emitter.Emit(context.Background(), Diagnostic{
		Severity:  SeverityWarn,
		Check:     CheckBusySinglePoll,
		Threshold: 150 * time.Microsecond,
		Elapsed:   2_000_394_057 * time.Nanosecond,
		Callsite:  *tokioSpawn(),
	})

	records := exporter.get()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, otellog.SeverityWarn, r.Severity())
	assert.Equal(t, "WARN", r.SeverityText())
	assert.Equal(t, DiagnosticTarget, r.InstrumentationScope().Name)
	assert.Contains(t, r.Body().AsString(), "task poll blocked")
	assert.Contains(t, r.Body().AsString(), "src/main.rs:24:5")

	attrs := attrMap(r)
	assert.Equal(t, int64(2000394057), attrs["poll_duration_ns"].AsInt64())
	assert.Equal(t, "runtime.spawn", attrs["callsite.name"].AsString())
	assert.Equal(t, "tokio::task", attrs["callsite.target"].AsString())
	assert.Equal(t, "src/main.rs", attrs["callsite.file"].AsString())
	assert.Equal(t, int64(24), attrs["callsite.line"].AsInt64())
	assert.Equal(t, int64(5), attrs["callsite.col"].AsInt64())
	assert.Equal(t, CheckBusySinglePoll, attrs["check"].AsString())
	assert.Equal(t, int64(150_000), attrs["threshold_ns"].AsInt64())
}

func TestLogEmitterInfoRecord(t *testing.T) {
	t.Parallel()

	emitter, exporter := newTestLogEmitter(t)
	emitter.Emit(context.Background(), Diagnostic{
		Severity: SeverityInfo,
		Check:    CheckInfoBusySinglePoll,
		Elapsed:  time.Millisecond,
		Callsite: *tokioSpawn(),
	})

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, otellog.SeverityInfo, records[0].Severity())
	assert.Equal(t, "INFO", records[0].SeverityText())
}

func TestObserverWithLogEmitter(t *testing.T) {
	t.Parallel()

	emitter, exporter := newTestLogEmitter(t)
	clock := &ManualClock{}
	obs := New(emitter, WithThresholds(Thresholds{}.WithBusySinglePoll(150*time.Microsecond)), WithClock(clock))

	obs.OnNewSpan(1, tokioSpawn())
	obs.OnEnter(1)
	clock.Advance(time.Second)
	obs.OnExit(1)
	obs.OnClose(1)

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, int64(time.Second), attrMap(records[0])["poll_duration_ns"].AsInt64())
}

func TestLogEmitterWithoutSubscriber(t *testing.T) {
	t.Parallel()

	lp := sdklog.NewLoggerProvider()
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	emitter := NewLogEmitter(lp)

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), Diagnostic{Severity: SeverityWarn, Callsite: *tokioSpawn()})
	})
}
