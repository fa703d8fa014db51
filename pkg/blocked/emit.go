// Diagnostic records and the emitters that dispatch them.
// Emission is fire-and-forget: emitters never report errors to the observer.
package blocked

import (
	"context"
	"time"
)

// DiagnosticTarget is the instrumentation scope diagnostics are emitted under.
const DiagnosticTarget = ReservedTarget + ".task_poll_blocked"

// Diagnostic describes one poll that exceeded a threshold.
type Diagnostic struct {
	Severity  Severity
	Check     string
	Threshold time.Duration
	Elapsed   time.Duration
	SpanID    SpanID
	Callsite  Callsite
}

// PollDurationNS returns the measured poll duration in nanoseconds.
func (d Diagnostic) PollDurationNS() uint64 {
	if d.Elapsed < 0 {
		return 0
	}
	return uint64(d.Elapsed)
}

// Emitter dispatches diagnostics to a sink.
type Emitter interface {
	Emit(ctx context.Context, d Diagnostic)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, d Diagnostic)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, d Diagnostic) { f(ctx, d) }

// Emitters fans a diagnostic out to each emitter in order.
type Emitters []Emitter

// Emit dispatches d to every emitter.
func (es Emitters) Emit(ctx context.Context, d Diagnostic) {
	for _, e := range es {
		e.Emit(ctx, d)
	}
}

// Discard drops every diagnostic.
var Discard Emitter = EmitterFunc(func(context.Context, Diagnostic) {})
