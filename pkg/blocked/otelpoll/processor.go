// Package otelpoll adapts OpenTelemetry SDK spans to the blocked event stream.
// Each SDK span is treated as one poll: start is new-span plus enter, end is
// exit plus close. The callsite is the tracer scope (target), the span name,
// and the code.* location attributes present at start.
package otelpoll

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Code location attribute keys, current and legacy semantic convention names.
const (
	CodeFilePathKey   = attribute.Key("code.file.path")
	CodeLineNumberKey = attribute.Key("code.line.number")
	CodeColumnKey     = attribute.Key("code.column.number")

	legacyFilePathKey = attribute.Key("code.filepath")
	legacyLineKey     = attribute.Key("code.lineno")
	legacyColumnKey   = attribute.Key("code.column")
)

// Processor is an sdktrace.SpanProcessor that reports span lifecycles to a
// blocked.Subscriber.
type Processor struct {
	sub       blocked.Subscriber
	callsites sync.Map // callsiteKey -> *blocked.Callsite
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// NewProcessor returns a Processor reporting to sub.
func NewProcessor(sub blocked.Subscriber) *Processor {
	return &Processor{sub: sub}
}

type callsiteKey struct {
	target, name, file string
	line, col          int64
}

// OnStart reports a new span and its enter.
func (p *Processor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	id := spanID(s.SpanContext().SpanID())
	p.sub.OnNewSpan(id, p.callsite(s))
	p.sub.OnEnter(id)
}

// OnEnd reports the span's exit and close.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	id := spanID(s.SpanContext().SpanID())
	p.sub.OnExit(id)
	p.sub.OnClose(id)
}

// Shutdown does nothing.
func (p *Processor) Shutdown(context.Context) error { return nil }

// ForceFlush does nothing.
func (p *Processor) ForceFlush(context.Context) error { return nil }

// callsite returns the interned callsite for the span's location so that
// classification is cached across spans from the same place.
func (p *Processor) callsite(s sdktrace.ReadOnlySpan) *blocked.Callsite {
	key := callsiteKey{target: s.InstrumentationScope().Name, name: s.Name()}
	for _, kv := range s.Attributes() {
		switch kv.Key {
		case CodeFilePathKey, legacyFilePathKey:
			key.file = kv.Value.AsString()
		case CodeLineNumberKey, legacyLineKey:
			key.line = kv.Value.AsInt64()
		case CodeColumnKey, legacyColumnKey:
			key.col = kv.Value.AsInt64()
		}
	}
	if v, ok := p.callsites.Load(key); ok {
		return v.(*blocked.Callsite)
	}
	cs := &blocked.Callsite{
		Name:   key.name,
		Target: key.target,
		File:   key.file,
		Line:   clampUint32(key.line),
		Col:    clampUint32(key.col),
	}
	v, _ := p.callsites.LoadOrStore(key, cs)
	return v.(*blocked.Callsite)
}

func clampUint32(n int64) uint32 {
	if n < 0 {
		return 0
	}
	if n > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

func spanID(id trace.SpanID) blocked.SpanID {
	return blocked.SpanID(binary.BigEndian.Uint64(id[:]))
}

// Start starts a span on tracer annotated with the caller's file and line,
// so that polls from different places get distinct callsites.
func Start(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if _, file, line, ok := runtime.Caller(1); ok {
		opts = append(opts, trace.WithAttributes(
			CodeFilePathKey.String(file),
			CodeLineNumberKey.Int(line),
		))
	}
	return tracer.Start(ctx, name, opts...)
}
