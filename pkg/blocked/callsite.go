// Package blocked detects task polls that hold a worker for too long.
// It consumes span lifecycle events from a cooperative task runtime and emits
// a diagnostic whenever a single poll exceeds a configured threshold.
package blocked

import (
	"go.opentelemetry.io/otel/attribute"
)

// SpanID identifies one open span instance. Hosts must not reuse an ID until
// the instance it names has been closed.
type SpanID uint64

// Callsite describes the source location that creates spans. Hosts allocate
// one *Callsite per location and reuse it for every instance created there;
// the pointer is the callsite's identity.
type Callsite struct {
	Name   string
	Target string
	File   string
	Line   uint32
	Col    uint32
}

// Span attribute keys carrying the user-code location of a spawn.
const (
	LocFileKey = attribute.Key("loc.file")
	LocLineKey = attribute.Key("loc.line")
	LocColKey  = attribute.Key("loc.col")
)

const unknownFile = "<unknown>"

// origin is the user-code location recorded on a span at creation time.
type origin struct {
	file    string
	line    uint32
	col     uint32
	hasLine bool
	hasCol  bool
}

func originFrom(attrs []attribute.KeyValue) origin {
	var o origin
	for _, kv := range attrs {
		switch kv.Key {
		case LocFileKey:
			if kv.Value.Type() == attribute.STRING {
				o.file = kv.Value.AsString()
			}
		case LocLineKey:
			if v, ok := uint32Value(kv.Value); ok {
				o.line, o.hasLine = v, true
			}
		case LocColKey:
			if v, ok := uint32Value(kv.Value); ok {
				o.col, o.hasCol = v, true
			}
		}
	}
	return o
}

func uint32Value(v attribute.Value) (uint32, bool) {
	if v.Type() != attribute.INT64 {
		return 0, false
	}
	n := v.AsInt64()
	if n < 0 || n > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(n), true
}

// resolve returns the callsite as reported in diagnostics: the span's own
// location fields win over the static metadata.
func (o origin) resolve(cs *Callsite) Callsite {
	out := *cs
	if o.file != "" {
		out.File = o.file
	}
	if out.File == "" {
		out.File = unknownFile
	}
	if o.hasLine {
		out.Line = o.line
	}
	if o.hasCol {
		out.Col = o.col
	}
	return out
}
