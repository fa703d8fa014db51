// Exported-span parsers (stdouttrace line JSON and OTLP protobuf JSON) and
// conversion of spans into an event log, one poll per span.
package replay

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Span is the format-independent representation of an exported span.
type Span struct {
	SpanID     string
	Scope      string
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]string
}

// Format identifies the input trace format.
type Format string

const (
	FormatAuto        Format = "auto"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

const maxInputSize = 256 * 1024 * 1024 // 256 MB

var errNoSpans = fmt.Errorf("no spans found in input\n\nProvide a file or pipe stdin:\n  blockwatch import traces.json\n  cat traces.json | blockwatch import")

// ParseSpans reads spans in the given format. FormatAuto inspects the first
// JSON object to decide.
func ParseSpans(r io.Reader, format Format) ([]Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNoSpans
	}

	if format == FormatAuto {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	switch format {
	case FormatStdouttrace:
		return parseStdouttrace(data)
	case FormatOTLP:
		return parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, stdouttrace, otlp", format)
	}
}

func detectFormat(data []byte) (Format, error) {
	firstLine, _, hasMore := bytes.Cut(data, []byte{'\n'})
	firstLine = bytes.TrimSpace(firstLine)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(firstLine, &keys); err == nil {
		if _, ok := keys["SpanContext"]; ok {
			return FormatStdouttrace, nil
		}
		if _, ok := keys["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}

	// Pretty-printed OTLP spans several lines.
	if hasMore {
		if err := json.Unmarshal(data, &keys); err == nil {
			if _, ok := keys["resourceSpans"]; ok {
				return FormatOTLP, nil
			}
		}
	}

	return "", fmt.Errorf("cannot detect format: input has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

// stdouttraceSpan mirrors the fields of the Go SDK's stdouttrace output
// that replay needs.
type stdouttraceSpan struct {
	Name        string `json:"Name"`
	SpanContext struct {
		SpanID string `json:"SpanID"`
	} `json:"SpanContext"`
	StartTime  time.Time `json:"StartTime"`
	EndTime    time.Time `json:"EndTime"`
	Attributes []struct {
		Key   string `json:"Key"`
		Value struct {
			Type  string `json:"Type"`
			Value any    `json:"Value"`
		} `json:"Value"`
	} `json:"Attributes"`
	InstrumentationScope struct {
		Name string `json:"Name"`
	} `json:"InstrumentationScope"`
}

func parseStdouttrace(data []byte) ([]Span, error) {
	var spans []Span
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var s stdouttraceSpan
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		attrs := make(map[string]string, len(s.Attributes))
		for _, a := range s.Attributes {
			attrs[a.Key] = fmt.Sprint(a.Value.Value)
		}
		spans = append(spans, Span{
			SpanID:     s.SpanContext.SpanID,
			Scope:      s.InstrumentationScope.Name,
			Name:       s.Name,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
			Attributes: attrs,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(spans) == 0 {
		return nil, errNoSpans
	}
	return spans, nil
}

func parseOTLP(data []byte) ([]Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	var spans []Span
	for _, rs := range req.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			scope := ss.Scope.GetName()
			for _, span := range ss.Spans {
				attrs := make(map[string]string, len(span.Attributes))
				for _, a := range span.Attributes {
					attrs[a.Key] = attrValueString(a.Value)
				}
				spans = append(spans, Span{
					SpanID:     hex.EncodeToString(span.SpanId),
					Scope:      scope,
					Name:       span.Name,
					StartTime:  time.Unix(0, int64(span.StartTimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
					EndTime:    time.Unix(0, int64(span.EndTimeUnixNano)),   //nolint:gosec // nanosecond timestamps are always positive
					Attributes: attrs,
				})
			}
		}
	}

	if len(spans) == 0 {
		return nil, errNoSpans
	}
	return spans, nil
}

// attrValueString extracts the value from an OTLP AnyValue. Proto oneofs
// format as "type_key:value", so only the value part is kept.
func attrValueString(v interface{ GetStringValue() string }) string {
	if s := v.GetStringValue(); s != "" {
		return s
	}
	str := fmt.Sprintf("%v", v)
	if _, after, ok := strings.Cut(str, ":"); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(str)
}

// Code location attribute keys, current and legacy names.
var (
	fileKeys   = []string{"code.file.path", "code.filepath"}
	lineKeys   = []string{"code.line.number", "code.lineno"}
	columnKeys = []string{"code.column.number", "code.column"}
)

func firstAttr(attrs map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			return v
		}
	}
	return ""
}

func parseUint32(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// FromSpans converts spans into an event log: each span is a new span
// entered at its start and exited and closed at its end. Times are offsets
// from the earliest start. Spans from the same scope, name and code
// location share a callsite.
func FromSpans(spans []Span) *Log {
	l := &Log{Callsites: map[string]CallsiteRef{}}
	if len(spans) == 0 {
		return l
	}

	base := spans[0].StartTime
	for _, s := range spans[1:] {
		if s.StartTime.Before(base) {
			base = s.StartTime
		}
	}

	refs := map[CallsiteRef]string{}
	used := map[blocked.SpanID]bool{}
	for i, s := range spans {
		cs := CallsiteRef{
			Name:   s.Name,
			Target: s.Scope,
			File:   firstAttr(s.Attributes, fileKeys),
			Line:   parseUint32(firstAttr(s.Attributes, lineKeys)),
			Col:    parseUint32(firstAttr(s.Attributes, columnKeys)),
		}
		ref, ok := refs[cs]
		if !ok {
			ref = fmt.Sprintf("cs%d", len(refs)+1)
			refs[cs] = ref
			l.Callsites[ref] = cs
		}

		id := spanIDFromHex(s.SpanID)
		if id == 0 || used[id] {
			id = blocked.SpanID(i + 1)
			for used[id] {
				id += blocked.SpanID(len(spans))
			}
		}
		used[id] = true

		start := s.StartTime.Sub(base)
		end := s.EndTime.Sub(base)
		if end < start {
			end = start
		}
		l.Events = append(l.Events,
			Event{At: start, Span: id, Kind: KindNew, Callsite: ref, Fields: locFields(s.Attributes)},
			Event{At: start, Span: id, Kind: KindEnter},
			Event{At: end, Span: id, Kind: KindExit},
			Event{At: end, Span: id, Kind: KindClose},
		)
	}
	l.Sort()
	return l
}

// locFields carries spawn-location attributes through to the new-span event.
func locFields(attrs map[string]string) map[string]any {
	var fields map[string]any
	set := func(k string, v any) {
		if fields == nil {
			fields = map[string]any{}
		}
		fields[k] = v
	}
	if v, ok := attrs[string(blocked.LocFileKey)]; ok {
		set(string(blocked.LocFileKey), v)
	}
	for _, k := range []string{string(blocked.LocLineKey), string(blocked.LocColKey)} {
		if v, ok := attrs[k]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				set(k, n)
			}
		}
	}
	return fields
}

func spanIDFromHex(s string) blocked.SpanID {
	if len(s) > 16 {
		s = s[len(s)-16:]
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return blocked.SpanID(n)
}
