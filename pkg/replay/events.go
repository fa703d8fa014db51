// Package replay drives a blocked.Observer from a recorded event stream on a
// manual clock. Streams come from YAML event logs or from exported
// OpenTelemetry spans.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// Kind is the type of a lifecycle event.
type Kind string

const (
	KindNew   Kind = "new"
	KindEnter Kind = "enter"
	KindExit  Kind = "exit"
	KindClose Kind = "close"
)

// CallsiteRef is a callsite definition in an event log.
type CallsiteRef struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
	File   string `yaml:"file,omitempty"`
	Line   uint32 `yaml:"line,omitempty"`
	Col    uint32 `yaml:"col,omitempty"`
}

// Event is one lifecycle event at offset At from the start of the stream.
type Event struct {
	At       time.Duration  `yaml:"at"`
	Span     blocked.SpanID `yaml:"span"`
	Kind     Kind           `yaml:"kind"`
	Callsite string         `yaml:"callsite,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
}

// Log is a recorded event stream.
type Log struct {
	Callsites map[string]CallsiteRef `yaml:"callsites"`
	Events    []Event                `yaml:"events"`
}

// LoadLog reads and validates an event log file.
func LoadLog(path string) (*Log, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied event log path is expected
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseLog(f)
}

// ParseLog decodes an event log, sorts its events by time and validates it.
func ParseLog(r io.Reader) (*Log, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var l Log
	if err := dec.Decode(&l); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("event log is empty")
		}
		return nil, fmt.Errorf("parsing event log: %w", err)
	}
	l.Sort()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Sort orders events by time, keeping the recorded order of simultaneous events.
func (l *Log) Sort() {
	slices.SortStableFunc(l.Events, func(a, b Event) int {
		switch {
		case a.At < b.At:
			return -1
		case a.At > b.At:
			return 1
		}
		return 0
	})
}

// Validate checks that every event is well formed. It does not check that
// span lifecycles are well ordered; the observer tolerates that.
func (l *Log) Validate() error {
	if len(l.Events) == 0 {
		return fmt.Errorf("event log has no events")
	}
	for ref, cs := range l.Callsites {
		if cs.Name == "" {
			return fmt.Errorf("callsite %q: name is required", ref)
		}
	}
	for i, ev := range l.Events {
		if ev.At < 0 {
			return fmt.Errorf("event %d: negative time %s", i, ev.At)
		}
		switch ev.Kind {
		case KindNew:
			if ev.Callsite == "" {
				return fmt.Errorf("event %d: new span %d has no callsite", i, ev.Span)
			}
			if _, ok := l.Callsites[ev.Callsite]; !ok {
				return fmt.Errorf("event %d: unknown callsite %q", i, ev.Callsite)
			}
		case KindEnter, KindExit, KindClose:
		default:
			return fmt.Errorf("event %d: unknown kind %q, valid kinds: new, enter, exit, close", i, ev.Kind)
		}
	}
	return nil
}

// Marshal encodes the log as YAML.
func (l *Log) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("encoding event log: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding event log: %w", err)
	}
	return buf.Bytes(), nil
}

// callsites interns one *blocked.Callsite per reference, so that each
// reference is a single identity for classification.
func (l *Log) callsites() map[string]*blocked.Callsite {
	out := make(map[string]*blocked.Callsite, len(l.Callsites))
	for ref, cs := range l.Callsites {
		out[ref] = &blocked.Callsite{
			Name:   cs.Name,
			Target: cs.Target,
			File:   cs.File,
			Line:   cs.Line,
			Col:    cs.Col,
		}
	}
	return out
}

// fieldAttrs converts event fields to span attributes in key order.
func fieldAttrs(fields map[string]any) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		key := attribute.Key(k)
		switch v := fields[k].(type) {
		case string:
			attrs = append(attrs, key.String(v))
		case int:
			attrs = append(attrs, key.Int(v))
		case int64:
			attrs = append(attrs, key.Int64(v))
		case uint64:
			attrs = append(attrs, key.Int64(int64(v))) //nolint:gosec // field values are small
		case float64:
			attrs = append(attrs, key.Float64(v))
		case bool:
			attrs = append(attrs, key.Bool(v))
		default:
			attrs = append(attrs, key.String(fmt.Sprint(v)))
		}
	}
	return attrs
}
