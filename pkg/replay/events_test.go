package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

const blockedLog = `
callsites:
  spawn:
    name: runtime.spawn
    target: tokio::task
    file: src/main.rs
    line: 24
    col: 5
events:
  - {at: 0s, span: 1, kind: new, callsite: spawn}
  - {at: 1ms, span: 1, kind: enter}
  - {at: 1201ms, span: 1, kind: exit}
  - {at: 1202ms, span: 1, kind: close}
`

func TestParseLog(t *testing.T) {
	t.Parallel()

	l, err := ParseLog(strings.NewReader(blockedLog))
	require.NoError(t, err)
	require.Len(t, l.Events, 4)
	assert.Equal(t, CallsiteRef{Name: "runtime.spawn", Target: "tokio::task", File: "src/main.rs", Line: 24, Col: 5}, l.Callsites["spawn"])
	assert.Equal(t, 1201*time.Millisecond, l.Events[2].At)
	assert.Equal(t, blocked.SpanID(1), l.Events[2].Span)
	assert.Equal(t, KindExit, l.Events[2].Kind)
}

func TestParseLogSortsStably(t *testing.T) {
	t.Parallel()

	input := `
callsites:
  a: {name: runtime.spawn, target: app::task}
events:
  - {at: 2ms, span: 1, kind: exit}
  - {at: 0s, span: 1, kind: new, callsite: a}
  - {at: 0s, span: 1, kind: enter}
  - {at: 2ms, span: 1, kind: close}
`
	l, err := ParseLog(strings.NewReader(input))
	require.NoError(t, err)

	kinds := make([]Kind, 0, len(l.Events))
	for _, ev := range l.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []Kind{KindNew, KindEnter, KindExit, KindClose}, kinds)
}

func TestParseLogErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "event log is empty"},
		{"no events", "callsites: {}\nevents: []\n", "no events"},
		{"unknown kind", "events:\n  - {at: 0s, span: 1, kind: poll}\n", `unknown kind "poll"`},
		{"new without callsite", "events:\n  - {at: 0s, span: 1, kind: new}\n", "has no callsite"},
		{"unknown callsite", "events:\n  - {at: 0s, span: 1, kind: new, callsite: nope}\n", `unknown callsite "nope"`},
		{"negative time", "events:\n  - {at: -1ms, span: 1, kind: enter}\n", "negative time"},
		{"nameless callsite", "callsites:\n  a: {target: x}\nevents:\n  - {at: 0s, span: 1, kind: enter}\n", "name is required"},
		{"unknown field", "events:\n  - {at: 0s, span: 1, kind: enter, extra: 1}\n", "parsing event log"},
		{"bad duration", "events:\n  - {at: soon, span: 1, kind: enter}\n", "parsing event log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseLog(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blockedLog), 0o600))

	l, err := LoadLog(path)
	require.NoError(t, err)
	assert.Len(t, l.Events, 4)

	_, err = LoadLog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading event log")
}

func TestMarshalParsesBack(t *testing.T) {
	t.Parallel()

	l, err := ParseLog(strings.NewReader(blockedLog))
	require.NoError(t, err)
	l.Events[0].Fields = map[string]any{"loc.file": "src/lib.rs", "loc.line": 7}

	data, err := l.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "at: 1.201s")

	again, err := ParseLog(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, l, again)
}

func TestFieldAttrs(t *testing.T) {
	t.Parallel()

	attrs := fieldAttrs(map[string]any{
		"loc.line": 12,
		"loc.file": "src/lib.rs",
		"ok":       true,
		"ratio":    0.5,
		"list":     []any{1, 2},
	})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("list", "[1 2]"),
		attribute.String("loc.file", "src/lib.rs"),
		attribute.Int("loc.line", 12),
		attribute.Bool("ok", true),
		attribute.Float64("ratio", 0.5),
	}, attrs)
	assert.Nil(t, fieldAttrs(nil))
}
