// Property-based tests for span conversion and replay using pgregory.net/rapid
// Covers event ordering, marshal round-trips, and detection against a
// directly computed expectation
package replay

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"pgregory.net/rapid"
)

// genSpans produces spans with unique ids, drawn from a small pool of
// callsites, all classified as polls.
func genSpans(t *rapid.T) []Span {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := rapid.IntRange(1, 30).Draw(t, "spans")
	spans := make([]Span, n)
	for i := range spans {
		start := rapid.Int64Range(0, int64(time.Second)).Draw(t, "start")
		dur := rapid.Int64Range(0, int64(50*time.Millisecond)).Draw(t, "duration")
		scope := rapid.SampledFrom([]string{"io", "net", "fs"}).Draw(t, "scope")
		line := rapid.IntRange(0, 3).Draw(t, "line")
		attrs := map[string]string{}
		if line > 0 {
			attrs["code.line.number"] = fmt.Sprint(line)
		}
		spans[i] = Span{
			SpanID:     fmt.Sprintf("%016x", i+1),
			Scope:      scope,
			Name:       "runtime.resource.async_op.poll",
			StartTime:  base.Add(time.Duration(start)),
			EndTime:    base.Add(time.Duration(start + dur)),
			Attributes: attrs,
		}
	}
	return spans
}

func TestProperty_FromSpansOrdersEvents(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spans := genSpans(t)
		l := FromSpans(spans)

		if err := l.Validate(); err != nil {
			t.Fatalf("generated log is invalid: %v", err)
		}
		if len(l.Events) != 4*len(spans) {
			t.Fatalf("got %d events for %d spans", len(l.Events), len(spans))
		}

		next := map[blocked.SpanID]Kind{}
		order := map[Kind]Kind{KindNew: KindEnter, KindEnter: KindExit, KindExit: KindClose}
		for i, ev := range l.Events {
			if i > 0 && ev.At < l.Events[i-1].At {
				t.Fatalf("event %d at %s precedes event %d at %s", i, ev.At, i-1, l.Events[i-1].At)
			}
			want, seen := next[ev.Span]
			if !seen {
				want = KindNew
			}
			if ev.Kind != want {
				t.Fatalf("span %d: got %s, want %s", ev.Span, ev.Kind, want)
			}
			next[ev.Span] = order[ev.Kind]
		}
	})
}

func TestProperty_MarshalRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := FromSpans(genSpans(t))
		data, err := l.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		again, err := ParseLog(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ParseLog failed on marshalled log:\n%s\nerror: %v", data, err)
		}
		if len(again.Events) != len(l.Events) || len(again.Callsites) != len(l.Callsites) {
			t.Fatalf("round trip changed the log:\n%s", data)
		}
		for i := range l.Events {
			a, b := l.Events[i], again.Events[i]
			if a.At != b.At || a.Span != b.Span || a.Kind != b.Kind || a.Callsite != b.Callsite {
				t.Fatalf("event %d: %+v became %+v", i, a, b)
			}
		}
	})
}

func TestProperty_PlayReportsSlowSpans(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spans := genSpans(t)
		threshold := time.Duration(rapid.Int64Range(0, int64(50*time.Millisecond)).Draw(t, "threshold"))

		want := 0
		for _, s := range spans {
			if s.EndTime.Sub(s.StartTime) >= threshold {
				want++
			}
		}

		res, err := Play(context.Background(), FromSpans(spans), nil,
			blocked.WithThresholds(blocked.Thresholds{}.WithBusySinglePoll(threshold)))
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if len(res.Diagnostics) != want {
			t.Fatalf("got %d diagnostics, want %d (threshold %s)", len(res.Diagnostics), want, threshold)
		}
		if res.OpenCells != 0 {
			t.Fatalf("%d cells left open", res.OpenCells)
		}
		for _, d := range res.Diagnostics {
			if d.Elapsed < threshold {
				t.Fatalf("reported %s, below threshold %s", d.Elapsed, threshold)
			}
		}
	})
}
