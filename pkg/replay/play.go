// Replay of an event log through a blocked.Observer on a manual clock.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
)

// Result summarises one replay.
type Result struct {
	Events      int
	Spans       int
	Diagnostics []blocked.Diagnostic
	// OpenCells counts instrumented spans still open at the end of the log.
	OpenCells int64
	// Duration is the time of the last event.
	Duration time.Duration
}

type collector struct {
	mu sync.Mutex
	ds []blocked.Diagnostic
}

func (c *collector) Emit(_ context.Context, d blocked.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ds = append(c.ds, d)
}

// Play feeds the log's events, in time order, to a new Observer running on
// a manual clock. Diagnostics go to emitter as they are produced and are
// also returned. Each replay classifies with its own Classifier unless one is
// passed in opts, so the process-wide cache does not grow with every log.
// Options are applied before the clock option, so a clock passed in opts is
// ignored. Play stops early when ctx is cancelled.
func Play(ctx context.Context, l *Log, emitter blocked.Emitter, opts ...blocked.Option) (Result, error) {
	col := &collector{}
	sink := blocked.Emitters{col}
	if emitter != nil {
		sink = append(sink, emitter)
	}

	clock := &blocked.ManualClock{}
	all := make([]blocked.Option, 0, len(opts)+2)
	all = append(all, blocked.WithClassifier(blocked.NewClassifier()))
	all = append(all, opts...)
	all = append(all, blocked.WithClock(clock))
	obs := blocked.New(sink, all...)
	defer func() { _ = obs.Close() }()

	callsites := l.callsites()
	spans := map[blocked.SpanID]struct{}{}
	res := Result{}
	for _, ev := range l.Events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		clock.Set(ev.At)
		switch ev.Kind {
		case KindNew:
			spans[ev.Span] = struct{}{}
			obs.OnNewSpan(ev.Span, callsites[ev.Callsite], fieldAttrs(ev.Fields)...)
		case KindEnter:
			obs.OnEnter(ev.Span)
		case KindExit:
			obs.OnExit(ev.Span)
		case KindClose:
			obs.OnClose(ev.Span)
		}
		res.Events++
		res.Duration = ev.At
	}

	res.Spans = len(spans)
	res.OpenCells = obs.OpenCells()
	col.mu.Lock()
	res.Diagnostics = col.ds
	col.mu.Unlock()
	return res, nil
}
