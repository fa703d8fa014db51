// Human-readable summaries of diagnostics, rendered with go-pretty tables.
package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// recorder keeps every diagnostic for the end-of-run summary.
type recorder struct {
	mu sync.Mutex
	ds []blocked.Diagnostic
}

func (r *recorder) Emit(_ context.Context, d blocked.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ds = append(r.ds, d)
}

func (r *recorder) diagnostics() []blocked.Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ds)
}

type callsiteSummary struct {
	callsite blocked.Callsite
	count    int
	worst    time.Duration
	total    time.Duration
	severity blocked.Severity
}

// summarise groups diagnostics by reported callsite, worst first.
func summarise(ds []blocked.Diagnostic) []callsiteSummary {
	byCallsite := make(map[blocked.Callsite]*callsiteSummary)
	var order []*callsiteSummary
	for _, d := range ds {
		s, ok := byCallsite[d.Callsite]
		if !ok {
			s = &callsiteSummary{callsite: d.Callsite}
			byCallsite[d.Callsite] = s
			order = append(order, s)
		}
		s.count++
		s.total += d.Elapsed
		s.worst = max(s.worst, d.Elapsed)
		s.severity = max(s.severity, d.Severity)
	}

	out := make([]callsiteSummary, 0, len(order))
	for _, s := range order {
		out = append(out, *s)
	}
	slices.SortStableFunc(out, func(a, b callsiteSummary) int {
		switch {
		case a.worst > b.worst:
			return -1
		case a.worst < b.worst:
			return 1
		}
		return 0
	})
	return out
}

// renderSummary writes one row per callsite. It writes nothing but a short
// line when there are no diagnostics.
func renderSummary(w io.Writer, ds []blocked.Diagnostic) {
	if len(ds) == 0 {
		_, _ = fmt.Fprintln(w, "No blocked polls detected.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Blocked polls: %d", len(ds)))
	t.AppendHeader(table.Row{"Severity", "Callsite", "Target", "Location", "Count", "Worst", "Mean"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Count", Align: text.AlignRight},
		{Name: "Worst", Align: text.AlignRight},
		{Name: "Mean", Align: text.AlignRight},
	})
	for _, s := range summarise(ds) {
		cs := s.callsite
		t.AppendRow(table.Row{
			s.severity,
			cs.Name,
			cs.Target,
			fmt.Sprintf("%s:%d:%d", cs.File, cs.Line, cs.Col),
			s.count,
			s.worst,
			s.total / time.Duration(s.count),
		})
	}
	t.Render()
}
