// Shared test fixtures for the blocked package.
package blocked

import (
	"context"
	"sync"
)

type recordingEmitter struct {
	mu      sync.Mutex
	records []Diagnostic
}

func (r *recordingEmitter) Emit(_ context.Context, d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, d)
}

func (r *recordingEmitter) get() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.records))
	copy(out, r.records)
	return out
}

// tokioSpawn mirrors the callsite tokio reports for spawned tasks.
func tokioSpawn() *Callsite {
	return &Callsite{
		Name:   "runtime.spawn",
		Target: "tokio::task",
		File:   "src/main.rs",
		Line:   24,
		Col:    5,
	}
}
