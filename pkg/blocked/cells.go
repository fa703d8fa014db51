// Per-span poll bookkeeping and the sharded table that owns it.
// A cell exists from new-span to close for instrumented spans only.
package blocked

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// noEnter marks a cell with no pending enter.
const noEnter = math.MinInt64

// pollCell tracks one span instance. start holds the clock reading of the
// pending enter, or noEnter.
type pollCell struct {
	callsite *Callsite
	origin   origin
	start    atomic.Int64
}

func newPollCell(cs *Callsite, o origin) *pollCell {
	c := &pollCell{callsite: cs, origin: o}
	c.start.Store(noEnter)
	return c
}

// enter records now and reports whether an earlier enter was still pending.
func (c *pollCell) enter(now time.Duration) (overwrote bool) {
	return c.start.Swap(int64(now)) != noEnter
}

// exit consumes the pending enter. ok is false when there was none.
func (c *pollCell) exit(now time.Duration) (elapsed time.Duration, ok bool) {
	start := c.start.Swap(noEnter)
	if start == noEnter {
		return 0, false
	}
	elapsed = now - time.Duration(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

func (c *pollCell) pending() bool {
	return c.start.Load() != noEnter
}

const cellShards = 64

type cellShard struct {
	mu    sync.RWMutex
	cells map[SpanID]*pollCell
}

// cellTable maps open span IDs to their cells.
type cellTable struct {
	shards [cellShards]cellShard
	open   atomic.Int64
}

func newCellTable() *cellTable {
	t := &cellTable{}
	for i := range t.shards {
		t.shards[i].cells = make(map[SpanID]*pollCell)
	}
	return t
}

func (t *cellTable) shard(id SpanID) *cellShard {
	// Fibonacci hashing spreads sequential IDs across shards.
	return &t.shards[(uint64(id)*0x9E3779B97F4A7C15)>>58]
}

// put stores c and reports whether it replaced a cell that was never closed.
func (t *cellTable) put(id SpanID, c *pollCell) (replaced bool) {
	s := t.shard(id)
	s.mu.Lock()
	_, replaced = s.cells[id]
	s.cells[id] = c
	s.mu.Unlock()
	if !replaced {
		t.open.Add(1)
	}
	return replaced
}

func (t *cellTable) get(id SpanID) *pollCell {
	s := t.shard(id)
	s.mu.RLock()
	c := s.cells[id]
	s.mu.RUnlock()
	return c
}

func (t *cellTable) remove(id SpanID) *pollCell {
	s := t.shard(id)
	s.mu.Lock()
	c, ok := s.cells[id]
	if ok {
		delete(s.cells, id)
	}
	s.mu.Unlock()
	if ok {
		t.open.Add(-1)
	}
	return c
}

func (t *cellTable) len() int64 {
	return t.open.Load()
}
