// Package taskrt is a small cooperative task runtime.
// Tasks are step functions polled by a fixed pool of workers; each poll is
// reported to a blocked.Subscriber as an enter/exit pair on the task's span.
package taskrt

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"go.opentelemetry.io/otel/attribute"
)

// ErrShutdown is returned by Handle.Wait for tasks dropped by Shutdown.
var ErrShutdown = errors.New("taskrt: runtime shut down")

// Poll is the result of polling a task once.
type Poll struct {
	ready bool
	after time.Duration
}

// Ready reports that the task has completed.
func Ready() Poll { return Poll{ready: true} }

// Pending asks to be polled again as soon as a worker is free.
func Pending() Poll { return Poll{} }

// PendingFor asks to be polled again after d.
func PendingFor(d time.Duration) Poll { return Poll{after: d} }

// Task is polled until it returns Ready. A poll should return promptly;
// one that blocks holds its worker for the whole time.
type Task func(ctx context.Context) Poll

// spawnCallsite is the static callsite shared by every spawned task. The
// spawner's location travels in loc.* attributes.
var spawnCallsite = func() *blocked.Callsite {
	cs := &blocked.Callsite{Name: "runtime.spawn", Target: "taskrt::task"}
	if _, file, line, ok := runtime.Caller(0); ok {
		cs.File = file
		cs.Line = uint32(line) //nolint:gosec // line numbers are small
	}
	return cs
}()

type task struct {
	id   blocked.SpanID
	fn   Task
	done chan struct{}
	err  error
}

// Handle waits for a spawned task.
type Handle struct {
	t *task
}

// Wait blocks until the task completes, the runtime shuts down, or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.t.done:
		return h.t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runtime polls tasks on a fixed number of worker goroutines.
type Runtime struct {
	sub    blocked.Subscriber
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	live    map[blocked.SpanID]*task
	closed  bool
	nextID  atomic.Uint64
	workers sync.WaitGroup
}

// New starts a runtime with the given number of workers (at least one).
func New(workers int, sub blocked.Subscriber) *Runtime {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[blocked.SpanID]*task),
	}
	r.cond = sync.NewCond(&r.mu)
	for range workers {
		r.workers.Go(r.work)
	}
	return r
}

// Spawn schedules fn and returns a handle to wait for it. Spawning on a
// shut down runtime returns a handle that is already failed.
func (r *Runtime) Spawn(fn Task) *Handle {
	t := &task{
		id:   blocked.SpanID(r.nextID.Add(1)),
		fn:   fn,
		done: make(chan struct{}),
	}

	var attrs []attribute.KeyValue
	if _, file, line, ok := runtime.Caller(1); ok {
		attrs = append(attrs, blocked.LocFileKey.String(file), blocked.LocLineKey.Int(line))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.err = ErrShutdown
		close(t.done)
		return &Handle{t: t}
	}
	r.live[t.id] = t
	r.sub.OnNewSpan(t.id, spawnCallsite, attrs...)
	r.mu.Unlock()

	r.push(t)
	return &Handle{t: t}
}

func (r *Runtime) push(t *task) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.finish(t, ErrShutdown)
		return
	}
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	r.cond.Signal()
}

// next blocks until a task is queued. It returns nil once the runtime closes.
func (r *Runtime) next() *task {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return nil
	}
	t := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return t
}

func (r *Runtime) work() {
	for {
		t := r.next()
		if t == nil {
			return
		}
		r.poll(t)
	}
}

func (r *Runtime) poll(t *task) {
	r.sub.OnEnter(t.id)
	p := t.fn(r.ctx)
	r.sub.OnExit(t.id)

	switch {
	case p.ready:
		r.finish(t, nil)
	case p.after > 0:
		time.AfterFunc(p.after, func() { r.push(t) })
	default:
		r.push(t)
	}
}

// finish closes the task's span and releases its waiters. Safe to call more
// than once; only the first call has effect.
func (r *Runtime) finish(t *task, err error) {
	r.mu.Lock()
	if _, ok := r.live[t.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.live, t.id)
	r.mu.Unlock()

	r.sub.OnClose(t.id)
	t.err = err
	close(t.done)
}

// Shutdown stops the workers after their current poll and drops every
// unfinished task. Dropped tasks are closed without a further poll.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	r.cond.Broadcast()
	r.cancel()

	stopped := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	pending := make([]*task, 0, len(r.live))
	for _, t := range r.live {
		pending = append(pending, t)
	}
	r.mu.Unlock()
	for _, t := range pending {
		r.finish(t, ErrShutdown)
	}
	return nil
}
