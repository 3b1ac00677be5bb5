package task

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// ListenerFunc receives the post-update snapshot of a task. Panics are
// recovered and logged; they never abort the write or other listeners.
type ListenerFunc func(task *store.Task)

// listenerRegistry holds per-task and global listeners plus a per-task
// FIFO of pending notifications. Snapshots are enqueued under the
// manager's write lock (fixing commit order) and delivered by drain
// with no manager lock held.
type listenerRegistry struct {
	mu      sync.Mutex
	nextID  int64
	perTask map[string]map[int64]ListenerFunc
	global  map[int64]ListenerFunc

	queueMu  sync.Mutex
	queue    []*store.Task
	draining bool
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		perTask: make(map[string]map[int64]ListenerFunc),
		global:  make(map[int64]ListenerFunc),
	}
}

func (r *listenerRegistry) subscribe(taskID string, fn ListenerFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.perTask[taskID] == nil {
		r.perTask[taskID] = make(map[int64]ListenerFunc)
	}
	r.perTask[taskID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m := r.perTask[taskID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(r.perTask, taskID)
			}
		}
	}
}

func (r *listenerRegistry) subscribeAll(fn ListenerFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.global[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.global, id)
	}
}

// enqueue records a committed snapshot for delivery. Called under the
// manager's write lock so queue order equals commit order.
func (r *listenerRegistry) enqueue(snapshot *store.Task) {
	r.queueMu.Lock()
	r.queue = append(r.queue, snapshot)
	r.queueMu.Unlock()
}

// drain delivers queued snapshots in order. Only one goroutine drains at
// a time; concurrent callers return immediately and their snapshots are
// picked up by the active drainer, preserving per-task order.
func (r *listenerRegistry) drain() {
	r.queueMu.Lock()
	if r.draining {
		r.queueMu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		snapshot := r.queue[0]
		r.queue = r.queue[1:]
		r.queueMu.Unlock()

		r.deliver(snapshot)

		r.queueMu.Lock()
	}
	r.draining = false
	r.queueMu.Unlock()
}

func (r *listenerRegistry) deliver(snapshot *store.Task) {
	r.mu.Lock()
	fns := make([]ListenerFunc, 0, len(r.global)+len(r.perTask[snapshot.ID]))
	// Ordered ids keep delivery deterministic for a given registration set.
	for _, fn := range orderedFuncs(r.perTask[snapshot.ID]) {
		fns = append(fns, fn)
	}
	for _, fn := range orderedFuncs(r.global) {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		invokeListener(fn, snapshot)
	}
}

func invokeListener(fn ListenerFunc, snapshot *store.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("task listener panicked", "task", snapshot.ID, "panic", rec)
		}
	}()
	fn(snapshot.Clone())
}

func orderedFuncs(m map[int64]ListenerFunc) []ListenerFunc {
	if len(m) == 0 {
		return nil
	}
	var min, max int64
	first := true
	for id := range m {
		if first {
			min, max = id, id
			first = false
			continue
		}
		if id < min {
			min = id
		}
		if id > max {
			max = id
		}
	}
	out := make([]ListenerFunc, 0, len(m))
	for id := min; id <= max; id++ {
		if fn, ok := m[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func logRollbackFailure(taskID string, err error) {
	slog.Warn("task create rollback failed; orphan row left in storage", "task", taskID, "error", err)
}
