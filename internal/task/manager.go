// Package task provides the in-process authority for task state.
//
// The Manager wraps a store.TaskStore with an in-memory map, enforces
// lifecycle invariants (terminal end times, bidirectional parent/child
// consistency, sibling-scoped dependencies, monotonic progress), and
// fans out post-commit snapshots to listeners.
//
// Locking: the map lock (mu) is never held across storage I/O or
// listener callbacks. Write commits serialize on writeMu so that
// storage and memory cannot diverge and per-task notification order
// matches commit order.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// ErrInvalid marks validation failures (bad input, illegal transition).
// The HTTP layer maps it to 4xx.
var ErrInvalid = errors.New("invalid")

// ErrNotInitialized is returned when the manager is used before Initialize.
var ErrNotInitialized = errors.New("task manager not initialized")

// Manager is the single in-process authority for task state.
type Manager struct {
	storage store.TaskStore

	mu    sync.RWMutex // guards tasks; held only for map access
	tasks map[string]*store.Task

	writeMu sync.Mutex // serializes write commits across storage + memory

	initialized atomic.Bool
	listeners   *listenerRegistry
}

// NewManager creates a manager over the given storage backend.
func NewManager(storage store.TaskStore) *Manager {
	return &Manager{
		storage:   storage,
		tasks:     make(map[string]*store.Task),
		listeners: newListenerRegistry(),
	}
}

// Initialize loads all tasks from storage into memory. Must be called
// exactly once before any other operation.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initialized.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already initialized", ErrInvalid)
	}
	all, err := m.storage.LoadAll(ctx)
	if err != nil {
		m.initialized.Store(false)
		return fmt.Errorf("load tasks: %w", err)
	}
	m.mu.Lock()
	for _, t := range all {
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()
	return nil
}

// CreateTaskInput holds the caller-supplied fields for a new task.
type CreateTaskInput struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	AssignedTools []string       `json:"assigned_tools,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status,omitempty"`   // default "pending"
	Progress      float64        `json:"progress,omitempty"` // default 0.0
}

// CreateTask persists a new task, linking it into its parent's subtasks
// atomically. A storage failure rolls the insertion back.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (*store.Task, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	status := in.Status
	if status == "" {
		status = store.StatusPending
	}
	if !store.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, in.Status)
	}
	if in.Progress < 0 || in.Progress > 1 {
		return nil, fmt.Errorf("%w: progress must be in [0,1]", ErrInvalid)
	}

	t, err := m.createLocked(ctx, in, status)
	if err != nil {
		return nil, err
	}
	// Listener fan-out happens with no manager lock held, so callbacks
	// may freely call back into the manager.
	m.listeners.drain()
	return t, nil
}

func (m *Manager) createLocked(ctx context.Context, in CreateTaskInput, status string) (*store.Task, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var parent *store.Task
	if in.ParentID != "" {
		parent = m.snapshot(in.ParentID)
		if parent == nil {
			return nil, fmt.Errorf("%w: parent task %s not found", ErrInvalid, in.ParentID)
		}
	}
	// Dependencies are sibling-scoped: every dependency must already be a
	// subtask of the same parent.
	if len(in.Dependencies) > 0 {
		if parent == nil {
			return nil, fmt.Errorf("%w: dependencies require a parent task", ErrInvalid)
		}
		siblings := make(map[string]bool, len(parent.Subtasks))
		for _, id := range parent.Subtasks {
			siblings[id] = true
		}
		for _, dep := range in.Dependencies {
			if !siblings[dep] {
				return nil, fmt.Errorf("%w: dependency %s is not a sibling of parent %s", ErrInvalid, dep, parent.ID)
			}
		}
	}

	now := time.Now().UTC()
	t := &store.Task{
		ID:            store.GenNewID(),
		Name:          in.Name,
		Description:   in.Description,
		Status:        status,
		Progress:      in.Progress,
		StartTime:     now,
		ParentID:      in.ParentID,
		Dependencies:  append([]string(nil), in.Dependencies...),
		AssignedTools: append([]string(nil), in.AssignedTools...),
		Metadata:      in.Metadata,
	}
	// EndTime is set iff the status is terminal, even on creation.
	if store.IsTerminal(status) {
		t.EndTime = &now
	}
	if err := m.storage.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	if parent != nil {
		parent.Subtasks = append(parent.Subtasks, t.ID)
		if err := m.storage.Save(ctx, parent); err != nil {
			// Roll the child back; the parent row was never touched.
			if delErr := m.storage.Delete(ctx, t.ID); delErr != nil {
				logRollbackFailure(t.ID, delErr)
			}
			return nil, fmt.Errorf("link subtask to parent: %w", err)
		}
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	if parent != nil {
		m.tasks[parent.ID] = parent
	}
	m.mu.Unlock()

	m.listeners.enqueue(t.Clone())
	if parent != nil {
		m.listeners.enqueue(parent.Clone())
	}
	return t.Clone(), nil
}

// AddSubtask creates a task under the given parent.
func (m *Manager) AddSubtask(ctx context.Context, parentID string, in CreateTaskInput) (*store.Task, error) {
	in.ParentID = parentID
	return m.CreateTask(ctx, in)
}

// GetTask returns a snapshot of the task, or nil if it does not exist.
func (m *Manager) GetTask(id string) *store.Task {
	if !m.initialized.Load() {
		return nil
	}
	return m.snapshot(id)
}

// GetSubtasks returns the parent's children in insertion order.
func (m *Manager) GetSubtasks(parentID string) []*store.Task {
	parent := m.snapshot(parentID)
	if parent == nil {
		return nil
	}
	out := make([]*store.Task, 0, len(parent.Subtasks))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range parent.Subtasks {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetTasksByStatus returns snapshots of every task with the given status.
func (m *Manager) GetTasksByStatus(status string) []*store.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetAllTasks returns snapshots of every task.
func (m *Manager) GetAllTasks() []*store.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// UpdateTask applies a partial update. Terminal transitions set EndTime;
// transitions out of terminal states are rejected; progress may only
// decrease when the same update resets the task to a pending state.
func (m *Manager) UpdateTask(ctx context.Context, id string, changes map[string]any) (*store.Task, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}

	updated, err := m.updateLocked(ctx, id, changes)
	if err != nil {
		return nil, err
	}
	m.listeners.drain()
	return updated, nil
}

func (m *Manager) updateLocked(ctx context.Context, id string, changes map[string]any) (*store.Task, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current := m.snapshot(id)
	if current == nil {
		return nil, store.ErrNotFound
	}
	changes, err := m.validateUpdate(current, changes)
	if err != nil {
		return nil, err
	}

	updated, err := m.storage.Update(ctx, id, changes)
	if err != nil {
		// Memory was not touched, so manager and storage stay consistent.
		return nil, fmt.Errorf("update task: %w", err)
	}

	m.mu.Lock()
	m.tasks[id] = updated
	m.mu.Unlock()

	m.listeners.enqueue(updated.Clone())
	return updated.Clone(), nil
}

// validateUpdate enforces lifecycle invariants and augments the change
// set with the derived end_time. It returns a copy of changes.
func (m *Manager) validateUpdate(current *store.Task, changes map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(changes)+1)
	for k, v := range changes {
		out[k] = v
	}

	newStatus := current.Status
	if v, ok := out["status"]; ok {
		s, ok := v.(string)
		if !ok || !store.ValidStatus(s) {
			return nil, fmt.Errorf("%w: unknown status %v", ErrInvalid, v)
		}
		if store.IsTerminal(current.Status) && s != current.Status {
			return nil, fmt.Errorf("%w: task %s is %s; transitions out of terminal states are not allowed",
				ErrInvalid, current.ID, current.Status)
		}
		newStatus = s
	}

	if v, ok := out["progress"]; ok {
		f, isNum := v.(float64)
		if !isNum {
			if i, isInt := v.(int); isInt {
				f = float64(i)
				out["progress"] = f
			} else {
				return nil, fmt.Errorf("%w: progress must be a number", ErrInvalid)
			}
		}
		resetting := newStatus == store.StatusPending || newStatus == store.StatusPendingPlanning
		if f < current.Progress && !resetting {
			return nil, fmt.Errorf("%w: progress may not decrease (%.2f -> %.2f)", ErrInvalid, current.Progress, f)
		}
	}

	// Subtask list updates may only reorder existing children; membership
	// changes go through CreateTask / DeleteTask to keep both sides of
	// the parent/child relation consistent.
	if v, ok := out["subtasks"]; ok {
		ids, ok := toStringList(v)
		if !ok {
			return nil, fmt.Errorf("%w: subtasks must be a list of ids", ErrInvalid)
		}
		if !samePermutation(current.Subtasks, ids) {
			return nil, fmt.Errorf("%w: subtasks update may only reorder existing children", ErrInvalid)
		}
	}

	if _, ok := out["parent_id"]; ok {
		return nil, fmt.Errorf("%w: parent_id is immutable", ErrInvalid)
	}

	// EndTime is set iff the status is terminal.
	if _, explicit := out["end_time"]; !explicit {
		if store.IsTerminal(newStatus) && current.EndTime == nil {
			out["end_time"] = time.Now().UTC()
		} else if !store.IsTerminal(newStatus) && current.EndTime != nil {
			out["end_time"] = nil
		}
	}
	return out, nil
}

// DeleteTask removes the task and all descendants and unlinks it from
// its parent's subtasks list.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}

	if err := m.deleteLocked(ctx, id); err != nil {
		return err
	}
	m.listeners.drain()
	return nil
}

func (m *Manager) deleteLocked(ctx context.Context, id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	t := m.snapshot(id)
	if t == nil {
		return nil // idempotent
	}

	doomed := m.collectSubtree(id)
	for _, victim := range doomed {
		if err := m.storage.Delete(ctx, victim); err != nil {
			return fmt.Errorf("delete task %s: %w", victim, err)
		}
	}

	var parent *store.Task
	if t.ParentID != "" {
		parent = m.snapshot(t.ParentID)
		if parent != nil {
			parent.Subtasks = removeID(parent.Subtasks, id)
			if err := m.storage.Save(ctx, parent); err != nil {
				return fmt.Errorf("unlink subtask from parent: %w", err)
			}
		}
	}

	m.mu.Lock()
	for _, victim := range doomed {
		delete(m.tasks, victim)
	}
	if parent != nil {
		m.tasks[parent.ID] = parent
	}
	m.mu.Unlock()

	if parent != nil {
		m.listeners.enqueue(parent.Clone())
	}
	return nil
}

// collectSubtree returns id plus all descendant ids, children after
// parents reversed so deletes run leaves-first.
func (m *Manager) collectSubtree(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var order []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		if t, ok := m.tasks[cur]; ok {
			queue = append(queue, t.Subtasks...)
		}
	}
	// Reverse: leaves first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// SetTaskStatus transitions the task and optionally updates progress.
func (m *Manager) SetTaskStatus(ctx context.Context, id, status string, progress *float64) (*store.Task, error) {
	changes := map[string]any{"status": status}
	if progress != nil {
		changes["progress"] = *progress
	}
	return m.UpdateTask(ctx, id, changes)
}

// CompleteTask marks the task completed with an optional result payload.
func (m *Manager) CompleteTask(ctx context.Context, id string, result any, progress *float64) (*store.Task, error) {
	changes := map[string]any{"status": store.StatusCompleted}
	if result != nil {
		changes["result"] = result
	}
	if progress != nil {
		changes["progress"] = *progress
	} else {
		changes["progress"] = 1.0
	}
	return m.UpdateTask(ctx, id, changes)
}

// FailTask marks the task failed with the given error text.
func (m *Manager) FailTask(ctx context.Context, id, errText string, progress *float64) (*store.Task, error) {
	changes := map[string]any{"status": store.StatusFailed, "error": errText}
	if progress != nil {
		changes["progress"] = *progress
	}
	return m.UpdateTask(ctx, id, changes)
}

// Subscribe registers a per-task listener. The returned function
// removes it.
func (m *Manager) Subscribe(taskID string, fn ListenerFunc) (unsubscribe func()) {
	return m.listeners.subscribe(taskID, fn)
}

// SubscribeToAll registers a listener invoked on every change to every
// task.
func (m *Manager) SubscribeToAll(fn ListenerFunc) (unsubscribe func()) {
	return m.listeners.subscribeAll(fn)
}

func (m *Manager) snapshot(id string) *store.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

func toStringList(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func samePermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
