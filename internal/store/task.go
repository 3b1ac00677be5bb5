// Package store defines the task data model and the persistence port
// implemented by the Postgres and SQLite backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task status constants.
const (
	StatusPending         = "pending"
	StatusPendingPlanning = "pending_planning"
	StatusPlanned         = "planned"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
	StatusPlanningFailed  = "planning_failed"
)

// validStatuses is the closed set of task lifecycle states.
var validStatuses = map[string]bool{
	StatusPending:         true,
	StatusPendingPlanning: true,
	StatusPlanned:         true,
	StatusRunning:         true,
	StatusCompleted:       true,
	StatusFailed:          true,
	StatusCancelled:       true,
	StatusPlanningFailed:  true,
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool { return validStatuses[s] }

// IsTerminal reports whether a status is a final state. Terminal tasks
// have EndTime set; non-terminal tasks never do.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Load and Update when no task has the given ID.
var ErrNotFound = errors.New("task not found")

// Task is the persistent unit of work.
type Task struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	ParentID      string   `json:"parent_id,omitempty"`
	Subtasks      []string `json:"subtasks,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	AssignedTools []string `json:"assigned_tools,omitempty"`

	Artifacts []json.RawMessage `json:"artifacts,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`

	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Clone returns a deep copy. Listeners and API callers receive clones so
// they can never mutate manager-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	c.Subtasks = append([]string(nil), t.Subtasks...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.AssignedTools = append([]string(nil), t.AssignedTools...)
	if t.Artifacts != nil {
		c.Artifacts = make([]json.RawMessage, len(t.Artifacts))
		for i, a := range t.Artifacts {
			c.Artifacts[i] = append(json.RawMessage(nil), a...)
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Result = append(json.RawMessage(nil), t.Result...)
	return &c
}

// GenNewID returns a fresh task ID.
func GenNewID() string { return uuid.NewString() }

// TaskStore is the task persistence port. After Save or Update returns,
// a Load in the same process observes the write.
type TaskStore interface {
	// Save inserts or overwrites the task by ID.
	Save(ctx context.Context, task *Task) error

	// Load returns the task or ErrNotFound.
	Load(ctx context.Context, id string) (*Task, error)

	// LoadAll returns every stored task. Used at startup only.
	LoadAll(ctx context.Context) ([]*Task, error)

	// Update applies a partial update atomically and returns the updated
	// task, or ErrNotFound.
	Update(ctx context.Context, id string, changes map[string]any) (*Task, error)

	// Delete removes the task. Idempotent: deleting a missing task is not
	// an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// ApplyChanges mutates t according to a partial-update map keyed by the
// task's JSON field names. All backends share this so partial-update
// semantics cannot drift between Postgres, SQLite, and memory.
func ApplyChanges(t *Task, changes map[string]any) error {
	for key, val := range changes {
		switch key {
		case "name":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string", key)
			}
			t.Name = s
		case "description":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string", key)
			}
			t.Description = s
		case "status":
			s, ok := val.(string)
			if !ok || !ValidStatus(s) {
				return fmt.Errorf("field %q: invalid status %v", key, val)
			}
			t.Status = s
		case "progress":
			f, ok := toFloat(val)
			if !ok || f < 0 || f > 1 {
				return fmt.Errorf("field %q: expected number in [0,1], got %v", key, val)
			}
			t.Progress = f
		case "end_time":
			switch v := val.(type) {
			case nil:
				t.EndTime = nil
			case time.Time:
				t.EndTime = &v
			case *time.Time:
				t.EndTime = v
			default:
				return fmt.Errorf("field %q: expected time", key)
			}
		case "parent_id":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string", key)
			}
			t.ParentID = s
		case "subtasks":
			ids, err := toStringSlice(val)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			t.Subtasks = ids
		case "dependencies":
			ids, err := toStringSlice(val)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			t.Dependencies = ids
		case "assigned_tools":
			ids, err := toStringSlice(val)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			t.AssignedTools = ids
		case "artifacts":
			arts, err := toRawSlice(val)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			t.Artifacts = arts
		case "metadata":
			m, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("field %q: expected object", key)
			}
			t.Metadata = m
		case "error":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string", key)
			}
			t.Error = s
		case "result":
			raw, err := toRaw(val)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			t.Result = raw
		default:
			return fmt.Errorf("unknown task field %q", key)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toStringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}

func toRaw(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), r...), nil
	case []byte:
		return append(json.RawMessage(nil), r...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func toRawSlice(v any) ([]json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []json.RawMessage:
		out := make([]json.RawMessage, len(s))
		for i, r := range s {
			out[i] = append(json.RawMessage(nil), r...)
		}
		return out, nil
	case []any:
		out := make([]json.RawMessage, 0, len(s))
		for _, e := range s {
			raw, err := toRaw(e)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected artifact list, got %T", v)
	}
}
