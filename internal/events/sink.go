// Package events appends processor events to a per-task ordered log
// and signals subscribers that new entries are available.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/processor"
)

// Sink receives every event produced during a task's execution.
type Sink interface {
	// Append adds the event to the task's ordered log and notifies
	// subscribers.
	Append(ctx context.Context, taskID string, ev processor.Event) error
	Close() error
}

// Log is a sink whose entries can be read back, oldest first.
type Log interface {
	Sink
	Drain(ctx context.Context, taskID string) ([]Envelope, error)
}

// Envelope is the serialized form of a logged event.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      processor.Event `json:"data"`
}

func newEnvelope(ev processor.Event) Envelope {
	return Envelope{Type: ev.Kind(), Timestamp: time.Now().UTC(), Data: ev}
}

// MemorySink keeps events in process memory. Used by tests and by the
// plan subcommand when no broker is configured.
type MemorySink struct {
	mu   sync.Mutex
	logs map[string][]Envelope
}

func NewMemorySink() *MemorySink {
	return &MemorySink{logs: make(map[string][]Envelope)}
}

func (s *MemorySink) Append(ctx context.Context, taskID string, ev processor.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[taskID] = append(s.logs[taskID], newEnvelope(ev))
	return nil
}

// Events returns the logged envelopes for a task in append order.
func (s *MemorySink) Events(taskID string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.logs[taskID]))
	copy(out, s.logs[taskID])
	return out
}

// Drain implements Log.
func (s *MemorySink) Drain(ctx context.Context, taskID string) ([]Envelope, error) {
	return s.Events(taskID), nil
}

func (s *MemorySink) Close() error { return nil }
