// Package tracing carries per-run identifiers through contexts and
// wires the OpenTelemetry exporter.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	runIDKey        contextKey = "agentrun_run_id"
	taskIDKey       contextKey = "agentrun_task_id"
	invocationIDKey contextKey = "agentrun_invocation_id"
)

// WithRunID returns a context tagged with the identifier of one
// plan-and-execute run.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run ID. Returns uuid.Nil if not set.
func RunIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(runIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithTaskID returns a context tagged with the task being worked on.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext extracts the task ID. Returns "" if not set.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInvocationID returns a context tagged with the current tool
// invocation.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationIDFromContext extracts the invocation ID. Returns "" if
// not set.
func InvocationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(invocationIDKey).(string); ok {
		return v
	}
	return ""
}
