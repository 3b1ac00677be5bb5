// Package llm defines the model client port used by the planner and
// the plan executor, plus an OpenAI-compatible implementation.
package llm

import (
	"context"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message is one turn of a conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a complete function call in a finished response.
// Arguments is the raw JSON-encoded argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDelta is a fragment of a function call in a streaming chunk.
// Index identifies the call slot; ID and Name appear on the first
// fragment for a slot, Arguments accumulates across fragments.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one streaming delta. A non-nil Err terminates the stream;
// the channel is closed after the final chunk.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Err          error
}

// Request is a completion request.
type Request struct {
	Messages    []Message
	Tools       []tools.FunctionSchema
	JSONMode    bool
	Temperature float64
	MaxTokens   int
}

// Response is a finished, non-streaming completion.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client is the model port. Both calls honor ctx cancellation; the
// OpenAI implementation additionally applies a per-call timeout.
type Client interface {
	// Complete performs a blocking completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion. The returned channel is
	// closed when the stream ends; a chunk with Err set reports a
	// mid-stream failure.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
