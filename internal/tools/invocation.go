package tools

import (
	"time"

	"github.com/google/uuid"
)

// Invocation status constants.
const (
	InvocationStarted   = "started"
	InvocationCompleted = "completed"
	InvocationFailed    = "failed"
)

// Invocation records a single call to a tool method. It is transient;
// callers may embed it in task artifacts.
type Invocation struct {
	ID        string         `json:"invocation_id"`
	ToolID    string         `json:"tool_id"`
	Method    string         `json:"method_name"`
	Params    map[string]any `json:"params,omitempty"`
	Status    string         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}

// NewInvocation assigns a fresh invocation ID. Callers that need the
// ID before execution (to announce the call) create the invocation
// first and pass it to Registry.Run.
func NewInvocation(toolID, method string, params map[string]any) *Invocation {
	return &Invocation{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		Method:    method,
		Params:    params,
		Status:    InvocationStarted,
		StartTime: time.Now().UTC(),
	}
}

func (inv *Invocation) complete(result any) *Invocation {
	inv.Status = InvocationCompleted
	inv.Result = result
	inv.EndTime = time.Now().UTC()
	return inv
}

func (inv *Invocation) fail(errText string) *Invocation {
	inv.Status = InvocationFailed
	inv.Error = errText
	inv.EndTime = time.Now().UTC()
	return inv
}
