// Package processor converts LLM responses, streaming or not, into a
// lazy sequence of typed events, executing tool invocations along the
// way. Tool calls are recognized in two forms: native function-call
// deltas and inline markup tags embedded in assistant text.
package processor

// Event is one item in the sequence emitted by the processor. Kind
// returns a stable tag used when events are serialized to the event
// log.
type Event interface {
	Kind() string
}

// AssistantText is a fragment of model-generated prose. Fragments
// stream with Final false; the last text event carries the full
// accumulated visible text with Final true.
type AssistantText struct {
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

func (AssistantText) Kind() string { return "assistant_text" }

// ToolStarted announces a tool invocation about to run.
type ToolStarted struct {
	InvocationID string         `json:"invocation_id"`
	ToolID       string         `json:"tool_id"`
	MethodName   string         `json:"method_name"`
	Params       map[string]any `json:"params,omitempty"`
}

func (ToolStarted) Kind() string { return "tool_started" }

// ToolCompleted carries the result of a successful invocation.
type ToolCompleted struct {
	InvocationID string `json:"invocation_id"`
	Result       any    `json:"result,omitempty"`
}

func (ToolCompleted) Kind() string { return "tool_completed" }

// ToolFailed carries the error of a failed invocation, including calls
// that never dispatched because their arguments were unparseable.
type ToolFailed struct {
	InvocationID string `json:"invocation_id"`
	Error        string `json:"error"`
}

func (ToolFailed) Kind() string { return "tool_failed" }

// PlanStatus reports a lifecycle transition of a planned task. Emitted
// by the plan executor, not the processor itself.
type PlanStatus struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (PlanStatus) Kind() string { return "plan_status" }

// Finish marks the end of an event sequence. Emitted exactly once.
type Finish struct {
	Reason string `json:"reason"`
}

func (Finish) Kind() string { return "finish" }
