// Package planner turns a free-text request into persisted subtasks by
// asking the model for a JSON plan and validating it.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/processor"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// maxAttempts bounds plan-validation retries: one initial call plus two
// corrective retries.
const maxAttempts = 3

// maxSubtaskNameLen caps the subtask name derived from a plan step's
// thought; longer thoughts are truncated with an ellipsis.
const maxSubtaskNameLen = 100

// ErrPlanningFailed is returned when no valid plan could be obtained.
// The main task has already been transitioned to planning_failed.
var ErrPlanningFailed = errors.New("No subtasks generated.")

// Step is one entry of the model's plan.
type Step struct {
	ToolIdentifier string `json:"tool_identifier"`
	Thought        string `json:"thought"`
}

type planDocument struct {
	Plan []Step `json:"plan"`
}

// Planner creates a main task and decomposes it into subtasks.
type Planner struct {
	manager  *task.Manager
	registry *tools.Registry
	client   llm.Client
	sink     events.Sink
}

func New(manager *task.Manager, registry *tools.Registry, client llm.Client, sink events.Sink) *Planner {
	return &Planner{manager: manager, registry: registry, client: client, sink: sink}
}

// Plan creates a main task in pending_planning, asks the model for a
// plan, and persists one subtask per step. On success the main task is
// planned; on exhausted retries or subtask failure it is
// planning_failed. The main task snapshot is returned in both cases so
// callers can surface it.
func (p *Planner) Plan(ctx context.Context, description, contextText string) (*store.Task, error) {
	main, err := p.manager.CreateTask(ctx, task.CreateTaskInput{
		Name:        truncateName(description),
		Description: description,
		Status:      store.StatusPendingPlanning,
	})
	if err != nil {
		return nil, err
	}

	steps, planErr := p.requestPlan(ctx, main.ID, description, contextText)
	if planErr != nil {
		return p.failPlanning(ctx, main.ID, planErr)
	}

	for _, step := range steps {
		if _, err := p.manager.AddSubtask(ctx, main.ID, task.CreateTaskInput{
			Name:          truncateName(step.Thought),
			Description:   step.Thought,
			AssignedTools: []string{step.ToolIdentifier},
		}); err != nil {
			return p.failPlanning(ctx, main.ID, fmt.Errorf("create subtask: %w", err))
		}
	}

	progress := 0.1
	planned, err := p.manager.SetTaskStatus(ctx, main.ID, store.StatusPlanned, &progress)
	if err != nil {
		return p.failPlanning(ctx, main.ID, err)
	}
	p.emitStatus(ctx, main.ID, store.StatusPlanned, fmt.Sprintf("%d subtasks planned", len(steps)))
	return planned, nil
}

// requestPlan calls the model up to maxAttempts times, appending a
// corrective instruction after each invalid response.
func (p *Planner) requestPlan(ctx context.Context, taskID, description, contextText string) ([]Step, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: p.systemPrompt()},
		{Role: llm.RoleUser, Content: userPrompt(description, contextText)},
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := p.client.Complete(ctx, llm.Request{
			Messages: messages,
			JSONMode: true,
		})
		if err != nil {
			// Transport failures were already retried by the client
			// wrapper; they do not count against validation retries.
			return nil, fmt.Errorf("plan request: %w", err)
		}

		steps, err := parsePlan(resp.Content)
		if err == nil {
			return steps, nil
		}
		slog.Warn("invalid plan from model",
			"task", taskID, "attempt", attempt, "error", err)
		messages = append(messages, llm.Message{
			Role: llm.RoleSystem,
			Content: fmt.Sprintf(
				"Your previous response was invalid: %v. Respond with only a JSON object of the form "+
					`{"plan": [{"tool_identifier": "...", "thought": "..."}]} and nothing else.`, err),
		})
	}
	return nil, ErrPlanningFailed
}

func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a task planner. Decompose the user's request into an ordered plan of tool invocations.\n")
	b.WriteString("Respond with a single JSON object: {\"plan\": [{\"tool_identifier\": \"<tool>\", \"thought\": \"<what this step does and why>\"}]}.\n")
	b.WriteString("Each tool_identifier must be one of the following:\n")
	for _, name := range p.registry.MethodNamesForLLM() {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return b.String()
}

func userPrompt(description, contextText string) string {
	if contextText == "" {
		return description
	}
	return description + "\n\nContext:\n" + contextText
}

// parsePlan strips code fences, decodes, and validates the plan. An
// empty plan is a failure.
func parsePlan(content string) ([]Step, error) {
	cleaned := stripCodeFences(content)
	var doc planDocument
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if len(doc.Plan) == 0 {
		return nil, fmt.Errorf("plan is empty")
	}
	for i, step := range doc.Plan {
		if strings.TrimSpace(step.ToolIdentifier) == "" {
			return nil, fmt.Errorf("plan step %d has no tool_identifier", i)
		}
		if strings.TrimSpace(step.Thought) == "" {
			return nil, fmt.Errorf("plan step %d has no thought", i)
		}
	}
	return doc.Plan, nil
}

// stripCodeFences removes a surrounding ``` block, with or without a
// language tag. Models add them even in JSON mode.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line if present.
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (p *Planner) failPlanning(ctx context.Context, taskID string, cause error) (*store.Task, error) {
	t, err := p.manager.UpdateTask(ctx, taskID, map[string]any{
		"status": store.StatusPlanningFailed,
		"error":  cause.Error(),
	})
	if err != nil {
		slog.Error("failed to record planning failure", "task", taskID, "error", err)
		t = p.manager.GetTask(taskID)
	}
	p.emitStatus(ctx, taskID, store.StatusPlanningFailed, cause.Error())
	return t, fmt.Errorf("planning task %s: %w", taskID, cause)
}

func (p *Planner) emitStatus(ctx context.Context, taskID, status, message string) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Append(ctx, taskID, processor.PlanStatus{
		TaskID: taskID, Status: status, Message: message,
	}); err != nil {
		slog.Warn("failed to append plan status event", "task", taskID, "error", err)
	}
}

// truncateName caps a name at maxSubtaskNameLen runes, suffixing an
// ellipsis when truncated.
func truncateName(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSubtaskNameLen {
		return s
	}
	return string(runes[:maxSubtaskNameLen]) + "..."
}
