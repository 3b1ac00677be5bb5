// Package executor walks a planned task's subtasks in order, runs their
// assigned tools, and records the resulting events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/processor"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// Config selects the parameter-derivation strategy and concurrency.
type Config struct {
	// LLMParams derives tool parameters through a secondary model
	// conversation fed through the response processor. When false,
	// parameters come from subtask metadata or the method's schema.
	LLMParams bool
	// MaxParallel bounds concurrently running subtasks. Values below 1
	// serialize execution.
	MaxParallel int
	// ToolRetries re-dispatches a failed invocation this many extra
	// times before the subtask is marked failed.
	ToolRetries int
}

// Executor runs one planned task to completion.
type Executor struct {
	manager  *task.Manager
	registry *tools.Registry
	proc     *processor.Processor
	client   llm.Client
	sink     events.Sink
	cfg      Config
}

func New(manager *task.Manager, registry *tools.Registry, proc *processor.Processor, client llm.Client, sink events.Sink, cfg Config) *Executor {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Executor{
		manager:  manager,
		registry: registry,
		proc:     proc,
		client:   client,
		sink:     sink,
		cfg:      cfg,
	}
}

// Execute runs every subtask of mainID, gating each on its
// dependencies, then transitions the main task to completed or failed.
// Cancellation transitions the main task and any running subtask to
// cancelled.
func (e *Executor) Execute(ctx context.Context, mainID string) error {
	main := e.manager.GetTask(mainID)
	if main == nil {
		return fmt.Errorf("task %s not found", mainID)
	}

	if _, err := e.manager.SetTaskStatus(ctx, mainID, store.StatusRunning, nil); err != nil {
		return fmt.Errorf("start plan: %w", err)
	}
	e.emit(ctx, mainID, processor.PlanStatus{TaskID: mainID, Status: store.StatusRunning})

	total := len(e.manager.GetSubtasks(mainID))
	done := 0

	for {
		if err := ctx.Err(); err != nil {
			e.cancelRun(ctx, mainID)
			return err
		}

		subtasks := e.manager.GetSubtasks(mainID)
		ready, blocked, remaining := e.partition(subtasks)

		if remaining == 0 {
			break
		}
		if len(ready) == 0 {
			// Every remaining subtask waits on a dependency that can no
			// longer succeed.
			var markErr error
			for _, t := range blocked {
				if err := e.failSubtask(ctx, mainID, t, "dependency did not complete successfully"); err != nil && markErr == nil {
					markErr = err
				}
			}
			if markErr != nil {
				// Storage is refusing the terminal write; re-partitioning
				// would spin on the same set.
				e.cancelRun(ctx, mainID)
				return fmt.Errorf("plan %s: mark blocked subtask failed: %w", mainID, markErr)
			}
			if len(blocked) == 0 {
				e.cancelRun(ctx, mainID)
				return fmt.Errorf("plan %s stalled: no runnable subtasks", mainID)
			}
			continue
		}

		g, runCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxParallel)
		var mu sync.Mutex
		for _, sub := range ready {
			g.Go(func() error {
				err := e.runSubtask(runCtx, mainID, sub)
				mu.Lock()
				done++
				progress := planProgress(done, total)
				mu.Unlock()
				if _, perr := e.manager.UpdateTask(ctx, mainID, map[string]any{"progress": progress}); perr != nil {
					slog.Warn("failed to update plan progress", "task", mainID, "error", perr)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				e.cancelRun(ctx, mainID)
				return err
			}
			// Subtask failures are recorded on the subtask itself and
			// resolved after the walk; only infrastructure errors abort.
		}
	}

	return e.finish(ctx, mainID)
}

// planProgress maps the completed-subtask count onto the 0.1..1.0
// range the planner left off at.
func planProgress(done, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	p := 0.1 + 0.9*float64(done)/float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

// partition splits subtasks into ready (pending with all dependencies
// terminal-successful), blocked (pending with a dependency that ended
// unsuccessfully), and counts the non-terminal remainder.
func (e *Executor) partition(subtasks []*store.Task) (ready, blocked []*store.Task, remaining int) {
	byID := make(map[string]*store.Task, len(subtasks))
	for _, t := range subtasks {
		byID[t.ID] = t
	}
	for _, t := range subtasks {
		if store.IsTerminal(t.Status) {
			continue
		}
		remaining++
		if t.Status != store.StatusPending {
			continue // already running elsewhere
		}
		runnable := true
		doomed := false
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok || d.Status != store.StatusCompleted {
				runnable = false
			}
			if ok && store.IsTerminal(d.Status) && d.Status != store.StatusCompleted {
				doomed = true
			}
		}
		switch {
		case runnable:
			ready = append(ready, t)
		case doomed:
			blocked = append(blocked, t)
		}
	}
	return ready, blocked, remaining
}

// runSubtask executes one subtask's assigned tool and records the
// outcome. Tool failures are captured on the subtask, never returned;
// the error return is reserved for cancellation.
func (e *Executor) runSubtask(ctx context.Context, mainID string, sub *store.Task) error {
	if _, err := e.manager.SetTaskStatus(ctx, sub.ID, store.StatusRunning, nil); err != nil {
		slog.Error("failed to mark subtask running", "task", sub.ID, "error", err)
		return nil
	}
	e.emit(ctx, mainID, processor.PlanStatus{TaskID: sub.ID, Status: store.StatusRunning})

	if len(sub.AssignedTools) == 0 {
		e.failSubtask(ctx, mainID, sub, "no tool assigned")
		return nil
	}
	toolID, method, err := tools.SplitLLMName(sub.AssignedTools[0])
	if err != nil {
		e.failSubtask(ctx, mainID, sub, err.Error())
		return nil
	}

	var result any
	var failure string
	if e.cfg.LLMParams && e.client != nil {
		result, failure = e.runViaLLM(ctx, mainID, sub)
	} else {
		result, failure = e.runStatic(ctx, mainID, sub, toolID, method)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failure != "" {
		e.failSubtask(ctx, mainID, sub, failure)
		return nil
	}
	if _, err := e.manager.CompleteTask(ctx, sub.ID, result, nil); err != nil {
		slog.Error("failed to mark subtask completed", "task", sub.ID, "error", err)
	}
	e.emit(ctx, mainID, processor.PlanStatus{TaskID: sub.ID, Status: store.StatusCompleted})
	return nil
}

// runStatic dispatches the tool directly, deriving parameters from the
// subtask instead of a model turn.
func (e *Executor) runStatic(ctx context.Context, mainID string, sub *store.Task, toolID, method string) (any, string) {
	params := e.deriveParams(sub, toolID, method)

	attempts := e.cfg.ToolRetries + 1
	var lastErr string
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ""
		}
		inv := tools.NewInvocation(toolID, method, params)
		e.emit(ctx, mainID, processor.ToolStarted{
			InvocationID: inv.ID, ToolID: toolID, MethodName: method, Params: params,
		})
		inv = e.registry.Run(ctx, inv)
		if inv.Status == tools.InvocationCompleted {
			e.emit(ctx, mainID, processor.ToolCompleted{InvocationID: inv.ID, Result: inv.Result})
			return inv.Result, ""
		}
		e.emit(ctx, mainID, processor.ToolFailed{InvocationID: inv.ID, Error: inv.Error})
		lastErr = inv.Error
		if fatalError(inv.Error) {
			break
		}
	}
	return nil, lastErr
}

// runViaLLM lets a secondary model conversation drive the invocation:
// the model is given only the subtask's tool schema and its output is
// fed through the response processor.
func (e *Executor) runViaLLM(ctx context.Context, mainID string, sub *store.Task) (any, string) {
	var schemas []tools.FunctionSchema
	for _, s := range e.registry.SchemasForLLM() {
		for _, assigned := range sub.AssignedTools {
			if s.Name == assigned {
				schemas = append(schemas, s)
			}
		}
	}

	chunks, err := e.client.Stream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Execute the task using the available tool. Call it with appropriate arguments."},
			{Role: llm.RoleUser, Content: sub.Description},
		},
		Tools: schemas,
	})
	if err != nil {
		return nil, fmt.Sprintf("model call failed: %v", err)
	}

	var (
		lastResult any
		failure    string
		sawSuccess bool
	)
	for ev := range e.proc.ProcessStream(ctx, chunks) {
		e.emit(ctx, mainID, ev)
		switch evt := ev.(type) {
		case processor.ToolCompleted:
			lastResult = evt.Result
			sawSuccess = true
		case processor.ToolFailed:
			failure = evt.Error
		}
	}
	if sawSuccess {
		return lastResult, ""
	}
	if failure == "" {
		failure = "model produced no tool invocation"
	}
	return nil, failure
}

// deriveParams binds invocation parameters statically: an explicit
// "params" map in metadata wins; otherwise, when the method declares a
// single required parameter, the subtask description is bound to it.
func (e *Executor) deriveParams(sub *store.Task, toolID, method string) map[string]any {
	if raw, ok := sub.Metadata["params"]; ok {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	if m, ok := e.registry.Method(toolID, method); ok {
		if name, ok := soleRequiredParam(m.Parameters); ok {
			return map[string]any{name: sub.Description}
		}
	}
	return map[string]any{}
}

func soleRequiredParam(schema map[string]any) (string, bool) {
	if schema == nil {
		return "", false
	}
	switch req := schema["required"].(type) {
	case []string:
		if len(req) == 1 {
			return req[0], true
		}
	case []any:
		if len(req) == 1 {
			if s, ok := req[0].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// fatalError classifies invocation failures. Unknown tools, unknown
// methods, panics, and validation errors cannot succeed on retry.
func fatalError(errText string) bool {
	return strings.Contains(errText, "not found") ||
		strings.Contains(errText, "panicked") ||
		strings.Contains(errText, "invalid") ||
		strings.Contains(errText, "required")
}

func (e *Executor) failSubtask(ctx context.Context, mainID string, sub *store.Task, errText string) error {
	if _, err := e.manager.FailTask(ctx, sub.ID, errText, nil); err != nil {
		slog.Error("failed to mark subtask failed", "task", sub.ID, "error", err)
		return err
	}
	e.emit(ctx, mainID, processor.PlanStatus{TaskID: sub.ID, Status: store.StatusFailed, Message: errText})
	return nil
}

// finish resolves the main task once every subtask is terminal.
func (e *Executor) finish(ctx context.Context, mainID string) error {
	failed := 0
	for _, t := range e.manager.GetSubtasks(mainID) {
		if t.Status != store.StatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d subtask(s) failed", failed)
		if _, err := e.manager.FailTask(ctx, mainID, msg, nil); err != nil {
			return err
		}
		e.emit(ctx, mainID, processor.PlanStatus{TaskID: mainID, Status: store.StatusFailed, Message: msg})
		e.emit(ctx, mainID, processor.Finish{Reason: "plan failed"})
		return fmt.Errorf("plan %s: %s", mainID, msg)
	}
	if _, err := e.manager.CompleteTask(ctx, mainID, nil, nil); err != nil {
		return err
	}
	e.emit(ctx, mainID, processor.PlanStatus{TaskID: mainID, Status: store.StatusCompleted})
	e.emit(ctx, mainID, processor.Finish{Reason: "plan completed"})
	return nil
}

// cancelRun transitions the main task and any running subtask to
// cancelled. State writes use a detached context since ctx is dead.
func (e *Executor) cancelRun(ctx context.Context, mainID string) {
	detached := context.WithoutCancel(ctx)
	for _, t := range e.manager.GetSubtasks(mainID) {
		if t.Status == store.StatusRunning {
			if _, err := e.manager.SetTaskStatus(detached, t.ID, store.StatusCancelled, nil); err != nil {
				slog.Error("failed to cancel subtask", "task", t.ID, "error", err)
			}
		}
	}
	if _, err := e.manager.SetTaskStatus(detached, mainID, store.StatusCancelled, nil); err != nil {
		slog.Error("failed to cancel plan", "task", mainID, "error", err)
	}
	e.emit(detached, mainID, processor.PlanStatus{TaskID: mainID, Status: store.StatusCancelled})
	e.emit(detached, mainID, processor.Finish{Reason: "plan cancelled"})
}

func (e *Executor) emit(ctx context.Context, taskID string, ev processor.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Append(ctx, taskID, ev); err != nil {
		slog.Warn("failed to append event", "task", taskID, "error", err)
	}
}
