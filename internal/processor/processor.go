package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// MarkupResultStrategy controls how inline-markup tool results are
// re-inserted into a conversation transcript.
type MarkupResultStrategy string

const (
	ResultAsAssistant MarkupResultStrategy = "assistant_message"
	ResultAsUser      MarkupResultStrategy = "user_message"
	ResultSeparate    MarkupResultStrategy = "separate"
)

// Options selects which call forms are recognized and when they run.
type Options struct {
	// NativeToolCalling processes function-call deltas from the model.
	NativeToolCalling bool
	// InlineMarkupToolCalling processes tagged markup embedded in text.
	InlineMarkupToolCalling bool
	// ExecuteTools invokes the registry. False is parse-only: parsed
	// invocations are announced with ToolStarted but never run.
	ExecuteTools bool
	// ExecuteOnStream dispatches a call as soon as it is fully parsed.
	// False defers every dispatch until the stream finishes.
	ExecuteOnStream bool
	// MarkupResultStrategy shapes ResultMessages output.
	MarkupResultStrategy MarkupResultStrategy
}

// DefaultOptions enables both call forms with immediate execution.
func DefaultOptions() Options {
	return Options{
		NativeToolCalling:       true,
		InlineMarkupToolCalling: true,
		ExecuteTools:            true,
		ExecuteOnStream:         true,
		MarkupResultStrategy:    ResultSeparate,
	}
}

// Processor turns LLM output into events, dispatching tool calls
// through the registry.
type Processor struct {
	registry *tools.Registry
	opts     Options
}

func New(registry *tools.Registry, opts Options) *Processor {
	return &Processor{registry: registry, opts: opts}
}

// slotAcc accumulates one native tool call across streaming chunks.
type slotAcc struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// pendingCall is a parsed invocation whose dispatch was deferred.
type pendingCall struct {
	toolID string
	method string
	params map[string]any
}

// ProcessStream lazily converts a chunk stream into events. The
// returned channel closes after the terminal Finish event. Cancelling
// ctx abandons the sequence without a Finish.
func (p *Processor) ProcessStream(ctx context.Context, chunks <-chan llm.Chunk) <-chan Event {
	out := make(chan Event)
	go p.runStream(ctx, chunks, out)
	return out
}

func (p *Processor) runStream(ctx context.Context, chunks <-chan llm.Chunk, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		slots        = make(map[int]*slotAcc)
		order        []int
		deferred     []pendingCall
		fullText     strings.Builder
		finishReason string
		scanner      *markupScanner
	)
	if p.opts.InlineMarkupToolCalling {
		scanner = newMarkupScanner(p.registry)
	}

	handleSegments := func(segs []segment) bool {
		for _, seg := range segs {
			switch {
			case seg.call != nil:
				if !p.completeCall(ctx, emit, &deferred, seg.call.toolID, seg.call.method, seg.call.params) {
					return false
				}
			case seg.parseErr != nil:
				if !emit(ToolFailed{
					InvocationID: uuid.NewString(),
					Error:        fmt.Sprintf("failed to parse <%s> tag: %v", seg.tag, seg.parseErr),
				}) {
					return false
				}
			case seg.text != "":
				fullText.WriteString(seg.text)
				if !emit(AssistantText{Content: seg.text}) {
					return false
				}
			}
		}
		return true
	}

	finalizeSlots := func(touched map[int]bool, force bool) bool {
		for _, idx := range order {
			acc := slots[idx]
			if acc.done || (touched != nil && touched[idx]) {
				continue
			}
			if !force && !completeJSON(acc.args.String()) {
				continue
			}
			acc.done = true
			if !p.finalizeNative(ctx, emit, &deferred, acc) {
				return false
			}
		}
		return true
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			emit(Finish{Reason: fmt.Sprintf("error: %v", chunk.Err)})
			return
		}

		if p.opts.NativeToolCalling && len(chunk.ToolCalls) > 0 {
			touched := make(map[int]bool, len(chunk.ToolCalls))
			for _, d := range chunk.ToolCalls {
				acc, ok := slots[d.Index]
				if !ok {
					acc = &slotAcc{}
					slots[d.Index] = acc
					order = append(order, d.Index)
				}
				if d.ID != "" && acc.id == "" {
					acc.id = d.ID
				}
				if d.Name != "" && acc.name == "" {
					acc.name = d.Name
				}
				acc.args.WriteString(d.Arguments)
				touched[d.Index] = true
			}
			// A chunk that skips an open slot means the model moved on;
			// a slot whose buffer already parses is complete.
			if !finalizeSlots(touched, false) {
				return
			}
		}

		if chunk.Content != "" {
			if !finalizeSlots(nil, false) {
				return
			}
			if scanner != nil {
				if !handleSegments(scanner.feed(chunk.Content)) {
					return
				}
			} else {
				fullText.WriteString(chunk.Content)
				if !emit(AssistantText{Content: chunk.Content}) {
					return
				}
			}
		}

		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
			if finishReason == llm.FinishToolCalls {
				if !finalizeSlots(nil, true) {
					return
				}
			}
		}
	}

	if scanner != nil {
		if !handleSegments(scanner.flush()) {
			return
		}
	}
	if !finalizeSlots(nil, true) {
		return
	}

	if fullText.Len() > 0 {
		if !emit(AssistantText{Content: fullText.String(), Final: true}) {
			return
		}
	}

	for _, pc := range deferred {
		if !p.dispatch(ctx, emit, pc.toolID, pc.method, pc.params) {
			return
		}
	}

	if finishReason == "" {
		finishReason = llm.FinishStop
	}
	emit(Finish{Reason: finishReason})
}

// ProcessResponse synthesizes the streaming event sequence from a
// complete response: text, then one triple per tool call, then Finish.
func (p *Processor) ProcessResponse(ctx context.Context, resp *llm.Response) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var deferred []pendingCall

		if resp.Content != "" {
			if p.opts.InlineMarkupToolCalling {
				scanner := newMarkupScanner(p.registry)
				segs := append(scanner.feed(resp.Content), scanner.flush()...)
				var visible strings.Builder
				for _, seg := range segs {
					switch {
					case seg.call != nil:
						if !p.completeCall(ctx, emit, &deferred, seg.call.toolID, seg.call.method, seg.call.params) {
							return
						}
					case seg.parseErr != nil:
						if !emit(ToolFailed{
							InvocationID: uuid.NewString(),
							Error:        fmt.Sprintf("failed to parse <%s> tag: %v", seg.tag, seg.parseErr),
						}) {
							return
						}
					case seg.text != "":
						visible.WriteString(seg.text)
						if !emit(AssistantText{Content: seg.text}) {
							return
						}
					}
				}
				if visible.Len() > 0 {
					if !emit(AssistantText{Content: visible.String(), Final: true}) {
						return
					}
				}
			} else {
				if !emit(AssistantText{Content: resp.Content, Final: true}) {
					return
				}
			}
		}

		if p.opts.NativeToolCalling {
			for _, tc := range resp.ToolCalls {
				if !p.completeParsedName(ctx, emit, &deferred, tc.Name, tc.Arguments) {
					return
				}
			}
		}

		for _, pc := range deferred {
			if !p.dispatch(ctx, emit, pc.toolID, pc.method, pc.params) {
				return
			}
		}

		reason := resp.FinishReason
		if reason == "" {
			reason = llm.FinishStop
		}
		emit(Finish{Reason: reason})
	}()
	return out
}

// finalizeNative parses a completed slot and routes it onward.
func (p *Processor) finalizeNative(ctx context.Context, emit func(Event) bool, deferred *[]pendingCall, acc *slotAcc) bool {
	return p.completeParsedName(ctx, emit, deferred, acc.name, acc.args.String())
}

func (p *Processor) completeParsedName(ctx context.Context, emit func(Event) bool, deferred *[]pendingCall, llmName, rawArgs string) bool {
	var params map[string]any
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
			return emit(ToolFailed{
				InvocationID: uuid.NewString(),
				Error:        fmt.Sprintf("invalid tool arguments for %q: %v", llmName, err),
			})
		}
	}
	toolID, method, err := tools.SplitLLMName(llmName)
	if err != nil {
		return emit(ToolFailed{
			InvocationID: uuid.NewString(),
			Error:        err.Error(),
		})
	}
	return p.completeCall(ctx, emit, deferred, toolID, method, params)
}

// completeCall routes a fully parsed invocation: immediate dispatch,
// deferral, or parse-only announcement.
func (p *Processor) completeCall(ctx context.Context, emit func(Event) bool, deferred *[]pendingCall, toolID, method string, params map[string]any) bool {
	if !p.opts.ExecuteTools {
		return emit(ToolStarted{
			InvocationID: uuid.NewString(),
			ToolID:       toolID,
			MethodName:   method,
			Params:       params,
		})
	}
	if !p.opts.ExecuteOnStream {
		*deferred = append(*deferred, pendingCall{toolID: toolID, method: method, params: params})
		return true
	}
	return p.dispatch(ctx, emit, toolID, method, params)
}

// dispatch emits the ToolStarted/ToolCompleted-or-Failed pair around a
// registry execution.
func (p *Processor) dispatch(ctx context.Context, emit func(Event) bool, toolID, method string, params map[string]any) bool {
	inv := tools.NewInvocation(toolID, method, params)
	if !emit(ToolStarted{
		InvocationID: inv.ID,
		ToolID:       toolID,
		MethodName:   method,
		Params:       params,
	}) {
		return false
	}

	inv = p.registry.Run(ctx, inv)
	if inv.Status == tools.InvocationFailed {
		return emit(ToolFailed{InvocationID: inv.ID, Error: inv.Error})
	}
	return emit(ToolCompleted{InvocationID: inv.ID, Result: inv.Result})
}

// ResultMessages converts the tool outcomes in a drained event sequence
// into transcript messages according to the configured strategy. Used
// when a caller continues the conversation after tool execution.
func (p *Processor) ResultMessages(events []Event) []llm.Message {
	started := make(map[string]ToolStarted)
	var out []llm.Message

	appendFor := func(invID, body string) {
		st := started[invID]
		switch p.opts.MarkupResultStrategy {
		case ResultAsAssistant:
			out = append(out, llm.Message{
				Role:    llm.RoleAssistant,
				Content: fmt.Sprintf("[%s.%s] %s", st.ToolID, st.MethodName, body),
			})
		case ResultAsUser:
			out = append(out, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Tool %s.%s returned: %s", st.ToolID, st.MethodName, body),
			})
		default:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: invID,
				Content:    body,
			})
		}
	}

	for _, ev := range events {
		switch e := ev.(type) {
		case ToolStarted:
			started[e.InvocationID] = e
		case ToolCompleted:
			body, err := json.Marshal(e.Result)
			if err != nil {
				slog.Warn("unencodable tool result", "invocation", e.InvocationID, "error", err)
				body = []byte(`null`)
			}
			appendFor(e.InvocationID, string(body))
		case ToolFailed:
			appendFor(e.InvocationID, fmt.Sprintf("error: %s", e.Error))
		}
	}
	return out
}

// completeJSON reports whether s is a full JSON document. A prefix of
// one is not.
func completeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && json.Valid([]byte(s))
}
