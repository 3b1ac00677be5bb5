package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Registry indexes tools by ID and dispatches invocations. It is
// effectively read-only after startup; registration is expected during
// initialization (plus plugin hot reload, which takes the write lock).
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	methods map[string]map[string]Method // toolID -> method name -> Method
	markup  map[string]markupTarget      // tag -> target
}

// markupTarget resolves an inline tag to its method.
type markupTarget struct {
	ToolID string
	Method string
	Schema *MarkupSchema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		methods: make(map[string]map[string]Method),
		markup:  make(map[string]markupTarget),
	}
}

// RegisterTool indexes the tool by ID. Duplicate registration, a
// separator in any name, or a markup tag collision is an error.
func (r *Registry) RegisterTool(t Tool) error {
	id := t.ToolID()
	if id == "" {
		return fmt.Errorf("tool has empty ID")
	}
	if strings.Contains(id, LLMNameSeparator) {
		return fmt.Errorf("tool ID %q must not contain %q", id, LLMNameSeparator)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[id]; exists {
		return fmt.Errorf("tool already registered: %s", id)
	}

	table := make(map[string]Method)
	var tags []string
	for _, m := range t.Methods() {
		if m.Name == "" || m.Handler == nil {
			return fmt.Errorf("tool %s: method with empty name or nil handler", id)
		}
		if strings.Contains(m.Name, LLMNameSeparator) {
			return fmt.Errorf("tool %s: method name %q must not contain %q", id, m.Name, LLMNameSeparator)
		}
		if _, dup := table[m.Name]; dup {
			return fmt.Errorf("tool %s: duplicate method %q", id, m.Name)
		}
		if m.Markup != nil {
			if m.Markup.Tag == "" {
				return fmt.Errorf("tool %s: method %q has markup schema with empty tag", id, m.Name)
			}
			if existing, taken := r.markup[m.Markup.Tag]; taken {
				return fmt.Errorf("tool %s: markup tag %q already claimed by %s%s%s",
					id, m.Markup.Tag, existing.ToolID, LLMNameSeparator, existing.Method)
			}
			tags = append(tags, m.Markup.Tag)
		}
		table[m.Name] = m
	}

	r.tools[id] = t
	r.methods[id] = table
	for _, m := range t.Methods() {
		if m.Markup != nil {
			r.markup[m.Markup.Tag] = markupTarget{ToolID: id, Method: m.Name, Schema: m.Markup}
		}
	}
	slog.Info("tool registered", "tool", id, "methods", len(table), "markup_tags", len(tags))
	return nil
}

// UnregisterTool removes a tool and its markup tags. Used by plugin
// hot reload; unknown IDs are a no-op.
func (r *Registry) UnregisterTool(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[id]
	if !ok {
		return
	}
	for _, m := range t.Methods() {
		if m.Markup != nil {
			delete(r.markup, m.Markup.Tag)
		}
	}
	delete(r.tools, id)
	delete(r.methods, id)
	slog.Info("tool unregistered", "tool", id)
}

// Method returns the named method of a tool.
func (r *Registry) Method(toolID, name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.methods[toolID]
	if !ok {
		return Method{}, false
	}
	m, ok := table[name]
	return m, ok
}

// Get returns the tool with the given ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns registered tool IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SchemasForLLM yields one function schema per method. The schema name
// is "<toolId>__<methodName>": the sole identifier the model returns.
func (r *Registry) SchemasForLLM() []FunctionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []FunctionSchema
	for _, id := range r.sortedIDsLocked() {
		table := r.methods[id]
		for _, name := range sortedMethodNames(table) {
			m := table[name]
			out = append(out, FunctionSchema{
				Name:        LLMName(id, name),
				Description: m.Description,
				Parameters:  m.Parameters,
			})
		}
	}
	return out
}

// MethodNamesForLLM returns the composite names only, for planner
// prompts.
func (r *Registry) MethodNamesForLLM() []string {
	schemas := r.SchemasForLLM()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

// MarkupSchemaDoc renders human-readable documentation of every inline
// tag for injection into an LLM system prompt.
func (r *Registry) MarkupSchemaDoc() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.markup))
	for tag := range r.markup {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, tag := range tags {
		target := r.markup[tag]
		fmt.Fprintf(&b, "<%s> invokes %s.%s\n", tag, target.ToolID, target.Method)
		for _, p := range target.Schema.Params {
			switch p.Source {
			case SourceAttribute:
				fmt.Fprintf(&b, "  %s: attribute %q on the tag\n", p.Name, p.Name)
			case SourceElement:
				fmt.Fprintf(&b, "  %s: text of nested element at %q\n", p.Name, p.Path)
			case SourceContent:
				fmt.Fprintf(&b, "  %s: the entire tag content\n", p.Name)
			}
		}
		if target.Schema.Example != "" {
			fmt.Fprintf(&b, "  example: %s\n", target.Schema.Example)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// MarkupTarget resolves an inline tag name. Used by the response
// processor's markup scanner.
func (r *Registry) MarkupTarget(tag string) (toolID, method string, schema *MarkupSchema, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.markup[tag]
	if !ok {
		return "", "", nil, false
	}
	return t.ToolID, t.Method, t.Schema, true
}

// MarkupTags returns every registered tag name.
func (r *Registry) MarkupTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.markup))
	for tag := range r.markup {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ExecuteTool looks up the tool and method and invokes it. Failures
// (unknown tool, unknown method, handler error, handler panic) are
// captured in the returned invocation, never propagated. The registry
// imposes no serialization; per-tool serialization is the tool's own
// responsibility.
func (r *Registry) ExecuteTool(ctx context.Context, toolID, method string, params map[string]any) *Invocation {
	return r.Run(ctx, NewInvocation(toolID, method, params))
}

// Run executes a pre-built invocation. See ExecuteTool.
func (r *Registry) Run(ctx context.Context, inv *Invocation) *Invocation {
	toolID, method, params := inv.ToolID, inv.Method, inv.Params

	ctx, span := otel.Tracer("agentrun/tools").Start(ctx, "tool.execute")
	span.SetAttributes(
		attribute.String("tool.id", toolID),
		attribute.String("tool.method", method),
		attribute.String("tool.invocation_id", inv.ID),
	)
	defer span.End()

	r.mu.RLock()
	table, ok := r.methods[toolID]
	r.mu.RUnlock()
	if !ok {
		span.SetStatus(codes.Error, "tool not found")
		return inv.fail(fmt.Sprintf("Tool with ID '%s' not found", toolID))
	}
	m, ok := table[method]
	if !ok {
		span.SetStatus(codes.Error, "method not found")
		return inv.fail(fmt.Sprintf("Method '%s' not found on tool '%s'", method, toolID))
	}

	result, err := runHandler(ctx, m.Handler, params)
	if err != nil {
		slog.Warn("tool invocation failed", "tool", toolID, "method", method,
			"invocation", inv.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return inv.fail(err.Error())
	}
	return inv.complete(result)
}

// runHandler converts handler panics into errors so a misbehaving tool
// cannot take down the dispatcher.
func runHandler(ctx context.Context, h Handler, params map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return h(ctx, params)
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedMethodNames(table map[string]Method) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
