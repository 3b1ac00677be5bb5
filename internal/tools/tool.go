// Package tools provides the tool registry and invocation dispatcher.
//
// A tool is a value exposing one or more named methods. Each method
// carries an OpenAPI-shaped function schema for LLM function calling
// and, optionally, an inline-markup schema so the model can invoke it
// with a tag embedded in its prose. Both schema forms are attached at
// construction time; there is no reflection.
package tools

import (
	"context"
	"fmt"
	"strings"
)

// LLMNameSeparator joins tool ID and method name into the composite
// name the LLM sees. Tool IDs and method names must not contain it.
const LLMNameSeparator = "__"

// Tool is a registered callable capability.
type Tool interface {
	// ToolID returns the stable identifier the registry indexes by.
	ToolID() string
	// Methods returns the tool's method table.
	Methods() []Method
}

// Handler executes one tool method. Params carry the JSON-typed values
// declared in the method's parameter schema; the handler coerces them.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Method describes a single callable method of a tool.
type Method struct {
	Name        string
	Description string
	// Parameters is the JSON-object schema of the method's parameters,
	// in the shape OpenAI-style function calling expects.
	Parameters map[string]any
	// Markup, when non-nil, lets the model invoke this method with an
	// inline tag instead of a native function call.
	Markup  *MarkupSchema
	Handler Handler
}

// Markup parameter extraction sources.
const (
	SourceAttribute = "attribute" // tag attribute of the same name
	SourceElement   = "element"   // text of a nested element at Path
	SourceContent   = "content"   // entire inner text of the tag
)

// MarkupParam maps one method parameter to its extraction source
// within the tag.
type MarkupParam struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Path   string `json:"path,omitempty"` // element source only
}

// MarkupSchema describes the inline-markup form of a method.
type MarkupSchema struct {
	Tag     string        `json:"tag"`
	Params  []MarkupParam `json:"params"`
	Example string        `json:"example,omitempty"`
}

// FunctionSchema is one entry of the function-calling schema exported
// to the LLM.
type FunctionSchema struct {
	Name        string         `json:"name"` // "<toolId>__<methodName>"
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// LLMName builds the composite LLM-facing name for a method.
func LLMName(toolID, method string) string {
	return toolID + LLMNameSeparator + method
}

// SplitLLMName splits a composite name on the first separator. The
// round-trip with LLMName is exact because neither side may contain
// the separator.
func SplitLLMName(name string) (toolID, method string, err error) {
	idx := strings.Index(name, LLMNameSeparator)
	if idx <= 0 || idx+len(LLMNameSeparator) >= len(name) {
		return "", "", fmt.Errorf("malformed tool name %q: want <toolId>%s<methodName>", name, LLMNameSeparator)
	}
	return name[:idx], name[idx+len(LLMNameSeparator):], nil
}

// SimpleTool is a Tool built from a literal method table. Builtin and
// plugin tools use it; nothing requires a dedicated type per tool.
type SimpleTool struct {
	ID    string
	Table []Method
}

func (t *SimpleTool) ToolID() string    { return t.ID }
func (t *SimpleTool) Methods() []Method { return t.Table }
