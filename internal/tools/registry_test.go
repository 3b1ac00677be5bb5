package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(id string, methods ...string) *SimpleTool {
	table := make([]Method, 0, len(methods))
	for _, name := range methods {
		table = append(table, Method{
			Name:        name,
			Description: "echoes its params",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"value": map[string]any{"type": "string"}},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return params, nil
			},
		})
	}
	return &SimpleTool{ID: id, Table: table}
}

func TestRegisterToolRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(echoTool("Echo", "say")))
	assert.Error(t, r.RegisterTool(echoTool("Echo", "say")))
}

func TestRegisterToolRejectsSeparatorInNames(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterTool(echoTool("Bad__ID", "say")))
	assert.Error(t, r.RegisterTool(echoTool("Ok", "bad__method")))
}

func TestRegisterToolRejectsMarkupTagCollision(t *testing.T) {
	r := NewRegistry()
	withTag := func(id string) *SimpleTool {
		tool := echoTool(id, "go")
		tool.Table[0].Markup = &MarkupSchema{
			Tag:    "shared_tag",
			Params: []MarkupParam{{Name: "value", Source: SourceAttribute}},
		}
		return tool
	}
	require.NoError(t, r.RegisterTool(withTag("First")))
	assert.Error(t, r.RegisterTool(withTag("Second")))
}

func TestLLMNameRoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(echoTool("Echo", "say", "shout")))
	require.NoError(t, r.RegisterTool(echoTool("Web", "fetch")))

	schemas := r.SchemasForLLM()
	require.Len(t, schemas, 3)
	for _, s := range schemas {
		toolID, method, err := SplitLLMName(s.Name)
		require.NoError(t, err)
		assert.Equal(t, s.Name, LLMName(toolID, method))
		_, ok := r.Method(toolID, method)
		assert.True(t, ok, "split of %q must resolve", s.Name)
	}
}

func TestSplitLLMNameMalformed(t *testing.T) {
	for _, name := range []string{"", "nosep", "__leading", "trailing__"} {
		_, _, err := SplitLLMName(name)
		assert.Error(t, err, "name %q", name)
	}

	// Only the first separator splits.
	toolID, method, err := SplitLLMName("Tool__method__extra")
	require.NoError(t, err)
	assert.Equal(t, "Tool", toolID)
	assert.Equal(t, "method__extra", method)
}

func TestExecuteToolDispatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(echoTool("Echo", "say")))

	inv := r.ExecuteTool(context.Background(), "Echo", "say", map[string]any{"value": "hi"})
	assert.Equal(t, InvocationCompleted, inv.Status)
	assert.Equal(t, map[string]any{"value": "hi"}, inv.Result)
	assert.NotEmpty(t, inv.ID)
	assert.False(t, inv.EndTime.IsZero())
}

func TestExecuteToolUnknownTool(t *testing.T) {
	r := NewRegistry()
	inv := r.ExecuteTool(context.Background(), "Ghost", "walk", nil)
	assert.Equal(t, InvocationFailed, inv.Status)
	assert.Equal(t, "Tool with ID 'Ghost' not found", inv.Error)
}

func TestExecuteToolUnknownMethod(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(echoTool("Echo", "say")))
	inv := r.ExecuteTool(context.Background(), "Echo", "scream", nil)
	assert.Equal(t, InvocationFailed, inv.Status)
	assert.Equal(t, "Method 'scream' not found on tool 'Echo'", inv.Error)
}

func TestExecuteToolCapturesPanics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&SimpleTool{
		ID: "Flaky",
		Table: []Method{{
			Name: "run",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				panic("wires crossed")
			},
		}},
	}))

	inv := r.ExecuteTool(context.Background(), "Flaky", "run", nil)
	assert.Equal(t, InvocationFailed, inv.Status)
	assert.Contains(t, inv.Error, "wires crossed")
}

func TestExecuteToolCapturesHandlerErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&SimpleTool{
		ID: "Flaky",
		Table: []Method{{
			Name: "run",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return nil, fmt.Errorf("upstream unavailable")
			},
		}},
	}))

	inv := r.ExecuteTool(context.Background(), "Flaky", "run", nil)
	assert.Equal(t, InvocationFailed, inv.Status)
	assert.Equal(t, "upstream unavailable", inv.Error)
}

func TestUnregisterToolRemovesMarkupTags(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("Tagged", "go")
	tool.Table[0].Markup = &MarkupSchema{
		Tag:    "tagged_go",
		Params: []MarkupParam{{Name: "value", Source: SourceContent}},
	}
	require.NoError(t, r.RegisterTool(tool))
	require.Contains(t, r.MarkupTags(), "tagged_go")

	r.UnregisterTool("Tagged")
	assert.Empty(t, r.MarkupTags())
	assert.Empty(t, r.List())

	// A reload under the same tag must succeed.
	assert.NoError(t, r.RegisterTool(tool))
}

func TestMarkupSchemaDoc(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("Py", "exec")
	tool.Table[0].Markup = &MarkupSchema{
		Tag:     "execute_python_code",
		Params:  []MarkupParam{{Name: "code", Source: SourceAttribute}},
		Example: `<execute_python_code code="print(1)"/>`,
	}
	require.NoError(t, r.RegisterTool(tool))

	doc := r.MarkupSchemaDoc()
	assert.Contains(t, doc, "execute_python_code")
	assert.Contains(t, doc, "Py.exec")
	assert.Contains(t, doc, `<execute_python_code code="print(1)"/>`)
}
