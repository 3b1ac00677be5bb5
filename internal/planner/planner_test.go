package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

func plannerFixture(t *testing.T, client llm.Client) (*Planner, *task.Manager) {
	t.Helper()
	manager := task.NewManager(store.NewMemoryStore())
	require.NoError(t, manager.Initialize(context.Background()))

	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(&tools.SimpleTool{
		ID: "WebSearch",
		Table: []tools.Method{{
			Name:        "search",
			Description: "Searches the web",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []string{"query"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
		}},
	}))

	return New(manager, registry, client, nil), manager
}

func TestPlanHappyPath(t *testing.T) {
	mock := llm.NewMockClient().QueueContent("```json\n" +
		`{"plan": [` +
		`{"tool_identifier": "WebSearch__search", "thought": "Find hotels"},` +
		`{"tool_identifier": "WebSearch__search", "thought": "Find restaurants"}` +
		"]}\n```")
	p, manager := plannerFixture(t, mock)

	main, err := p.Plan(context.Background(), "Search hotels in Valencia then search restaurants", "")
	require.NoError(t, err)

	assert.Equal(t, store.StatusPlanned, main.Status)
	assert.Equal(t, 0.1, main.Progress)
	assert.Equal(t, 1, mock.Calls())

	subs := manager.GetSubtasks(main.ID)
	require.Len(t, subs, 2)
	assert.Equal(t, "Find hotels", subs[0].Name)
	assert.Equal(t, "Find hotels", subs[0].Description)
	assert.Equal(t, []string{"WebSearch__search"}, subs[0].AssignedTools)
	assert.Empty(t, subs[0].Dependencies)
	assert.Equal(t, "Find restaurants", subs[1].Name)

	// The prompt advertises the registry's method names.
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONMode)
	assert.Contains(t, reqs[0].Messages[0].Content, "WebSearch__search")
}

func TestPlanJSONCorruption(t *testing.T) {
	mock := llm.NewMockClient().
		QueueContent("not json").
		QueueContent("not json").
		QueueContent("not json")
	p, manager := plannerFixture(t, mock)

	main, err := p.Plan(context.Background(), "do something", "")
	require.Error(t, err)
	require.NotNil(t, main)

	assert.Equal(t, store.StatusPlanningFailed, main.Status)
	assert.Equal(t, "No subtasks generated.", main.Error)
	assert.Equal(t, 3, mock.Calls())
	assert.Empty(t, manager.GetSubtasks(main.ID))
	assert.Nil(t, main.EndTime, "planning_failed is not a terminal state")
}

func TestPlanEmptyPlanRetries(t *testing.T) {
	mock := llm.NewMockClient().
		QueueContent(`{"plan": []}`).
		QueueContent(`{"plan": [{"tool_identifier": "WebSearch__search", "thought": "Look it up"}]}`)
	p, manager := plannerFixture(t, mock)

	main, err := p.Plan(context.Background(), "look something up", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPlanned, main.Status)
	assert.Equal(t, 2, mock.Calls())
	assert.Len(t, manager.GetSubtasks(main.ID), 1)

	// The retry carries a corrective instruction.
	second := mock.Requests()[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "invalid")
}

func TestPlanTruncatesLongThoughts(t *testing.T) {
	thought := strings.Repeat("x", 150)
	mock := llm.NewMockClient().QueueContent(
		`{"plan": [{"tool_identifier": "WebSearch__search", "thought": "` + thought + `"}]}`)
	p, manager := plannerFixture(t, mock)

	main, err := p.Plan(context.Background(), "long thought", "")
	require.NoError(t, err)

	subs := manager.GetSubtasks(main.ID)
	require.Len(t, subs, 1)
	assert.Equal(t, strings.Repeat("x", 100)+"...", subs[0].Name)
	assert.Equal(t, thought, subs[0].Description)
}

func TestPlanTransportFailure(t *testing.T) {
	mock := llm.NewMockClient() // nothing queued: Complete errors
	p, _ := plannerFixture(t, mock)

	main, err := p.Plan(context.Background(), "doomed", "")
	require.Error(t, err)
	require.NotNil(t, main)
	assert.Equal(t, store.StatusPlanningFailed, main.Status)
	assert.Equal(t, 1, mock.Calls(), "transport failures must not trigger validation retries")
}

func TestStripCodeFences(t *testing.T) {
	inputs := []string{
		"{\"plan\":[]}",
		"```json\n{\"plan\":[]}\n```",
		"```\n{\"plan\":[]}\n```",
		"  ```json\n{\"plan\":[]}\n```  ",
	}
	for _, in := range inputs {
		assert.Equal(t, `{"plan":[]}`, stripCodeFences(in), "input %q", in)
	}
}
