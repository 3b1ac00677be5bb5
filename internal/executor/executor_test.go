package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/planner"
	"github.com/nextlevelbuilder/agentrun/internal/processor"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
	"github.com/nextlevelbuilder/agentrun/internal/tools/builtin"
)

type fakeSearchProvider struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (p *fakeSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]builtin.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.queries = append(p.queries, query)
	return []builtin.SearchResult{{Title: "result for " + query, URL: "https://example.com"}}, nil
}

func (p *fakeSearchProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.queries))
	copy(out, p.queries)
	return out
}

type executorFixture struct {
	manager  *task.Manager
	registry *tools.Registry
	sink     *events.MemorySink
	exec     *Executor
	provider *fakeSearchProvider
}

func newFixture(t *testing.T, cfg Config) *executorFixture {
	t.Helper()
	manager := task.NewManager(store.NewMemoryStore())
	require.NoError(t, manager.Initialize(context.Background()))

	provider := &fakeSearchProvider{}
	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(builtin.NewWebSearchTool(provider)))

	sink := events.NewMemorySink()
	proc := processor.New(registry, processor.DefaultOptions())
	return &executorFixture{
		manager:  manager,
		registry: registry,
		sink:     sink,
		exec:     New(manager, registry, proc, nil, sink, cfg),
		provider: provider,
	}
}

func (f *executorFixture) addSubtask(t *testing.T, mainID string, in task.CreateTaskInput) *store.Task {
	t.Helper()
	sub, err := f.manager.AddSubtask(context.Background(), mainID, in)
	require.NoError(t, err)
	return sub
}

func (f *executorFixture) eventKinds(taskID string) map[string]int {
	counts := make(map[string]int)
	for _, env := range f.sink.Events(taskID) {
		counts[env.Type]++
	}
	return counts
}

func TestExecutePlannedSearchTask(t *testing.T) {
	f := newFixture(t, Config{})
	mock := llm.NewMockClient().QueueContent(
		`{"plan": [` +
			`{"tool_identifier": "WebSearch__search", "thought": "Search hotels in Valencia"},` +
			`{"tool_identifier": "WebSearch__search", "thought": "Search restaurants in Valencia"}` +
			`]}`)
	p := planner.New(f.manager, f.registry, mock, f.sink)

	main, err := p.Plan(context.Background(), "Search hotels in Valencia then search restaurants", "")
	require.NoError(t, err)
	require.NoError(t, f.exec.Execute(context.Background(), main.ID))

	got := f.manager.GetTask(main.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.EndTime)

	for _, sub := range f.manager.GetSubtasks(main.ID) {
		assert.Equal(t, store.StatusCompleted, sub.Status)
		assert.NotNil(t, sub.Result)
	}

	// The description is bound to the method's single required parameter.
	assert.ElementsMatch(t, []string{
		"Search hotels in Valencia",
		"Search restaurants in Valencia",
	}, f.provider.seen())

	kinds := f.eventKinds(main.ID)
	assert.Equal(t, 2, kinds["tool_started"])
	assert.Equal(t, 2, kinds["tool_completed"])
	assert.Equal(t, 0, kinds["tool_failed"])
	assert.Equal(t, 1, kinds["finish"])
}

func TestExecuteMetadataParamsWin(t *testing.T) {
	f := newFixture(t, Config{})
	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name:          "custom query",
		Description:   "does not matter",
		AssignedTools: []string{"WebSearch__search"},
		Metadata:      map[string]any{"params": map[string]any{"query": "override"}},
	})

	require.NoError(t, f.exec.Execute(context.Background(), main.ID))
	assert.Equal(t, []string{"override"}, f.provider.seen())
}

func TestExecuteDependencyOrdering(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 4})
	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	first := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "first", Description: "first query",
		AssignedTools: []string{"WebSearch__search"},
	})
	f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "second", Description: "second query",
		AssignedTools: []string{"WebSearch__search"},
		Dependencies:  []string{first.ID},
	})

	require.NoError(t, f.exec.Execute(context.Background(), main.ID))
	assert.Equal(t, []string{"first query", "second query"}, f.provider.seen())
}

func TestExecuteFailureFailsDependents(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.err = fmt.Errorf("provider down")

	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	first := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "first", Description: "first query",
		AssignedTools: []string{"WebSearch__search"},
	})
	second := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "second", Description: "second query",
		AssignedTools: []string{"WebSearch__search"},
		Dependencies:  []string{first.ID},
	})

	err = f.exec.Execute(context.Background(), main.ID)
	require.Error(t, err)

	assert.Equal(t, store.StatusFailed, f.manager.GetTask(first.ID).Status)
	got := f.manager.GetTask(second.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "dependency did not complete successfully", got.Error)

	mainGot := f.manager.GetTask(main.ID)
	assert.Equal(t, store.StatusFailed, mainGot.Status)
	assert.Contains(t, mainGot.Error, "subtask(s) failed")
	require.NotNil(t, mainGot.EndTime)
}

// stuckStore wraps a MemoryStore and rejects every update to one task.
type stuckStore struct {
	*store.MemoryStore
	rejectID string
}

func (s *stuckStore) Update(ctx context.Context, id string, changes map[string]any) (*store.Task, error) {
	if id == s.rejectID {
		return nil, fmt.Errorf("disk on fire")
	}
	return s.MemoryStore.Update(ctx, id, changes)
}

func TestExecuteAbortsWhenBlockedSubtaskCannotBePersisted(t *testing.T) {
	backing := &stuckStore{MemoryStore: store.NewMemoryStore()}
	manager := task.NewManager(backing)
	require.NoError(t, manager.Initialize(context.Background()))

	provider := &fakeSearchProvider{err: fmt.Errorf("provider down")}
	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(builtin.NewWebSearchTool(provider)))
	proc := processor.New(registry, processor.DefaultOptions())
	exec := New(manager, registry, proc, nil, events.NewMemorySink(), Config{})

	ctx := context.Background()
	main, err := manager.CreateTask(ctx, task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	first, err := manager.AddSubtask(ctx, main.ID, task.CreateTaskInput{
		Name: "first", Description: "first query",
		AssignedTools: []string{"WebSearch__search"},
	})
	require.NoError(t, err)
	second, err := manager.AddSubtask(ctx, main.ID, task.CreateTaskInput{
		Name: "second", Description: "second query",
		AssignedTools: []string{"WebSearch__search"},
		Dependencies:  []string{first.ID},
	})
	require.NoError(t, err)

	// The blocked subtask's terminal write keeps failing; the executor
	// must abort instead of re-partitioning the same set forever.
	backing.rejectID = second.ID

	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, main.ID) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mark blocked subtask failed")
	case <-time.After(5 * time.Second):
		t.Fatal("executor kept re-partitioning instead of aborting")
	}

	assert.Equal(t, store.StatusFailed, manager.GetTask(first.ID).Status)
	assert.Equal(t, store.StatusCancelled, manager.GetTask(main.ID).Status)
}

func TestExecuteRetriesTransientToolFailures(t *testing.T) {
	f := newFixture(t, Config{ToolRetries: 2})

	calls := 0
	require.NoError(t, f.registry.RegisterTool(&tools.SimpleTool{
		ID: "Flaky",
		Table: []tools.Method{{
			Name: "poke",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				calls++
				if calls < 3 {
					return nil, fmt.Errorf("transient outage")
				}
				return "ok", nil
			},
		}},
	}))

	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	sub := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "poke", Description: "poke it",
		AssignedTools: []string{"Flaky__poke"},
	})

	require.NoError(t, f.exec.Execute(context.Background(), main.ID))
	assert.Equal(t, 3, calls)
	assert.Equal(t, store.StatusCompleted, f.manager.GetTask(sub.ID).Status)

	kinds := f.eventKinds(main.ID)
	assert.Equal(t, 3, kinds["tool_started"])
	assert.Equal(t, 2, kinds["tool_failed"])
	assert.Equal(t, 1, kinds["tool_completed"])
}

func TestExecuteUnknownMethodIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{ToolRetries: 5})
	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	sub := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "bad", Description: "bad",
		AssignedTools: []string{"WebSearch__teleport"},
	})

	err = f.exec.Execute(context.Background(), main.ID)
	require.Error(t, err)
	assert.Equal(t, store.StatusFailed, f.manager.GetTask(sub.ID).Status)
	assert.Equal(t, 1, f.eventKinds(main.ID)["tool_started"])
}

func TestExecuteCancellation(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	require.NoError(t, f.registry.RegisterTool(&tools.SimpleTool{
		ID: "Slow",
		Table: []tools.Method{{
			Name: "wait",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}},
	}))

	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)
	sub := f.addSubtask(t, main.ID, task.CreateTaskInput{
		Name: "wait", Description: "wait",
		AssignedTools: []string{"Slow__wait"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(ctx, main.ID) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not return after cancellation")
	}

	assert.Equal(t, store.StatusCancelled, f.manager.GetTask(main.ID).Status)
	assert.Equal(t, store.StatusCancelled, f.manager.GetTask(sub.ID).Status)
	assert.Equal(t, 1, f.eventKinds(main.ID)["finish"])
}

func TestExecuteEmptyPlanCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	main, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "plan"})
	require.NoError(t, err)

	require.NoError(t, f.exec.Execute(context.Background(), main.ID))
	got := f.manager.GetTask(main.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestDeriveParamsSoleRequired(t *testing.T) {
	f := newFixture(t, Config{})
	sub := &store.Task{Description: "hotels in Valencia"}
	params := f.exec.deriveParams(sub, "WebSearch", "search")
	assert.Equal(t, map[string]any{"query": "hotels in Valencia"}, params)
}

func TestPlanProgress(t *testing.T) {
	assert.Equal(t, 1.0, planProgress(0, 0))
	assert.InDelta(t, 0.55, planProgress(1, 2), 1e-9)
	assert.Equal(t, 1.0, planProgress(2, 2))
}
