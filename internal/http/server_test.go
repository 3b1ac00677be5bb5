package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/executor"
	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/planner"
	"github.com/nextlevelbuilder/agentrun/internal/processor"
	"github.com/nextlevelbuilder/agentrun/internal/scheduler"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

type apiFixture struct {
	manager *task.Manager
	mock    *llm.MockClient
	sink    *events.MemorySink
	handler http.Handler
}

func newAPIFixture(t *testing.T, authToken string) *apiFixture {
	t.Helper()
	manager := task.NewManager(store.NewMemoryStore())
	require.NoError(t, manager.Initialize(context.Background()))

	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(&tools.SimpleTool{
		ID: "Echo",
		Table: []tools.Method{{
			Name:        "say",
			Description: "echoes",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return params, nil
			},
		}},
	}))

	mock := llm.NewMockClient()
	sink := events.NewMemorySink()
	proc := processor.New(registry, processor.DefaultOptions())
	pl := planner.New(manager, registry, mock, sink)
	exec := executor.New(manager, registry, proc, nil, sink, executor.Config{})
	lanes := scheduler.NewLaneManager([]scheduler.LaneConfig{{Name: scheduler.LaneExec, Concurrency: 2}})
	t.Cleanup(lanes.StopAll)

	srv := NewServer(":0", manager, pl, exec, sink, lanes, authToken)
	return &apiFixture{manager: manager, mock: mock, sink: sink, handler: srv.routes()}
}

func (f *apiFixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newAPIFixture(t, "sekrit")
	rec := f.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["instanceId"])
}

func TestAuthRequiredForAPI(t *testing.T) {
	f := newAPIFixture(t, "sekrit")

	rec := f.do(http.MethodGet, "/tasks", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/tasks", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/tasks", "", "sekrit")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(http.MethodPost, "/tasks", `{"name": "my task", "description": "details"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, store.StatusPending, created.Status)

	rec = f.do(http.MethodGet, "/tasks/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/tasks/"+created.ID, `{"status": "running", "progress": 0.5}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var updated store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, store.StatusRunning, updated.Status)
	assert.Equal(t, 0.5, updated.Progress)

	rec = f.do(http.MethodDelete, "/tasks/"+created.ID, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/tasks/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateTaskRejectsBadFields(t *testing.T) {
	f := newAPIFixture(t, "")
	rec := f.do(http.MethodPost, "/tasks", `{"name": "t"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(http.MethodPut, "/tasks/"+created.ID, `{"progress": 7}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/tasks/ghost", `{"name": "x"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksFilters(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	parent, err := f.manager.CreateTask(ctx, task.CreateTaskInput{Name: "parent"})
	require.NoError(t, err)
	_, err = f.manager.AddSubtask(ctx, parent.ID, task.CreateTaskInput{Name: "child"})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/tasks?parentId="+parent.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []store.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "child", body.Tasks[0].Name)

	rec = f.do(http.MethodGet, "/tasks?status=pending", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tasks, 2)

	rec = f.do(http.MethodGet, "/tasks?status=completed", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Tasks)
}

func TestPlanEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")
	f.mock.QueueContent(`{"plan": [{"tool_identifier": "Echo__say", "thought": "say the thing"}]}`)

	rec := f.do(http.MethodPost, "/tasks/plan", `{"description": "say the thing"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var main store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &main))
	assert.Equal(t, "say the thing", main.Description)
	assert.Len(t, main.Subtasks, 1)
}

func TestPlanEndpointPlanningFailure(t *testing.T) {
	f := newAPIFixture(t, "")
	f.mock.QueueContent("junk").QueueContent("junk").QueueContent("junk")

	rec := f.do(http.MethodPost, "/tasks/plan", `{"description": "doomed"}`, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var main store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &main))
	assert.Equal(t, store.StatusPlanningFailed, main.Status)
	assert.Equal(t, "No subtasks generated.", main.Error)
}

func TestPlanEndpointValidation(t *testing.T) {
	f := newAPIFixture(t, "")
	rec := f.do(http.MethodPost, "/tasks/plan", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/tasks/plan", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")
	created, err := f.manager.CreateTask(context.Background(), task.CreateTaskInput{Name: "t"})
	require.NoError(t, err)
	require.NoError(t, f.sink.Append(context.Background(), created.ID,
		processor.AssistantText{Content: "hi", Final: true}))

	rec := f.do(http.MethodGet, "/tasks/"+created.ID+"/events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Contains(t, string(body.Events[0]), "assistant_text")

	rec = f.do(http.MethodGet, "/tasks/ghost/events", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
