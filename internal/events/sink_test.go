package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentrun/internal/processor"
)

func TestMemorySinkOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	require.NoError(t, s.Append(ctx, "t1", processor.ToolStarted{InvocationID: "i1", ToolID: "Web"}))
	require.NoError(t, s.Append(ctx, "t1", processor.ToolCompleted{InvocationID: "i1"}))
	require.NoError(t, s.Append(ctx, "t2", processor.Finish{Reason: "done"}))

	got := s.Events("t1")
	require.Len(t, got, 2)
	assert.Equal(t, "tool_started", got[0].Type)
	assert.Equal(t, "tool_completed", got[1].Type)
	assert.False(t, got[0].Timestamp.IsZero())

	other, err := s.Drain(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "finish", other[0].Type)

	empty, err := s.Drain(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEnvelopeSerialization(t *testing.T) {
	env := newEnvelope(processor.ToolFailed{InvocationID: "i9", Error: "boom"})
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tool_failed", decoded["type"])
	inner := decoded["data"].(map[string]any)
	assert.Equal(t, "i9", inner["invocation_id"])
	assert.Equal(t, "boom", inner["error"])
}

func TestRedisKeyLayout(t *testing.T) {
	assert.Equal(t, "agent_run:abc:responses", responsesKey("abc"))
	assert.Equal(t, "agent_run:abc:new_response", markerKey("abc"))
}

func TestRawEventPassthrough(t *testing.T) {
	e := rawEvent{kind: "assistant_text", data: json.RawMessage(`{"content":"hi","final":true}`)}
	assert.Equal(t, "assistant_text", e.Kind())
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi","final":true}`, string(data))
}
