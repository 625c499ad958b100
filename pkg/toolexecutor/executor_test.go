package toolexecutor

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeTaskTool(calls *int) ToolDefinition {
	return ToolDefinition{
		Name:        "complete_task",
		Description: "Mark a task as done",
		Parameters: []ToolParameter{
			{Name: "id", Type: "string", Description: "Task id", Required: true},
			{Name: "note", Type: "string", Description: "Optional note"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
			*calls++
			return map[string]interface{}{"id": params["id"]},
				[]SideEffect{Mutation("tasks.batch", map[string]interface{}{"id": params["id"]}).WithPriority(PriorityHigh)},
				nil
		},
	}
}

func TestRegisterTool(t *testing.T) {
	te := New(zerolog.Nop())
	var calls int

	require.NoError(t, te.RegisterTool(completeTaskTool(&calls)))
	assert.NotNil(t, te.GetTool("complete_task"))
	assert.Equal(t, []string{"complete_task"}, te.ListTools())

	assert.Error(t, te.RegisterTool(completeTaskTool(&calls)), "duplicate names are rejected")
}

func TestRegisterToolInvalidDefinition(t *testing.T) {
	te := New(zerolog.Nop())
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
		return nil, nil, nil
	}

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "x", Handler: noop}},
		{"empty description", ToolDefinition{Name: "x", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "x", Description: "x"}},
		{"bad parameter type", ToolDefinition{Name: "x", Description: "x", Handler: noop,
			Parameters: []ToolParameter{{Name: "p", Type: "date", Description: "d"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestExecute(t *testing.T) {
	te := New(zerolog.Nop())
	var calls int
	require.NoError(t, te.RegisterTool(completeTaskTool(&calls)))
	ctx := context.Background()

	t.Run("success returns data and side effects", func(t *testing.T) {
		res := te.Execute(ctx, "complete_task", map[string]interface{}{"id": "t1"}, &ExecutionContext{ToolCallID: "call-1"})

		require.True(t, res.Success, res.Error)
		assert.Equal(t, "call-1", res.ToolCallID)
		require.Len(t, res.SideEffects, 1)
		assert.Equal(t, KindMutation, res.SideEffects[0].Type)
		assert.Equal(t, PriorityHigh, res.SideEffects[0].Priority)
		assert.Equal(t, "call-1", res.SideEffects[0].Source)
	})

	t.Run("schema violation skips the handler", func(t *testing.T) {
		before := calls
		res := te.Execute(ctx, "complete_task", map[string]interface{}{"id": 42}, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parameter validation failed")
		assert.Equal(t, before, calls)

		res = te.Execute(ctx, "complete_task", map[string]interface{}{}, nil)
		assert.False(t, res.Success)

		res = te.Execute(ctx, "complete_task", map[string]interface{}{"id": "t1", "extra": true}, nil)
		assert.False(t, res.Success)
		assert.Equal(t, before, calls)
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := te.Execute(ctx, "launch_rocket", nil, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "tool not found")
	})

	t.Run("policy violation", func(t *testing.T) {
		before := calls
		res := te.Execute(ctx, "complete_task", map[string]interface{}{"id": "t1"},
			&ExecutionContext{Mode: "planner", ToolPolicy: NewToolPolicy([]string{"list_tasks"})})
		assert.False(t, res.Success)
		assert.Equal(t, true, res.Metadata["policy_violation"])
		assert.Equal(t, before, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		res := te.Execute(cctx, "complete_task", map[string]interface{}{"id": "t1"}, nil)
		assert.False(t, res.Success)
	})
}

func TestExecuteHandlerFailures(t *testing.T) {
	te := New(zerolog.Nop())

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name: "fails", Description: "always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
			return nil, nil, errors.New("due date is in the past")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name: "panics", Description: "always panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
			panic("boom")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name: "bad_effect", Description: "returns a malformed effect",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
			return nil, []SideEffect{{Type: "teleport", Operation: "x"}}, nil
		},
	}))

	res := te.Execute(context.Background(), "fails", nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "due date is in the past", res.Error)

	res = te.Execute(context.Background(), "panics", nil, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")

	res = te.Execute(context.Background(), "bad_effect", nil, nil)
	assert.False(t, res.Success)
	assert.Empty(t, res.SideEffects)
}

func TestExecContextReachesHandler(t *testing.T) {
	te := New(zerolog.Nop())
	var seen *ExecutionContext
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name: "peek", Description: "reads the exec context",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error) {
			seen = ExecContextFromContext(ctx)
			return nil, nil, nil
		},
	}))

	te.Execute(context.Background(), "peek", nil, &ExecutionContext{SessionID: "s1", Mode: "primary"})
	require.NotNil(t, seen)
	assert.Equal(t, "s1", seen.SessionID)
}

func TestDefinitions(t *testing.T) {
	te := New(zerolog.Nop())
	var calls int
	require.NoError(t, te.RegisterTool(completeTaskTool(&calls)))

	specs := te.Definitions([]string{"complete_task", "missing"})
	require.Len(t, specs, 1)
	assert.Equal(t, "object", specs[0].InputSchema["type"])
	assert.Equal(t, []string{"id"}, specs[0].InputSchema["required"])
}

func TestSideEffectRanks(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Less(t, KindMutation.Rank(), KindQuery.Rank())
	assert.Less(t, KindQuery.Rank(), KindExternalCall.Rank())
}
