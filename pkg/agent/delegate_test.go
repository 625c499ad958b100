package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/orchestrator"
	"github.com/harun/tempo/pkg/toolexecutor"
	"github.com/harun/tempo/pkg/tools"
)

type staticResolver struct {
	provider LLMProvider
	asked    []string
}

func (s *staticResolver) Resolve(model string) (*Selection, error) {
	s.asked = append(s.asked, model)
	return &Selection{Provider: s.provider, Model: "test-model", Profile: "test"}, nil
}

func newTestDelegator(t *testing.T, provider *fakeProvider) *Delegator {
	t.Helper()
	runner, _ := newTestRunner(t, RunnerConfig{})
	d, err := NewDelegator(DelegatorConfig{
		Runner:   runner,
		Registry: mode.NewRegistry(),
		Models:   &staticResolver{provider: provider},
		Toolbox:  newTestToolbox(t, nil),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func TestNewDelegatorRequiresDependencies(t *testing.T) {
	_, err := NewDelegator(DelegatorConfig{})
	assert.Error(t, err)
}

func TestDelegateRunsNestedTurn(t *testing.T) {
	provider := &fakeProvider{steps: []scriptedStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{toolCall("c1")}, FinishReason: "tool_use"}},
		{deltas: []string{"You have ", "one task."}, resp: &LLMResponse{Content: "You have one task.", FinishReason: "end_turn"}},
	}}
	d := newTestDelegator(t, provider)

	out, err := d.Delegate(context.Background(),
		orchestrator.ToolCallContext{SessionID: "s1", RequestID: "r1", Mode: "primary"},
		"information-collector", "What is on my list at home?")
	require.NoError(t, err)

	result, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "information-collector", result["mode"])
	assert.Equal(t, "You have one task.", result["output"])
	assert.Equal(t, 1, result["toolCalls"])
	assert.NotEmpty(t, result["runId"])

	require.Len(t, provider.requests, 2)
	first := provider.requests[0]
	assert.Contains(t, first.SystemPrompt, "information-collector")
	assert.InDelta(t, 0.1, first.Temperature, 1e-9)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "What is on my list at home?", first.Messages[0].Content)

	var names []string
	for _, spec := range first.Tools {
		names = append(names, spec.Name)
	}
	assert.Contains(t, names, "list_tasks")
	assert.NotContains(t, names, mode.DelegationTool)
	assert.NotContains(t, names, mode.SwitchTool)
	assert.NotContains(t, names, "create_task")

	runs := d.Runs("s1")
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)
	assert.Equal(t, "information-collector", runs[0].Mode)
	assert.NotNil(t, runs[0].CompletedAt)
	assert.Empty(t, d.Runs("other"))
}

func TestDelegateCannotSwitchParentMode(t *testing.T) {
	te := toolexecutor.New(zerolog.Nop())
	require.NoError(t, tools.Register(te))
	switches := 0
	orch := orchestrator.New()
	require.NoError(t, orch.Register(tools.OpModeSwitch, toolexecutor.KindMutation,
		func(ctx context.Context, call orchestrator.ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
			switches++
			return nil, nil
		}))

	provider := &fakeProvider{steps: []scriptedStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: mode.SwitchTool, Parameters: map[string]interface{}{"mode": "calendar-manager"}},
		}}},
		{resp: &LLMResponse{Content: "Staying put."}},
	}}
	runner, _ := newTestRunner(t, RunnerConfig{})
	d, err := NewDelegator(DelegatorConfig{
		Runner:   runner,
		Registry: mode.NewRegistry(),
		Models:   &staticResolver{provider: provider},
		Toolbox:  NewToolbox(te, orch, 3, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = d.Delegate(context.Background(),
		orchestrator.ToolCallContext{SessionID: "s1", RequestID: "r1", Mode: "primary"},
		"planner", "Plan my week")
	require.NoError(t, err)

	assert.Zero(t, switches, "a nested run must not move the session mode")
	for _, spec := range provider.requests[0].Tools {
		assert.NotEqual(t, mode.SwitchTool, spec.Name)
	}
}

func TestDelegateFallsBackToToolSummary(t *testing.T) {
	provider := &fakeProvider{steps: []scriptedStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{toolCall("c1")}}},
		{resp: &LLMResponse{}},
	}}
	d := newTestDelegator(t, provider)

	out, err := d.Delegate(context.Background(), orchestrator.ToolCallContext{SessionID: "s1", Mode: "primary"},
		"planner", "Plan my week")
	require.NoError(t, err)
	assert.NotEmpty(t, out.(map[string]interface{})["output"])
}

func TestDelegateRejectsBadTargets(t *testing.T) {
	d := newTestDelegator(t, &fakeProvider{})
	call := orchestrator.ToolCallContext{SessionID: "s1", Mode: "planner"}

	_, err := d.Delegate(context.Background(), call, "planner", "again")
	assert.ErrorContains(t, err, "current mode")

	_, err = d.Delegate(context.Background(), call, "astrologer", "read the stars")
	assert.ErrorContains(t, err, "unknown mode")

	_, err = d.Delegate(context.Background(), call, "executor", "  ")
	assert.ErrorContains(t, err, "instructions")

	assert.Empty(t, d.Runs("s1"))
}

func TestDelegateProviderFailureFailsRun(t *testing.T) {
	provider := &fakeProvider{steps: []scriptedStep{
		{err: WithKind(KindProviderPermanent, errors.New("invalid api key"))},
	}}
	d := newTestDelegator(t, provider)

	_, err := d.Delegate(context.Background(), orchestrator.ToolCallContext{SessionID: "s1", Mode: "primary"},
		"calendar-manager", "Move the dentist to friday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calendar-manager")
	assert.False(t, errors.Is(err, context.Canceled))

	runs := d.Runs("s1")
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestDelegatorRetention(t *testing.T) {
	runner, _ := newTestRunner(t, RunnerConfig{})
	d, err := NewDelegator(DelegatorConfig{
		Runner:    runner,
		Registry:  mode.NewRegistry(),
		Models:    &staticResolver{provider: &fakeProvider{steps: []scriptedStep{{resp: &LLMResponse{Content: "ok"}}}}},
		Toolbox:   newTestToolbox(t, nil),
		Logger:    zerolog.Nop(),
		Retention: 2,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := d.Delegate(context.Background(), orchestrator.ToolCallContext{SessionID: "s1", Mode: "primary"},
			"planner", "plan")
		require.NoError(t, err)
	}
	assert.Len(t, d.Runs("s1"), 2)
}
