package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/orchestrator"
	"github.com/harun/tempo/pkg/toolexecutor"
)

// Toolbox hands out one tool pipeline per turn
type Toolbox struct {
	executor        *toolexecutor.ToolExecutor
	orchestrator    *orchestrator.Orchestrator
	repetitionLimit int
	logger          zerolog.Logger
}

// NewToolbox creates a toolbox over the executor and orchestrator
func NewToolbox(executor *toolexecutor.ToolExecutor, orch *orchestrator.Orchestrator, repetitionLimit int, logger zerolog.Logger) *Toolbox {
	return &Toolbox{
		executor:        executor,
		orchestrator:    orch,
		repetitionLimit: repetitionLimit,
		logger:          logger.With().Str("component", "tool_pipeline").Logger(),
	}
}

// ForTurn returns a pipeline with a fresh repetition guard
func (t *Toolbox) ForTurn() *Pipeline {
	return &Pipeline{
		toolbox: t,
		guard:   toolexecutor.NewRepetitionGuard(t.repetitionLimit),
	}
}

// Pipeline runs a step's tool calls through the repetition guard, the pure
// tool layer and then the orchestrator
type Pipeline struct {
	toolbox *Toolbox
	guard   *toolexecutor.RepetitionGuard
}

// Invoke implements ToolInvoker
func (p *Pipeline) Invoke(ctx context.Context, inv Invocation) []ToolOutcome {
	logger := tracing.LoggerFromContext(ctx, p.toolbox.logger)
	policy := toolexecutor.NewToolPolicy(inv.Tools)

	blocked := make(map[string]ToolOutcome)
	executed := make([]toolexecutor.ToolResult, 0, len(inv.Calls))

	for _, call := range inv.Calls {
		decision := p.guard.Check(toolexecutor.Call{Name: call.Name, Args: call.Parameters})
		if !decision.AllowExecution {
			observability.RecordRepetitionBlock(call.Name)
			logger.Warn().Str("tool", call.Name).Msg("Repeated tool call blocked")
			blocked[call.ID] = ToolOutcome{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result: map[string]interface{}{
					"success": false,
					"blocked": true,
					"error":   decision.Message,
				},
			}
			continue
		}

		executed = append(executed, p.toolbox.executor.Execute(ctx, call.Name, call.Parameters, &toolexecutor.ExecutionContext{
			SessionID:  inv.SessionID,
			RequestID:  inv.RequestID,
			Mode:       inv.Mode,
			ToolCallID: call.ID,
			ToolPolicy: policy,
		}))
	}

	orchestrated := p.toolbox.orchestrator.Orchestrate(ctx, orchestrator.ToolCallContext{
		SessionID: inv.SessionID,
		RequestID: inv.RequestID,
		Mode:      inv.Mode,
	}, executed)

	byID := make(map[string]ToolOutcome, len(executed))
	for _, res := range executed {
		byID[res.ToolCallID] = ToolOutcome{
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
			Result:     modelResult(res, orchestrated.ForSource(res.ToolCallID)),
		}
	}

	out := make([]ToolOutcome, 0, len(inv.Calls))
	for _, call := range inv.Calls {
		if o, ok := blocked[call.ID]; ok {
			out = append(out, o)
			continue
		}
		if o, ok := byID[call.ID]; ok {
			out = append(out, o)
		}
	}
	return out
}

// modelResult merges a tool result with the outcome of its side effects
func modelResult(res toolexecutor.ToolResult, effects []orchestrator.SideEffectResult) map[string]interface{} {
	success := res.Success
	out := map[string]interface{}{}
	if res.Data != nil {
		out["data"] = res.Data
	}
	if res.Error != "" {
		out["error"] = res.Error
	}

	if len(effects) > 0 {
		list := make([]map[string]interface{}, 0, len(effects))
		for _, e := range effects {
			entry := map[string]interface{}{
				"operation": e.Operation,
				"success":   e.Success,
			}
			if e.Data != nil {
				entry["data"] = e.Data
			}
			if e.Error != "" {
				entry["error"] = e.Error
			}
			list = append(list, entry)
			success = success && e.Success
		}
		out["effects"] = list
	}

	out["success"] = success
	return out
}
