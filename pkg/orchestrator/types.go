package orchestrator

import (
	"context"
	"time"

	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/toolexecutor"
)

// ToolCallContext identifies the turn a batch of tool results belongs to
type ToolCallContext struct {
	SessionID string
	RequestID string
	Mode      string
}

// Handler executes one side effect
type Handler func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error)

// SideEffectResult is the outcome of one side effect
type SideEffectResult struct {
	Operation string                  `json:"operation"`
	Type      toolexecutor.EffectKind `json:"type"`
	Priority  toolexecutor.Priority   `json:"priority"`
	Source    string                  `json:"source,omitempty"`
	Success   bool                    `json:"success"`
	Data      interface{}             `json:"data,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Duration  time.Duration           `json:"duration"`
}

// OrchestrationResult aggregates one orchestration. Success requires every
// tool result and every side effect to have succeeded.
type OrchestrationResult struct {
	Success           bool               `json:"success"`
	SideEffectResults []SideEffectResult `json:"sideEffectResults"`
	Events            []events.Event     `json:"events"`
	Summary           string             `json:"summary"`
}

// ForSource returns the side effect results produced by one tool call
func (r *OrchestrationResult) ForSource(toolCallID string) []SideEffectResult {
	var out []SideEffectResult
	for _, res := range r.SideEffectResults {
		if res.Source == toolCallID {
			out = append(out, res)
		}
	}
	return out
}
