package tools

import (
	"context"
	"fmt"

	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/toolexecutor"
)

func controlTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        mode.SwitchTool,
			Description: "Switch the conversation to another mode",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "mode", Type: "string", Description: "Target mode name", Required: true},
				{Name: "reason", Type: "string", Description: "Why the switch is needed"},
			},
			Handler: switchMode,
		},
		{
			Name:        mode.DelegationTool,
			Description: "Hand a self-contained piece of work to another mode and get its answer back",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "mode", Type: "string", Description: "Mode that should do the work", Required: true},
				{Name: "instructions", Type: "string", Description: "What the delegated mode must do", Required: true},
			},
			Handler: delegate,
		},
	}
}

// switchMode runs after the other effects of its step
func switchMode(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	target := stringArg(params, "mode")
	if target == "" {
		return nil, nil, fmt.Errorf("target mode is required")
	}
	args := map[string]interface{}{"mode": target, "reason": stringArg(params, "reason")}
	return pending("switch_mode", map[string]interface{}{"mode": target}),
		[]toolexecutor.SideEffect{toolexecutor.Mutation(OpModeSwitch, args).WithPriority(toolexecutor.PriorityLow)}, nil
}

func delegate(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	target := stringArg(params, "mode")
	instructions := stringArg(params, "instructions")
	if target == "" || instructions == "" {
		return nil, nil, fmt.Errorf("mode and instructions are required")
	}
	if exec := toolexecutor.ExecContextFromContext(ctx); exec != nil && exec.Mode == target {
		return nil, nil, fmt.Errorf("cannot delegate to the current mode %s", target)
	}
	args := map[string]interface{}{"mode": target, "instructions": instructions}
	return pending("delegate", map[string]interface{}{"mode": target}),
		[]toolexecutor.SideEffect{toolexecutor.ExternalCall(OpDelegate, args)}, nil
}
