package orchestrator

import (
	"context"
	"fmt"

	"github.com/harun/tempo/pkg/batch"
	"github.com/harun/tempo/pkg/integration"
	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/toolexecutor"
	"github.com/harun/tempo/pkg/tools"
)

// ModeSwitcher persists mode changes
type ModeSwitcher interface {
	HandleModeSwitch(ctx context.Context, sessionID, target, reason string) mode.SwitchResult
}

// BatchExecutor runs task command batches
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, commands []batch.Command) (*batch.BatchResult, error)
}

// Delegator runs instructions in another mode and returns its answer
type Delegator interface {
	Delegate(ctx context.Context, call ToolCallContext, mode, instructions string) (interface{}, error)
}

// Dependencies are the collaborators behind the built-in operations. Nil
// members leave their operations unregistered.
type Dependencies struct {
	Modes     ModeSwitcher
	Batch     BatchExecutor
	Service   integration.Service
	Delegator Delegator
}

// OpExternalCall runs any service operation named in its args
const OpExternalCall = "external.call"

// RegisterDefaults installs the built-in operation handlers
func RegisterDefaults(o *Orchestrator, deps Dependencies) error {
	type entry struct {
		op      string
		kind    toolexecutor.EffectKind
		handler Handler
	}
	var entries []entry

	if deps.Modes != nil {
		entries = append(entries, entry{tools.OpModeSwitch, toolexecutor.KindMutation, modeSwitchHandler(deps.Modes)})
	}
	if deps.Batch != nil {
		entries = append(entries, entry{tools.OpTasksBatch, toolexecutor.KindMutation, batchHandler(deps.Batch)})
	}
	if deps.Service != nil {
		entries = append(entries,
			entry{tools.OpTasksList, toolexecutor.KindQuery, serviceHandler(deps.Service, integration.OpTasksList)},
			entry{tools.OpCalendarCreate, toolexecutor.KindMutation, serviceHandler(deps.Service, integration.OpCalendarCreate)},
			entry{tools.OpCalendarUpdate, toolexecutor.KindMutation, serviceHandler(deps.Service, integration.OpCalendarUpdate)},
			entry{tools.OpCalendarDelete, toolexecutor.KindMutation, serviceHandler(deps.Service, integration.OpCalendarDelete)},
			entry{tools.OpCalendarList, toolexecutor.KindQuery, serviceHandler(deps.Service, integration.OpCalendarList)},
			entry{OpExternalCall, toolexecutor.KindExternalCall, externalCallHandler(deps.Service)},
		)
	}
	if deps.Delegator != nil {
		entries = append(entries, entry{tools.OpDelegate, toolexecutor.KindExternalCall, delegateHandler(deps.Delegator)})
	}

	for _, e := range entries {
		if err := o.Register(e.op, e.kind, e.handler); err != nil {
			return err
		}
	}
	return nil
}

func modeSwitchHandler(modes ModeSwitcher) Handler {
	return func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
		target, _ := effect.Args["mode"].(string)
		reason, _ := effect.Args["reason"].(string)
		if call.SessionID == "" {
			return nil, fmt.Errorf("mode switch needs a session")
		}

		result := modes.HandleModeSwitch(ctx, call.SessionID, target, reason)
		if !result.Success {
			return result, fmt.Errorf("mode switch failed: %s", result.Message)
		}
		return result, nil
	}
}

func batchHandler(pipeline BatchExecutor) Handler {
	return func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
		commands, ok := effect.Args["commands"].([]batch.Command)
		if !ok {
			return nil, fmt.Errorf("tasks.batch effect carries no commands")
		}

		result, err := pipeline.ExecuteBatch(ctx, commands)
		if err != nil {
			return nil, err
		}
		if !result.OK() {
			return result, fmt.Errorf("%d of %d commands failed: %s",
				len(result.Failed), len(commands), result.Failed[0].Error)
		}
		return result, nil
	}
}

func serviceHandler(svc integration.Service, op string) Handler {
	return func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
		return svc.Execute(ctx, op, effect.Args)
	}
}

func externalCallHandler(svc integration.Service) Handler {
	return func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
		op, _ := effect.Args["operation"].(string)
		if op == "" {
			return nil, fmt.Errorf("external call names no operation")
		}
		args, _ := effect.Args["args"].(map[string]interface{})
		return svc.Execute(ctx, op, args)
	}
}

func delegateHandler(d Delegator) Handler {
	return func(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (interface{}, error) {
		target, _ := effect.Args["mode"].(string)
		instructions, _ := effect.Args["instructions"].(string)
		return d.Delegate(ctx, call, target, instructions)
	}
}
