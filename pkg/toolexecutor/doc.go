// Package toolexecutor registers and executes pure tools.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before the handler runs.
// - Handlers never touch the store or external services.
// - Handlers return data plus declarative side effects for the orchestrator.
//
// Usage:
//
//	exec := toolexecutor.New(zerolog.Nop())
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "complete_task",
//		Description: "Mark a task done",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "id", Type: "string", Description: "task id", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
//			return nil, []toolexecutor.SideEffect{toolexecutor.Mutation("tasks.batch", params)}, nil
//		},
//	})
package toolexecutor
