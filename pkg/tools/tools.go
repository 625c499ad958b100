package tools

import (
	"fmt"

	"github.com/harun/tempo/pkg/toolexecutor"
)

// Side effect operations emitted by the tools
const (
	OpTasksBatch     = "tasks.batch"
	OpTasksList      = "tasks.list"
	OpCalendarCreate = "calendar.create"
	OpCalendarUpdate = "calendar.update"
	OpCalendarDelete = "calendar.delete"
	OpCalendarList   = "calendar.list"
	OpModeSwitch     = "mode.switch"
	OpDelegate       = "agent.delegate"
)

// Definitions returns every tool, tasks first
func Definitions() []toolexecutor.ToolDefinition {
	defs := taskTools()
	defs = append(defs, calendarTools()...)
	defs = append(defs, controlTools()...)
	return defs
}

// Names lists the tool names in definition order
func Names() []string {
	defs := Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// Register adds every tool to the executor
func Register(te *toolexecutor.ToolExecutor) error {
	for _, def := range Definitions() {
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

// pending is the data a mutating tool returns before its effects run
func pending(action string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{"status": "pending", "action": action}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
