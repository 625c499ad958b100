package tools

import (
	"context"
	"fmt"

	"github.com/harun/tempo/pkg/batch"
	"github.com/harun/tempo/pkg/toolexecutor"
)

var priorityEnum = []interface{}{1, 2, 3, 4}

var taskItemSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"content":     map[string]interface{}{"type": "string"},
		"description": map[string]interface{}{"type": "string"},
		"due":         map[string]interface{}{"type": "string"},
		"priority":    map[string]interface{}{"type": "integer", "enum": priorityEnum},
		"labels":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []interface{}{"content"},
}

var taskUpdateSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"id":          map[string]interface{}{"type": "string"},
		"content":     map[string]interface{}{"type": "string"},
		"description": map[string]interface{}{"type": "string"},
		"due":         map[string]interface{}{"type": "string"},
		"priority":    map[string]interface{}{"type": "integer", "enum": priorityEnum},
		"labels":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []interface{}{"id"},
}

var stringItems = map[string]interface{}{"type": "string"}

func taskFields() []toolexecutor.ToolParameter {
	return []toolexecutor.ToolParameter{
		{Name: "description", Type: "string", Description: "Longer notes for the task"},
		{Name: "due", Type: "string", Description: "Due date in natural language or YYYY-MM-DD"},
		{Name: "priority", Type: "integer", Description: "1 (normal) to 4 (urgent)", Enum: priorityEnum},
		{Name: "labels", Type: "array", Description: "Label names", Items: stringItems},
	}
}

func taskTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "create_task",
			Description: "Create a single task",
			Parameters: append([]toolexecutor.ToolParameter{
				{Name: "content", Type: "string", Description: "Task title", Required: true},
				{Name: "project_id", Type: "string", Description: "Existing project id"},
			}, taskFields()...),
			Handler: createTask,
		},
		{
			Name:        "update_task",
			Description: "Change fields of an existing task",
			Parameters: append([]toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Task id", Required: true},
				{Name: "content", Type: "string", Description: "New task title"},
			}, taskFields()...),
			Handler: updateTask,
		},
		{
			Name:        "complete_task",
			Description: "Mark a task as done",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Task id", Required: true},
			},
			Handler: idTask("complete", batch.BuildCloseCommands),
		},
		{
			Name:        "delete_task",
			Description: "Delete a task permanently",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Task id", Required: true},
			},
			Handler: idTask("delete", batch.BuildDeleteCommands),
		},
		{
			Name:        "bulk_create_tasks",
			Description: "Create several tasks at once, optionally inside a new project",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "tasks", Type: "array", Description: "Tasks to create", Required: true, Items: taskItemSchema},
				{Name: "project_id", Type: "string", Description: "Existing project for every task"},
				{Name: "new_project", Type: "string", Description: "Name of a project to create for these tasks"},
			},
			Handler: bulkCreateTasks,
		},
		{
			Name:        "bulk_update_tasks",
			Description: "Change several tasks at once",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "updates", Type: "array", Description: "One entry per task, each with its id", Required: true, Items: taskUpdateSchema},
			},
			Handler: bulkUpdateTasks,
		},
		{
			Name:        "bulk_delete_tasks",
			Description: "Delete several tasks at once",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "ids", Type: "array", Description: "Task ids", Required: true, Items: stringItems},
			},
			Handler: bulkDeleteTasks,
		},
		{
			Name:        "list_tasks",
			Description: "List tasks, optionally filtered by project or label",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "project_id", Type: "string", Description: "Only tasks in this project"},
				{Name: "label", Type: "string", Description: "Only tasks with this label"},
				{Name: "include_completed", Type: "boolean", Description: "Include completed tasks"},
			},
			Handler: listTasks,
		},
	}
}

func batchEffect(action string, commands []batch.Command) toolexecutor.SideEffect {
	return toolexecutor.Mutation(OpTasksBatch, map[string]interface{}{
		"action":   action,
		"commands": commands,
	})
}

func taskInput(params map[string]interface{}) batch.TaskInput {
	in := batch.TaskInput{
		Content:     stringArg(params, "content"),
		Description: stringArg(params, "description"),
		ProjectID:   stringArg(params, "project_id"),
		Due:         stringArg(params, "due"),
	}
	if p, ok := intArg(params, "priority"); ok {
		in.Priority = p
	}
	if labels, ok := stringSliceArg(params, "labels"); ok {
		in.Labels = labels
	}
	return in
}

func taskUpdate(params map[string]interface{}) (batch.TaskUpdate, error) {
	up := batch.TaskUpdate{
		ID:          stringArg(params, "id"),
		Content:     optionalString(params, "content"),
		Description: optionalString(params, "description"),
		Due:         optionalString(params, "due"),
	}
	if up.ID == "" {
		return up, fmt.Errorf("task id is required")
	}
	if p, ok := intArg(params, "priority"); ok {
		up.Priority = &p
	}
	if labels, ok := stringSliceArg(params, "labels"); ok {
		up.Labels = labels
	}
	if up.Content == nil && up.Description == nil && up.Due == nil && up.Priority == nil && up.Labels == nil {
		return up, fmt.Errorf("task %s: nothing to update", up.ID)
	}
	return up, nil
}

func createTask(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	in := taskInput(params)
	if in.Content == "" {
		return nil, nil, fmt.Errorf("task content cannot be empty")
	}
	commands := batch.BuildCreateCommands([]batch.TaskInput{in})
	return pending("create", map[string]interface{}{"content": in.Content, "tempId": commands[0].TempID}),
		[]toolexecutor.SideEffect{batchEffect("create", commands)}, nil
}

func updateTask(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	up, err := taskUpdate(params)
	if err != nil {
		return nil, nil, err
	}
	commands := batch.BuildUpdateCommands([]batch.TaskUpdate{up})
	return pending("update", map[string]interface{}{"id": up.ID}),
		[]toolexecutor.SideEffect{batchEffect("update", commands)}, nil
}

func idTask(action string, build func([]string) []batch.Command) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
		id := stringArg(params, "id")
		if id == "" {
			return nil, nil, fmt.Errorf("task id is required")
		}
		return pending(action, map[string]interface{}{"id": id}),
			[]toolexecutor.SideEffect{batchEffect(action, build([]string{id}))}, nil
	}
}

func bulkCreateTasks(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	items := objectSliceArg(params, "tasks")
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("at least one task is required")
	}
	if len(items) > batch.MaxCommands-1 {
		return nil, nil, fmt.Errorf("too many tasks: %d (max %d)", len(items), batch.MaxCommands-1)
	}

	var commands []batch.Command
	projectID := stringArg(params, "project_id")
	var projectTempID string
	if name := stringArg(params, "new_project"); name != "" {
		projectTempID = batch.NewTempID()
		commands = append(commands, batch.BuildProjectCommands([]batch.ProjectInput{{Name: name, TempID: projectTempID}})...)
	}

	inputs := make([]batch.TaskInput, 0, len(items))
	for i, item := range items {
		in := taskInput(item)
		if in.Content == "" {
			return nil, nil, fmt.Errorf("task %d: content cannot be empty", i)
		}
		if projectTempID != "" {
			in.ProjectTempID = projectTempID
		} else if in.ProjectID == "" {
			in.ProjectID = projectID
		}
		inputs = append(inputs, in)
	}
	commands = append(commands, batch.BuildCreateCommands(inputs)...)

	return pending("bulk_create", map[string]interface{}{"count": len(inputs)}),
		[]toolexecutor.SideEffect{batchEffect("bulk_create", commands)}, nil
}

func bulkUpdateTasks(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	items := objectSliceArg(params, "updates")
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("at least one update is required")
	}
	if len(items) > batch.MaxCommands {
		return nil, nil, fmt.Errorf("too many updates: %d (max %d)", len(items), batch.MaxCommands)
	}

	updates := make([]batch.TaskUpdate, 0, len(items))
	for _, item := range items {
		up, err := taskUpdate(item)
		if err != nil {
			return nil, nil, err
		}
		updates = append(updates, up)
	}
	return pending("bulk_update", map[string]interface{}{"count": len(updates)}),
		[]toolexecutor.SideEffect{batchEffect("bulk_update", batch.BuildUpdateCommands(updates))}, nil
}

func bulkDeleteTasks(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	ids, _ := stringSliceArg(params, "ids")
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("at least one task id is required")
	}
	if len(ids) > batch.MaxCommands {
		return nil, nil, fmt.Errorf("too many ids: %d (max %d)", len(ids), batch.MaxCommands)
	}
	return pending("bulk_delete", map[string]interface{}{"count": len(ids)}),
		[]toolexecutor.SideEffect{batchEffect("bulk_delete", batch.BuildDeleteCommands(ids))}, nil
}

func listTasks(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	filter := map[string]interface{}{}
	if p := stringArg(params, "project_id"); p != "" {
		filter["projectId"] = p
	}
	if l := stringArg(params, "label"); l != "" {
		filter["label"] = l
	}
	if boolArg(params, "include_completed") {
		filter["includeCompleted"] = true
	}
	return map[string]interface{}{"status": "pending", "action": "list"},
		[]toolexecutor.SideEffect{toolexecutor.Query(OpTasksList, filter)}, nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
