package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Command types understood by the sync endpoint
const (
	TypeItemAdd    = "item_add"
	TypeItemUpdate = "item_update"
	TypeItemDelete = "item_delete"
	TypeItemClose  = "item_close"
	TypeProjectAdd = "project_add"
)

// Command is one entry of a sync batch. UUID identifies the command in the
// response status map; TempID names the resource it creates.
type Command struct {
	Type   string                 `json:"type"`
	UUID   string                 `json:"uuid"`
	TempID string                 `json:"temp_id,omitempty"`
	Args   map[string]interface{} `json:"args"`
}

// TaskInput describes a task to create
type TaskInput struct {
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	// ProjectTempID refers to a project created earlier in the same batch
	ProjectTempID string   `json:"projectTempId,omitempty"`
	Due           string   `json:"due,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	TempID        string   `json:"tempId,omitempty"`
}

// TaskUpdate describes changes to an existing task. Nil fields are untouched.
type TaskUpdate struct {
	ID          string   `json:"id"`
	Content     *string  `json:"content,omitempty"`
	Description *string  `json:"description,omitempty"`
	Due         *string  `json:"due,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// ProjectInput describes a project to create
type ProjectInput struct {
	Name   string `json:"name"`
	TempID string `json:"tempId,omitempty"`
}

// NewTempID returns a placeholder id for a resource not created yet
func NewTempID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("tmp-%d", time.Now().UnixNano())
	}
	return id
}

// BuildCreateCommands emits one item_add per input
func BuildCreateCommands(items []TaskInput) []Command {
	commands := make([]Command, 0, len(items))
	for _, item := range items {
		args := map[string]interface{}{"content": item.Content}
		if item.Description != "" {
			args["description"] = item.Description
		}
		switch {
		case item.ProjectTempID != "":
			args["project_id"] = item.ProjectTempID
		case item.ProjectID != "":
			args["project_id"] = item.ProjectID
		}
		if item.Due != "" {
			args["due"] = map[string]interface{}{"string": item.Due}
		}
		if item.Priority > 0 {
			args["priority"] = item.Priority
		}
		if len(item.Labels) > 0 {
			args["labels"] = item.Labels
		}

		tempID := item.TempID
		if tempID == "" {
			tempID = NewTempID()
		}
		commands = append(commands, Command{
			Type:   TypeItemAdd,
			UUID:   uuid.NewString(),
			TempID: tempID,
			Args:   args,
		})
	}
	return commands
}

// BuildProjectCommands emits one project_add per input
func BuildProjectCommands(items []ProjectInput) []Command {
	commands := make([]Command, 0, len(items))
	for _, item := range items {
		tempID := item.TempID
		if tempID == "" {
			tempID = NewTempID()
		}
		commands = append(commands, Command{
			Type:   TypeProjectAdd,
			UUID:   uuid.NewString(),
			TempID: tempID,
			Args:   map[string]interface{}{"name": item.Name},
		})
	}
	return commands
}

// BuildUpdateCommands emits one item_update per input
func BuildUpdateCommands(items []TaskUpdate) []Command {
	commands := make([]Command, 0, len(items))
	for _, item := range items {
		args := map[string]interface{}{"id": item.ID}
		if item.Content != nil {
			args["content"] = *item.Content
		}
		if item.Description != nil {
			args["description"] = *item.Description
		}
		if item.Due != nil {
			args["due"] = map[string]interface{}{"string": *item.Due}
		}
		if item.Priority != nil {
			args["priority"] = *item.Priority
		}
		if item.Labels != nil {
			args["labels"] = item.Labels
		}
		commands = append(commands, Command{Type: TypeItemUpdate, UUID: uuid.NewString(), Args: args})
	}
	return commands
}

// BuildDeleteCommands emits one item_delete per id
func BuildDeleteCommands(ids []string) []Command {
	return idCommands(TypeItemDelete, ids)
}

// BuildCloseCommands emits one item_close per id
func BuildCloseCommands(ids []string) []Command {
	return idCommands(TypeItemClose, ids)
}

func idCommands(kind string, ids []string) []Command {
	commands := make([]Command, 0, len(ids))
	for _, id := range ids {
		commands = append(commands, Command{
			Type: kind,
			UUID: uuid.NewString(),
			Args: map[string]interface{}{"id": id},
		})
	}
	return commands
}
