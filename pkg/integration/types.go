package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Operation names served by Execute
const (
	OpTasksList      = "tasks.list"
	OpCalendarCreate = "calendar.create"
	OpCalendarUpdate = "calendar.update"
	OpCalendarDelete = "calendar.delete"
	OpCalendarList   = "calendar.list"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNotFound         = errors.New("resource not found")
)

// Service runs a named task or calendar operation
type Service interface {
	Execute(ctx context.Context, op string, args map[string]interface{}) (interface{}, error)
}

// Task is a task as the task service reports it
type Task struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Due         string   `json:"due,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Completed   bool     `json:"is_completed"`
}

// Project groups tasks
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TaskFilter narrows tasks.list
type TaskFilter struct {
	ProjectID        string `json:"projectId,omitempty"`
	Label            string `json:"label,omitempty"`
	IncludeCompleted bool   `json:"includeCompleted,omitempty"`
}

// Event is a calendar entry
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// EventInput describes an event to create
type EventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// EventPatch changes an event. Nil fields are untouched.
type EventPatch struct {
	ID          string     `json:"id"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Location    *string    `json:"location,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
}

// EventFilter narrows calendar.list to a time window. Zero bounds are open.
type EventFilter struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (f EventFilter) matches(e Event) bool {
	if !f.From.IsZero() && e.End.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Start.After(f.To) {
		return false
	}
	return true
}

func (in EventInput) validate() error {
	if in.Title == "" {
		return fmt.Errorf("event title is required")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return fmt.Errorf("event start and end are required")
	}
	if in.End.Before(in.Start) {
		return fmt.Errorf("event ends before it starts")
	}
	return nil
}

// decodeArgs maps loosely typed operation args onto v
func decodeArgs(args map[string]interface{}, v interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

func requireID(args map[string]interface{}) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", fmt.Errorf("id is required")
	}
	return id, nil
}
