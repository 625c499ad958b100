package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/harun/tempo/pkg/batch"
)

// Board is an in-memory task list and calendar. It serves both Execute and
// batch sync, and backs the memory integrations mode and tests.
type Board struct {
	mu       sync.Mutex
	nextID   int
	tasks    map[string]*Task
	projects map[string]*Project
	events   map[string]*Event
	token    int

	// Fail makes Sync reject the command with the given error text
	Fail func(cmd batch.Command) string
}

// NewBoard returns an empty board
func NewBoard() *Board {
	return &Board{
		tasks:    make(map[string]*Task),
		projects: make(map[string]*Project),
		events:   make(map[string]*Event),
	}
}

func (b *Board) newID() string {
	b.nextID++
	return strconv.Itoa(b.nextID)
}

// Sync applies a command batch the way the remote sync endpoint does: each
// command succeeds or fails on its own and temp ids resolve within the batch.
func (b *Board) Sync(ctx context.Context, commands []batch.Command) (*batch.SyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	resp := &batch.SyncResponse{
		SyncStatus:    make(map[string]json.RawMessage, len(commands)),
		TempIDMapping: make(map[string]string),
	}
	for _, cmd := range commands {
		if b.Fail != nil {
			if msg := b.Fail(cmd); msg != "" {
				resp.SyncStatus[cmd.UUID] = statusError(msg)
				continue
			}
		}
		if err := b.apply(cmd, resp.TempIDMapping); err != nil {
			resp.SyncStatus[cmd.UUID] = statusError(err.Error())
			continue
		}
		resp.SyncStatus[cmd.UUID] = json.RawMessage(`"ok"`)
	}

	b.token++
	resp.SyncToken = "board-" + strconv.Itoa(b.token)
	return resp, nil
}

func statusError(msg string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}

func (b *Board) apply(cmd batch.Command, mapping map[string]string) error {
	resolve := func(id string) string {
		if real, ok := mapping[id]; ok {
			return real
		}
		return id
	}
	str := func(key string) string {
		v, _ := cmd.Args[key].(string)
		return v
	}

	switch cmd.Type {
	case batch.TypeProjectAdd:
		id := b.newID()
		b.projects[id] = &Project{ID: id, Name: str("name")}
		if cmd.TempID != "" {
			mapping[cmd.TempID] = id
		}
		return nil

	case batch.TypeItemAdd:
		content := str("content")
		if content == "" {
			return fmt.Errorf("content is required")
		}
		task := &Task{ID: b.newID(), Content: content, Description: str("description")}
		if project := str("project_id"); project != "" {
			project = resolve(project)
			if _, ok := b.projects[project]; !ok {
				return fmt.Errorf("project %s not found", project)
			}
			task.ProjectID = project
		}
		applyTaskFields(task, cmd.Args)
		b.tasks[task.ID] = task
		if cmd.TempID != "" {
			mapping[cmd.TempID] = task.ID
		}
		return nil

	case batch.TypeItemUpdate:
		task, ok := b.tasks[resolve(str("id"))]
		if !ok {
			return ErrNotFound
		}
		if content, ok := cmd.Args["content"].(string); ok {
			task.Content = content
		}
		if description, ok := cmd.Args["description"].(string); ok {
			task.Description = description
		}
		applyTaskFields(task, cmd.Args)
		return nil

	case batch.TypeItemClose:
		task, ok := b.tasks[resolve(str("id"))]
		if !ok {
			return ErrNotFound
		}
		task.Completed = true
		return nil

	case batch.TypeItemDelete:
		id := resolve(str("id"))
		if _, ok := b.tasks[id]; !ok {
			return ErrNotFound
		}
		delete(b.tasks, id)
		return nil

	default:
		return fmt.Errorf("unsupported command type %s", cmd.Type)
	}
}

func applyTaskFields(task *Task, args map[string]interface{}) {
	if due, ok := args["due"].(map[string]interface{}); ok {
		task.Due, _ = due["string"].(string)
	}
	switch p := args["priority"].(type) {
	case int:
		task.Priority = p
	case float64:
		task.Priority = int(p)
	}
	switch labels := args["labels"].(type) {
	case []string:
		task.Labels = append([]string(nil), labels...)
	case []interface{}:
		task.Labels = task.Labels[:0]
		for _, l := range labels {
			if s, ok := l.(string); ok {
				task.Labels = append(task.Labels, s)
			}
		}
	}
}

// Execute serves the named read and calendar operations
func (b *Board) Execute(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch op {
	case OpTasksList:
		var filter TaskFilter
		if err := decodeArgs(args, &filter); err != nil {
			return nil, err
		}
		return b.ListTasks(filter), nil

	case OpCalendarCreate:
		var in EventInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return b.CreateEvent(in)

	case OpCalendarUpdate:
		var patch EventPatch
		if err := decodeArgs(args, &patch); err != nil {
			return nil, err
		}
		return b.UpdateEvent(patch)

	case OpCalendarDelete:
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		if err := b.DeleteEvent(id); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": id, "deleted": true}, nil

	case OpCalendarList:
		var filter EventFilter
		if err := decodeArgs(args, &filter); err != nil {
			return nil, err
		}
		return b.ListEvents(filter), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

// ListTasks returns matching tasks ordered by id
func (b *Board) ListTasks(filter TaskFilter) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []Task{}
	for _, t := range b.tasks {
		if t.Completed && !filter.IncludeCompleted {
			continue
		}
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Label != "" && !contains(t.Labels, filter.Label) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return numericLess(out[i].ID, out[j].ID) })
	return out
}

// Projects returns all projects ordered by id
func (b *Board) Projects() []Project {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Project, 0, len(b.projects))
	for _, p := range b.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return numericLess(out[i].ID, out[j].ID) })
	return out
}

func (b *Board) CreateEvent(in EventInput) (*Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := &Event{ID: b.newID(), Title: in.Title, Description: in.Description, Location: in.Location, Start: in.Start, End: in.End}
	b.events[e.ID] = e
	out := *e
	return &out, nil
}

func (b *Board) UpdateEvent(patch EventPatch) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.events[patch.ID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", patch.ID, ErrNotFound)
	}
	updated := *e
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Location != nil {
		updated.Location = *patch.Location
	}
	if patch.Start != nil {
		updated.Start = *patch.Start
	}
	if patch.End != nil {
		updated.End = *patch.End
	}
	if updated.End.Before(updated.Start) {
		return nil, fmt.Errorf("event ends before it starts")
	}
	*e = updated
	return &updated, nil
}

func (b *Board) DeleteEvent(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.events[id]; !ok {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	delete(b.events, id)
	return nil
}

// ListEvents returns events in the window ordered by start
func (b *Board) ListEvents(filter EventFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []Event{}
	for _, e := range b.events {
		if filter.matches(*e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func numericLess(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}
