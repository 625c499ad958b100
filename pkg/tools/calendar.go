package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tempo/pkg/toolexecutor"
)

func calendarTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "create_event",
			Description: "Create a calendar event",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "title", Type: "string", Description: "Event title", Required: true},
				{Name: "start", Type: "string", Description: "Start time, RFC 3339", Required: true},
				{Name: "end", Type: "string", Description: "End time, RFC 3339", Required: true},
				{Name: "description", Type: "string", Description: "Event notes"},
				{Name: "location", Type: "string", Description: "Where the event happens"},
			},
			Handler: createEvent,
		},
		{
			Name:        "update_event",
			Description: "Move or edit a calendar event",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Event id", Required: true},
				{Name: "title", Type: "string", Description: "New title"},
				{Name: "start", Type: "string", Description: "New start time, RFC 3339"},
				{Name: "end", Type: "string", Description: "New end time, RFC 3339"},
				{Name: "description", Type: "string", Description: "New notes"},
				{Name: "location", Type: "string", Description: "New location"},
			},
			Handler: updateEvent,
		},
		{
			Name:        "delete_event",
			Description: "Remove a calendar event",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Event id", Required: true},
			},
			Handler: deleteEvent,
		},
		{
			Name:        "list_events",
			Description: "List calendar events in a time window",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "from", Type: "string", Description: "Window start, RFC 3339"},
				{Name: "to", Type: "string", Description: "Window end, RFC 3339"},
			},
			Handler: listEvents,
		},
	}
}

func createEvent(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	start, err := timeArg(params, "start")
	if err != nil {
		return nil, nil, err
	}
	end, err := timeArg(params, "end")
	if err != nil {
		return nil, nil, err
	}
	if !end.After(start) {
		return nil, nil, fmt.Errorf("event must end after it starts")
	}

	args := map[string]interface{}{
		"title": stringArg(params, "title"),
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}
	copyStrings(args, params, "description", "location")

	return pending("create_event", map[string]interface{}{"title": args["title"]}),
		[]toolexecutor.SideEffect{toolexecutor.Mutation(OpCalendarCreate, args)}, nil
}

func updateEvent(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	id := stringArg(params, "id")
	if id == "" {
		return nil, nil, fmt.Errorf("event id is required")
	}

	start, err := timeArg(params, "start")
	if err != nil {
		return nil, nil, err
	}
	end, err := timeArg(params, "end")
	if err != nil {
		return nil, nil, err
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return nil, nil, fmt.Errorf("event must end after it starts")
	}

	args := map[string]interface{}{"id": id}
	if !start.IsZero() {
		args["start"] = start.Format(time.RFC3339)
	}
	if !end.IsZero() {
		args["end"] = end.Format(time.RFC3339)
	}
	copyStrings(args, params, "title", "description", "location")
	if len(args) == 1 {
		return nil, nil, fmt.Errorf("event %s: nothing to update", id)
	}

	return pending("update_event", map[string]interface{}{"id": id}),
		[]toolexecutor.SideEffect{toolexecutor.Mutation(OpCalendarUpdate, args)}, nil
}

func deleteEvent(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	id := stringArg(params, "id")
	if id == "" {
		return nil, nil, fmt.Errorf("event id is required")
	}
	return pending("delete_event", map[string]interface{}{"id": id}),
		[]toolexecutor.SideEffect{toolexecutor.Mutation(OpCalendarDelete, map[string]interface{}{"id": id})}, nil
}

func listEvents(ctx context.Context, params map[string]interface{}) (interface{}, []toolexecutor.SideEffect, error) {
	from, err := timeArg(params, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := timeArg(params, "to")
	if err != nil {
		return nil, nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, nil, fmt.Errorf("window ends before it starts")
	}

	args := map[string]interface{}{}
	if !from.IsZero() {
		args["from"] = from.Format(time.RFC3339)
	}
	if !to.IsZero() {
		args["to"] = to.Format(time.RFC3339)
	}
	return map[string]interface{}{"status": "pending", "action": "list_events"},
		[]toolexecutor.SideEffect{toolexecutor.Query(OpCalendarList, args)}, nil
}

func copyStrings(dst, src map[string]interface{}, keys ...string) {
	for _, key := range keys {
		if v, ok := src[key].(string); ok {
			dst[key] = v
		}
	}
}
