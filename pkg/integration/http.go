package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/tempo/pkg/batch"
)

// HTTPConfig points the HTTP adapters at the task and calendar services
type HTTPConfig struct {
	TasksURL      string
	TasksToken    string
	CalendarURL   string
	CalendarToken string
	Timeout       time.Duration
}

// HTTPService talks to a Todoist-style sync API for tasks and a REST
// calendar API for events
type HTTPService struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPService creates the HTTP adapters
func NewHTTPService(cfg HTTPConfig) *HTTPService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	cfg.TasksURL = strings.TrimRight(cfg.TasksURL, "/")
	cfg.CalendarURL = strings.TrimRight(cfg.CalendarURL, "/")
	return &HTTPService{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// StatusError is a non-2xx answer from a service
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// Sync posts commands as the form field "commands"
func (s *HTTPService) Sync(ctx context.Context, commands []batch.Command) (*batch.SyncResponse, error) {
	payload, err := json.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commands: %w", err)
	}

	form := url.Values{}
	form.Set("commands", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TasksURL+"/sync", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.cfg.TasksToken)

	var resp batch.SyncResponse
	if err := s.do(req, "tasks", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute serves the named read and calendar operations over HTTP
func (s *HTTPService) Execute(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
	switch op {
	case OpTasksList:
		var filter TaskFilter
		if err := decodeArgs(args, &filter); err != nil {
			return nil, err
		}
		return s.ListTasks(ctx, filter)

	case OpCalendarCreate:
		var in EventInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if err := in.validate(); err != nil {
			return nil, err
		}
		var event Event
		if err := s.calendar(ctx, http.MethodPost, "/events", in, &event); err != nil {
			return nil, err
		}
		return &event, nil

	case OpCalendarUpdate:
		var patch EventPatch
		if err := decodeArgs(args, &patch); err != nil {
			return nil, err
		}
		if patch.ID == "" {
			return nil, fmt.Errorf("id is required")
		}
		var event Event
		if err := s.calendar(ctx, http.MethodPatch, "/events/"+url.PathEscape(patch.ID), patch, &event); err != nil {
			return nil, err
		}
		return &event, nil

	case OpCalendarDelete:
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		if err := s.calendar(ctx, http.MethodDelete, "/events/"+url.PathEscape(id), nil, nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": id, "deleted": true}, nil

	case OpCalendarList:
		var filter EventFilter
		if err := decodeArgs(args, &filter); err != nil {
			return nil, err
		}
		q := url.Values{}
		if !filter.From.IsZero() {
			q.Set("from", filter.From.Format(time.RFC3339))
		}
		if !filter.To.IsZero() {
			q.Set("to", filter.To.Format(time.RFC3339))
		}
		path := "/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		events := []Event{}
		if err := s.calendar(ctx, http.MethodGet, path, nil, &events); err != nil {
			return nil, err
		}
		return events, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

// ListTasks reads active tasks from the REST endpoint
func (s *HTTPService) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.Label != "" {
		q.Set("label", filter.Label)
	}
	endpoint := s.cfg.TasksURL + "/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.TasksToken)

	tasks := []Task{}
	if err := s.do(req, "tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *HTTPService) calendar(ctx context.Context, method, path string, body, out interface{}) error {
	if s.cfg.CalendarURL == "" {
		return fmt.Errorf("calendar service is not configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.CalendarURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.CalendarToken)

	return s.do(req, "calendar", out)
}

func (s *HTTPService) do(req *http.Request, service string, out interface{}) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s API: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", service, req.URL.Path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Service: service, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
