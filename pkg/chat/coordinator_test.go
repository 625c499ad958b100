package chat

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/batch"
	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/integration"
	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/orchestrator"
	"github.com/harun/tempo/pkg/session"
	"github.com/harun/tempo/pkg/stream"
	"github.com/harun/tempo/pkg/toolexecutor"
	"github.com/harun/tempo/pkg/tools"
)

type step struct {
	deltas []string
	resp   *agent.LLMResponse
	err    error
	// before runs when the step starts
	before func(ctx context.Context)
}

// scriptedProvider plays its steps in order and repeats the last one
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []agent.LLMRequest
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req agent.LLMRequest, onDelta func(string)) (*agent.LLMResponse, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if len(p.steps) == 0 {
		return &agent.LLMResponse{}, nil
	}
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	s := p.steps[idx]
	if s.before != nil {
		s.before(ctx)
	}
	for _, d := range s.deltas {
		onDelta(d)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.resp == nil {
		return &agent.LLMResponse{Content: strings.Join(s.deltas, "")}, nil
	}
	return s.resp, nil
}

func (p *scriptedProvider) request(i int) agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type resolverFunc func(model string) (*agent.Selection, error)

func (f resolverFunc) Resolve(model string) (*agent.Selection, error) { return f(model) }

type harness struct {
	store    *session.MemoryStore
	board    *integration.Board
	modes    *mode.Controller
	hub      *events.Hub
	provider *scriptedProvider
	coord    *Coordinator
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	logger := zerolog.Nop()

	h := &harness{
		store:    session.NewMemoryStore(),
		board:    integration.NewBoard(),
		hub:      events.NewHub(256, logger),
		provider: &scriptedProvider{steps: steps},
	}
	t.Cleanup(h.hub.Close)

	te := toolexecutor.New(logger)
	require.NoError(t, tools.Register(te))
	h.modes = mode.NewController(mode.NewRegistry(), h.store, logger)

	orch := orchestrator.New(orchestrator.WithSink(h.hub), orchestrator.WithLogger(logger))
	require.NoError(t, orchestrator.RegisterDefaults(orch, orchestrator.Dependencies{
		Modes:   h.modes,
		Batch:   batch.NewPipeline(h.board, batch.MaxCommands, logger),
		Service: h.board,
	}))

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Tools:     te,
		Logger:    logger,
		RetryBase: time.Millisecond,
		Sleep:     func(ctx context.Context, d time.Duration) error { return nil },
	})
	require.NoError(t, err)

	h.coord, err = NewCoordinator(Config{
		Store:   h.store,
		Locker:  h.store,
		Modes:   h.modes,
		Tools:   te,
		Toolbox: agent.NewToolbox(te, orch, 3, logger),
		Runner:  runner,
		Models: resolverFunc(func(model string) (*agent.Selection, error) {
			return &agent.Selection{Provider: h.provider, Model: "test-model", Profile: "test"}, nil
		}),
		Events:       h.hub,
		SystemPrompt: "You help with tasks and calendars.",
		Logger:       logger,
	})
	require.NoError(t, err)
	return h
}

func version(v int64) *int64 { return &v }

func frames(t *testing.T, body []byte) []stream.Frame {
	t.Helper()
	dec := stream.NewDecoder()
	out := dec.Push(body)
	return append(out, dec.Flush()...)
}

func lastFrame(t *testing.T, body []byte) stream.Frame {
	t.Helper()
	all := frames(t, body)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func assertUnlocked(t *testing.T, store *session.MemoryStore, sessionID string) {
	t.Helper()
	res, err := store.Acquire(context.Background(), sessionID, "lock-check", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired, "lock still held by %s", res.Lock.OwnerRequestID)
	require.NoError(t, store.Release(context.Background(), sessionID, "lock-check"))
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Config{})
	assert.Error(t, err)
}

func TestChatTextTurn(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"Hello", " there"}})
	var out bytes.Buffer

	res, err := h.coord.Chat(context.Background(), Request{RequestID: "r1", LatestUserMessage: "hi"}, &out)
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, TurnPersisted, res.Status)
	assert.Equal(t, "Hello there", res.Content)
	assert.Equal(t, mode.Default, res.Mode)
	// user message, turn start and turn finish
	assert.Equal(t, int64(3), res.Version)

	status := lastFrame(t, out.Bytes())
	assert.Equal(t, stream.TypeTurnStatus, status.Type())
	assert.Equal(t, TurnPersisted, status.Get("status"))
	assert.Equal(t, res.SessionID, status.Get("sessionId"))

	history, v, err := h.store.LoadHistory(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, "Hello there", history[1].Content)
	assert.Equal(t, session.TurnCompleted, history[1].Metadata[session.MetaStatus])
	assert.Equal(t, "r1", history[1].Metadata[session.MetaRequestID])

	assertUnlocked(t, h.store, res.SessionID)

	req := h.provider.request(0)
	assert.Contains(t, req.SystemPrompt, "You help with tasks")
	names := make([]string, 0, len(req.Tools))
	for _, spec := range req.Tools {
		names = append(names, spec.Name)
	}
	assert.Contains(t, names, "create_task")
	assert.Contains(t, names, mode.DelegationTool)
}

func TestChatToolTurnRunsSideEffects(t *testing.T) {
	h := newHarness(t,
		step{resp: &agent.LLMResponse{ToolCalls: []agent.ToolCall{
			{ID: "c1", Name: "create_task", Parameters: map[string]interface{}{"content": "Buy milk"}},
		}}},
		step{deltas: []string{"Added it."}},
	)
	var out bytes.Buffer

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "remind me to buy milk"}, &out)
	require.NoError(t, err)

	tasks := h.board.ListTasks(integration.TaskFilter{})
	require.Len(t, tasks, 1)
	assert.Equal(t, "Buy milk", tasks[0].Content)

	require.Len(t, res.ToolCalls, 1)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, "c1", res.ToolResults[0].ToolCallID)
	assert.Equal(t, map[string]string{"c1": stream.ToolCompleted}, res.ToolState)
	assert.Equal(t, "Added it.", res.Content)

	history, _, err := h.store.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	turn := history[len(history)-1]
	require.Len(t, turn.ToolCalls, 1)
	require.Len(t, turn.ToolResults, 1)
	assert.JSONEq(t, `{"content":"Buy milk"}`, string(turn.ToolCalls[0].Args))

	// the second provider call sees the tool result
	second := h.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, agent.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestChatSummarizesSilentToolTurn(t *testing.T) {
	h := newHarness(t,
		step{resp: &agent.LLMResponse{ToolCalls: []agent.ToolCall{
			{ID: "c1", Name: "create_task", Parameters: map[string]interface{}{"content": "Water plants"}},
		}}},
		step{resp: &agent.LLMResponse{}},
	)

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "plants"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Content)
	assert.NotEqual(t, stream.FallbackText, res.Content)
}

func TestChatSwitchesModeWithinTurn(t *testing.T) {
	h := newHarness(t,
		step{resp: &agent.LLMResponse{ToolCalls: []agent.ToolCall{
			{ID: "c1", Name: "switch_mode", Parameters: map[string]interface{}{"mode": "calendar-manager"}},
		}}},
		step{deltas: []string{"Calendar ready."}},
	)

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "move my meeting"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "calendar-manager", res.Mode)

	sess, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "calendar-manager", sess.Mode)
	assert.Equal(t, "calendar-manager", sess.InjectedMode)

	second := h.provider.request(1)
	assert.Contains(t, second.SystemPrompt, "You are now in calendar-manager mode")
	names := make([]string, 0, len(second.Tools))
	for _, spec := range second.Tools {
		names = append(names, spec.Name)
	}
	assert.Contains(t, names, "create_event")
	assert.NotContains(t, names, "create_task")
	assert.NotContains(t, names, mode.DelegationTool)

	history, _, err := h.store.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "calendar-manager", history[len(history)-1].Metadata[session.MetaMode])
}

func TestChatInjectsTransitionOnce(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"ok"}})
	ctx := context.Background()

	_, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "one"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.True(t, h.modes.HandleModeSwitch(ctx, "s1", "planner", "test").Changed)

	res, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r2", LatestUserMessage: "two"}, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r3", LatestUserMessage: "three", HistoryVersion: version(res.Version)}, &bytes.Buffer{})
	require.NoError(t, err)

	countNotes := func(req agent.LLMRequest) int {
		n := 0
		for _, m := range req.Messages {
			if m.Role == agent.RoleSystem && strings.Contains(m.Content, "planner mode") {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 0, countNotes(h.provider.request(0)))
	second := h.provider.request(1)
	assert.Equal(t, 1, countNotes(second))
	// the note sits right before the new user message
	assert.Equal(t, agent.RoleSystem, second.Messages[len(second.Messages)-2].Role)
	assert.Equal(t, "two", second.Messages[len(second.Messages)-1].Content)
	assert.Equal(t, 0, countNotes(h.provider.request(2)))
}

func TestChatRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing request id", Request{LatestUserMessage: "hi"}},
		{"empty message", Request{RequestID: "r1", LatestUserMessage: "   "}},
		{"no user entry", Request{RequestID: "r1", Messages: []InboundMessage{{Role: "assistant", Content: "hello"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := h.coord.Chat(context.Background(), tt.req, &out)

			var chatErr *Error
			require.ErrorAs(t, err, &chatErr)
			assert.Equal(t, http.StatusBadRequest, chatErr.Status)
			assert.Equal(t, CodeInvalidRequest, chatErr.Code)
			assert.Zero(t, out.Len())
		})
	}
	assert.Zero(t, h.provider.count())
}

func TestChatConfigurationErrorIsBadRequest(t *testing.T) {
	h := newHarness(t)
	h.coord.cfg.Models = resolverFunc(func(string) (*agent.Selection, error) {
		return nil, agent.WithKind(agent.KindConfiguration, errors.New("no credentials"))
	})

	_, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &bytes.Buffer{})

	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, http.StatusBadRequest, chatErr.Status)
	assert.Equal(t, CodeConfiguration, chatErr.Code)
	assert.NotEmpty(t, chatErr.Message)
	assert.NotContains(t, chatErr.Message, "no credentials")

	_, err = h.store.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

// recordingResolver answers every model name and remembers what was asked
type recordingResolver struct {
	mu       sync.Mutex
	provider agent.LLMProvider
	asked    []string
}

func (r *recordingResolver) Resolve(model string) (*agent.Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, model)
	if model == "" {
		model = "default-model"
	}
	return &agent.Selection{Provider: r.provider, Model: model}, nil
}

func (r *recordingResolver) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.asked...)
}

func TestChatAppliesModeModel(t *testing.T) {
	ctx := context.Background()
	fast := mode.Mode{
		Name:  "fast",
		Type:  mode.TypePrimary,
		Tools: map[string]bool{"switch_mode": true, "list_tasks": true},
		Model: "claude-haiku",
	}

	t.Run("should use the active mode model when the request names none", func(t *testing.T) {
		h := newHarness(t, step{deltas: []string{"ok"}})
		require.NoError(t, h.modes.Registry().Register(fast))
		resolver := &recordingResolver{provider: h.provider}
		h.coord.cfg.Models = resolver

		res, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "one"}, &bytes.Buffer{})
		require.NoError(t, err)
		require.True(t, h.modes.HandleModeSwitch(ctx, "s1", "fast", "test").Changed)

		_, err = h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r2", LatestUserMessage: "two", HistoryVersion: version(res.Version)}, &bytes.Buffer{})
		require.NoError(t, err)

		assert.Equal(t, "default-model", h.provider.request(0).Model)
		assert.Equal(t, "claude-haiku", h.provider.request(1).Model)
		assert.Contains(t, resolver.names(), "claude-haiku")
	})

	t.Run("should keep the requested model over the mode model", func(t *testing.T) {
		h := newHarness(t, step{deltas: []string{"ok"}})
		require.NoError(t, h.modes.Registry().Register(fast))
		resolver := &recordingResolver{provider: h.provider}
		h.coord.cfg.Models = resolver

		res, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "one"}, &bytes.Buffer{})
		require.NoError(t, err)
		require.True(t, h.modes.HandleModeSwitch(ctx, "s1", "fast", "test").Changed)

		_, err = h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r2", LatestUserMessage: "two", Model: "gpt-4o", HistoryVersion: version(res.Version)}, &bytes.Buffer{})
		require.NoError(t, err)

		assert.Equal(t, "gpt-4o", h.provider.request(1).Model)
		assert.NotContains(t, resolver.names(), "claude-haiku")
	})

	t.Run("should switch models when the mode changes within a turn", func(t *testing.T) {
		h := newHarness(t,
			step{resp: &agent.LLMResponse{ToolCalls: []agent.ToolCall{
				{ID: "c1", Name: "switch_mode", Parameters: map[string]interface{}{"mode": "fast"}},
			}}},
			step{deltas: []string{"Quick answer."}},
		)
		require.NoError(t, h.modes.Registry().Register(fast))
		h.coord.cfg.Models = &recordingResolver{provider: h.provider}

		res, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "be quick"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "fast", res.Mode)

		require.Equal(t, 2, h.provider.count())
		assert.Equal(t, "default-model", h.provider.request(0).Model)
		assert.Equal(t, "claude-haiku", h.provider.request(1).Model)
	})
}

// failingLocker cannot reach its backing store
type failingLocker struct {
	session.Locker
}

func (failingLocker) Acquire(ctx context.Context, sessionID, requestID string, ttl time.Duration) (session.LockResult, error) {
	return session.LockResult{}, errors.New("database is locked")
}

func TestChatStoreFailureBeforeStreaming(t *testing.T) {
	h := newHarness(t)
	h.coord.cfg.Locker = failingLocker{Locker: h.store}
	var out bytes.Buffer

	_, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &out)

	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, http.StatusInternalServerError, chatErr.Status)
	assert.Equal(t, msgStoreUnavailable, chatErr.Message)
	assert.NotEqual(t, agent.UserMessage(agent.KindPersistence), chatErr.Message)
	assert.NotContains(t, chatErr.Message, "database is locked")
	assert.Zero(t, out.Len())
	assert.Zero(t, h.provider.count())
}

func TestChatSessionLocked(t *testing.T) {
	h := newHarness(t)
	held, err := h.store.Acquire(context.Background(), "s1", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, held.Acquired)

	_, err = h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &bytes.Buffer{})

	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, http.StatusConflict, chatErr.Status)
	body := chatErr.Body()
	assert.Equal(t, CodeSessionLocked, body["error"])
	assert.Equal(t, "other", body["ownerRequestId"])
	assert.Equal(t, held.Lock.ExpiresAt.UTC().Format(time.RFC3339Nano), body["expiresAt"])

	// the other request still owns it
	check, err := h.store.Acquire(context.Background(), "s1", "lock-check", time.Second)
	require.NoError(t, err)
	assert.False(t, check.Acquired)
}

func TestChatHistoryConflict(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"ok"}})
	ctx := context.Background()

	first, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "one"}, &bytes.Buffer{})
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r2", LatestUserMessage: "two", HistoryVersion: version(0)}, &out)

	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, http.StatusConflict, chatErr.Status)
	assert.Equal(t, CodeHistoryConflict, chatErr.Code)
	assert.Equal(t, first.Version, chatErr.Body()["version"])
	assert.Zero(t, out.Len())

	_, v, err := h.store.LoadHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, v)
	assertUnlocked(t, h.store, "s1")
}

func TestChatReusedRequestID(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"ok"}})
	ctx := context.Background()

	first, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "one"}, &bytes.Buffer{})
	require.NoError(t, err)
	second, err := h.coord.Chat(ctx, Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "two", HistoryVersion: version(first.Version)}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, TurnPersisted, second.Status)
	assert.Equal(t, first.Version+3, second.Version)
	history, _, err := h.store.LoadHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, session.RoleAssistant, history[3].Role)
	assert.Equal(t, "ok", history[3].Content)
	assertUnlocked(t, h.store, "s1")
}

func TestChatConcurrentRequestsSameVersion(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h := newHarness(t, step{
		deltas: []string{"done"},
		before: func(ctx context.Context) {
			started <- struct{}{}
			<-release
		},
	})

	for i := 0; i < 5; i++ {
		_, err := h.store.AppendUserMessage(ctx, "S1", "earlier", int64(i))
		require.NoError(t, err)
	}

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	for _, id := range []string{"r1", "r2"} {
		go func(id string) {
			res, err := h.coord.Chat(ctx, Request{SessionID: "S1", RequestID: id, LatestUserMessage: "now", HistoryVersion: version(5)}, &bytes.Buffer{})
			results <- outcome{res, err}
		}(id)
	}

	// one request reaches the provider; the other is turned away
	<-started
	rejected := <-results
	var chatErr *Error
	require.ErrorAs(t, rejected.err, &chatErr)
	assert.Equal(t, http.StatusConflict, chatErr.Status)
	assert.Contains(t, []string{CodeSessionLocked, CodeHistoryConflict}, chatErr.Code)

	close(release)
	winner := <-results
	require.NoError(t, winner.err)
	assert.Equal(t, TurnPersisted, winner.res.Status)

	// a retry with the stale version conflicts with the authoritative one
	_, err := h.coord.Chat(ctx, Request{SessionID: "S1", RequestID: "r3", LatestUserMessage: "again", HistoryVersion: version(5)}, &bytes.Buffer{})
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, CodeHistoryConflict, chatErr.Code)
	assert.Equal(t, winner.res.Version, chatErr.Version)

	history, _, err := h.store.LoadHistory(ctx, "S1")
	require.NoError(t, err)
	users := 0
	for _, m := range history {
		if m.Content == "now" {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestChatProviderErrorPersistsTemplatedMessage(t *testing.T) {
	h := newHarness(t, step{err: agent.WithKind(agent.KindProviderPermanent, errors.New("401 invalid x-api-key"))})
	var out bytes.Buffer

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &out)
	require.NoError(t, err)

	want := agent.UserMessage(agent.KindProviderPermanent)
	assert.Equal(t, want, res.Content)
	assert.NotContains(t, res.Content, "x-api-key")

	all := frames(t, out.Bytes())
	var types []string
	for _, f := range all {
		types = append(types, f.Type())
	}
	assert.Equal(t, []string{stream.TypeError, stream.TypeTurnStatus}, types)
	assert.Equal(t, "false", all[0].Get("error.retryable"))

	history, _, err := h.store.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, want, history[len(history)-1].Content)
	assertUnlocked(t, h.store, "s1")
}

func TestChatFinishConflictIsUnpersisted(t *testing.T) {
	var h *harness
	h = newHarness(t, step{
		deltas: []string{"racing"},
		before: func(ctx context.Context) {
			_, v, err := h.store.LoadHistory(ctx, "s1")
			if err == nil {
				_, _ = h.store.AppendUserMessage(ctx, "s1", "from elsewhere", v)
			}
		},
	})
	var out bytes.Buffer

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, TurnUnpersisted, res.Status)
	assert.Equal(t, CodeHistoryConflict, res.Reason)

	status := lastFrame(t, out.Bytes())
	assert.Equal(t, TurnUnpersisted, status.Get("status"))
	assert.Equal(t, CodeHistoryConflict, status.Get("reason"))

	// the text still reached the client
	assert.Contains(t, out.String(), "racing")
	assertUnlocked(t, h.store, "s1")
}

type brokenWriter struct{ writes int }

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestChatClientGoneStillFinishes(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"partial", " answer"}})
	w := &brokenWriter{}

	res, err := h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, w)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Content)
	assert.Equal(t, 1, w.writes)

	history, _, err := h.store.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.TurnCompleted, history[len(history)-1].Metadata[session.MetaStatus])
	assertUnlocked(t, h.store, "s1")
}

func TestChatPublishesTurnStatus(t *testing.T) {
	h := newHarness(t, step{deltas: []string{"ok"}})
	sub, err := h.hub.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.coord.Chat(context.Background(), Request{SessionID: "s1", RequestID: "r1", LatestUserMessage: "hi"}, &bytes.Buffer{})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.TypeTurnStatus, ev.Type)
		require.NotNil(t, ev.Success)
		assert.True(t, *ev.Success)
	case <-time.After(time.Second):
		t.Fatal("no turn status event")
	}
}
