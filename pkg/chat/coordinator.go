package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/session"
	"github.com/harun/tempo/pkg/stream"
	"github.com/harun/tempo/pkg/toolexecutor"
)

const tracerName = "tempo.chat"

// DefaultLockTTL bounds how long a crashed request can keep a session busy
const DefaultLockTTL = 15 * time.Second

// Config holds coordinator configuration
type Config struct {
	Store   session.Store
	Locker  session.Locker
	Modes   *mode.Controller
	Tools   *toolexecutor.ToolExecutor
	Toolbox *agent.Toolbox
	Runner  *agent.Runner
	Models  agent.ModelResolver
	Events  events.Sink

	LockTTL      time.Duration
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Logger       zerolog.Logger
}

// Coordinator runs chat turns. Per request it moves through
// Idle, LockAcquired, HistoryAppended, Streaming, Finishing and Released.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Locker == nil:
		return nil, fmt.Errorf("locker is required")
	case cfg.Modes == nil:
		return nil, fmt.Errorf("mode controller is required")
	case cfg.Tools == nil || cfg.Toolbox == nil:
		return nil, fmt.Errorf("tool executor and toolbox are required")
	case cfg.Runner == nil:
		return nil, fmt.Errorf("runner is required")
	case cfg.Models == nil:
		return nil, fmt.Errorf("model resolver is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "chat").Logger(),
	}, nil
}

// Chat runs one turn and writes its frames to w. A returned *Error means
// nothing was written and the request ended before streaming. Once
// streaming starts, failures are reported in-band and Chat returns a Result.
func (c *Coordinator) Chat(ctx context.Context, req Request, w io.Writer) (*Result, error) {
	text := req.UserText()
	switch {
	case strings.TrimSpace(req.RequestID) == "":
		return nil, invalid("requestId is required")
	case text == "":
		return nil, invalid("a non-empty user message is required")
	}

	selection, err := c.cfg.Models.Resolve(req.Model)
	if err != nil {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    CodeConfiguration,
			Message: agent.UserMessage(agent.KindConfiguration),
			Err:     err,
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}

	ctx = tracing.NewRequestContext(ctx, sessionID, req.RequestID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.turn",
		attribute.String("session.id", sessionID),
		attribute.String("request.id", req.RequestID),
		attribute.String("model", selection.Model),
	)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	done := observability.TurnStarted()
	outcome := "error"
	defer func() { done(outcome) }()

	lock, err := c.cfg.Locker.Acquire(ctx, sessionID, req.RequestID, c.cfg.LockTTL)
	if err != nil {
		observability.RecordLockAcquisition("error")
		spanErr = err
		return nil, internal(msgStoreUnavailable, fmt.Errorf("failed to acquire session lock: %w", err))
	}
	if !lock.Acquired {
		observability.RecordLockAcquisition("busy")
		outcome = "busy"
		logger.Info().
			Str("owner_request_id", lock.Lock.OwnerRequestID).
			Time("expires_at", lock.Lock.ExpiresAt).
			Msg("Session is locked by another request")
		return nil, &Error{
			Status:         http.StatusConflict,
			Code:           CodeSessionLocked,
			Message:        agent.UserMessage(agent.KindConflict),
			OwnerRequestID: lock.Lock.OwnerRequestID,
			ExpiresAt:      lock.Lock.ExpiresAt,
		}
	}
	observability.RecordLockAcquisition("acquired")
	release := c.releaser(ctx, sessionID, req.RequestID)
	defer release()

	expected, err := c.expectedVersion(ctx, sessionID, req.HistoryVersion)
	if err != nil {
		spanErr = err
		return nil, internal(msgStoreUnavailable, err)
	}
	appended, err := c.cfg.Store.AppendUserMessage(ctx, sessionID, text, expected)
	if err != nil {
		spanErr = err
		return nil, internal(msgStoreUnavailable, fmt.Errorf("failed to append user message: %w", err))
	}
	if appended.Status == session.StatusConflict {
		observability.RecordHistoryConflict("append")
		release()
		outcome = "conflict"
		logger.Info().Int64("expected", expected).Int64("version", appended.Version).Msg("History version mismatch")
		return nil, historyConflict(appended.Version)
	}

	current, err := c.cfg.Modes.Resolve(ctx, sessionID)
	if err != nil {
		spanErr = err
		return nil, internal(msgStoreUnavailable, err)
	}
	ctx = tracing.WithMode(ctx, current.Name)
	logger = tracing.LoggerFromContext(ctx, c.logger)
	turnModel := c.modelFor(ctx, current, req.Model, selection)

	messages := agentMessages(appended.Messages)
	transition, err := c.cfg.Modes.TransitionMessage(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to build mode transition message")
	}
	if transition != nil && len(messages) > 0 {
		// the note goes right before the new user message
		last := messages[len(messages)-1]
		messages = append(messages[:len(messages)-1],
			agent.AgentMessage{Role: agent.RoleSystem, Content: transition.Content}, last)
	}

	begun, err := c.cfg.Store.BeginAssistantTurn(ctx, sessionID, req.RequestID, appended.Version,
		map[string]interface{}{session.MetaMode: current.Name})
	if err != nil {
		spanErr = err
		return nil, internal(msgStoreUnavailable, fmt.Errorf("failed to begin assistant turn: %w", err))
	}
	if begun.Status == session.StatusConflict {
		observability.RecordHistoryConflict("begin")
		release()
		outcome = "conflict"
		return nil, historyConflict(begun.Version)
	}

	active := &activeMode{name: current.Name}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	body := c.cfg.Runner.Stream(streamCtx, agent.StreamParams{
		SessionID:   sessionID,
		RequestID:   req.RequestID,
		Provider:    turnModel.Provider,
		Model:       turnModel.Model,
		Messages:    messages,
		Step:        c.stepConfig(current, ""),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Invoker:     c.cfg.Toolbox.ForTurn(),
		BeforeStep:  c.nextStep(sessionID, req.Model, selection, active),
	})

	turn := newRecorder()
	clientGone := false
	buf := make([]byte, 4096)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
					logger.Info().Err(werr).Msg("Client went away, stopping the stream")
					cancel()
				}
			}
			if turn.push(buf[:n]) {
				c.saveProgress(ctx, sessionID, req.RequestID, turn)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			turn.streamErr = rerr
			break
		}
	}
	_ = body.Close()
	turn.flush()

	// Finishing runs even when the client is gone
	persistCtx := tracing.Detach(ctx)
	result := c.finish(persistCtx, sessionID, req.RequestID, active.get(), begun.Version, turn)
	release()

	switch {
	case clientGone:
		outcome = "client_gone"
	case turn.failed():
		outcome = "provider_error"
		spanErr = turn.streamErr
	case result.Status == TurnUnpersisted:
		outcome = "unpersisted"
	default:
		outcome = "completed"
	}

	if !clientGone {
		if err := stream.NewEncoder(w).TurnStatus(stream.TurnStatusFrame{
			SessionID: sessionID,
			Status:    result.Status,
			Version:   result.Version,
			Reason:    result.Reason,
		}); err != nil {
			logger.Debug().Err(err).Msg("Failed to write turn status")
		}
	}

	persisted := result.Status == TurnPersisted
	if err := c.cfg.Events.Publish(persistCtx, events.Event{
		Type:      events.TypeTurnStatus,
		SessionID: sessionID,
		RequestID: req.RequestID,
		Success:   &persisted,
		Data: map[string]interface{}{
			"status":  result.Status,
			"version": result.Version,
			"reason":  result.Reason,
		},
	}); err != nil {
		logger.Debug().Err(err).Msg("Failed to publish turn status")
	}
	observability.RecordTurnAudit(persistCtx, sessionID, outcome, result.Version)

	logger.Info().
		Str("status", result.Status).
		Int64("version", result.Version).
		Int("tool_calls", len(result.ToolCalls)).
		Str("outcome", outcome).
		Msg("Turn finished")
	return result, nil
}

// finish persists the reconstructed turn. A conflict or store failure
// leaves the turn unpersisted; the client already has the stream.
func (c *Coordinator) finish(ctx context.Context, sessionID, requestID, modeName string, begunAt int64, turn *recorder) *Result {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	result := &Result{
		SessionID:   sessionID,
		RequestID:   requestID,
		Mode:        modeName,
		Status:      TurnPersisted,
		Version:     begunAt,
		Content:     turn.content(),
		ToolCalls:   turn.collector.Calls(),
		ToolResults: turn.collector.Results(),
		ToolState:   turn.collector.ToolState(),
	}

	if err := c.cfg.Store.UpdateAssistantTurn(ctx, sessionID, requestID, session.TurnPatch{
		ToolCalls:   result.ToolCalls,
		ToolResults: result.ToolResults,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to store tool activity")
	}

	fin, err := c.cfg.Store.FinishAssistantTurn(ctx, sessionID, requestID, result.Content, map[string]interface{}{
		session.MetaMode:      modeName,
		session.MetaToolState: result.ToolState,
	})
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to finish assistant turn")
		result.Status = TurnUnpersisted
		result.Reason = string(agent.KindPersistence)
	case fin.Status == session.StatusConflict:
		observability.RecordHistoryConflict("finish")
		logger.Warn().Int64("version", fin.Version).Msg("History changed during the turn, response not persisted")
		result.Status = TurnUnpersisted
		result.Reason = CodeHistoryConflict
		result.Version = fin.Version
	default:
		result.Version = fin.Version
	}
	return result
}

// saveProgress stores the tool activity seen so far. Failures only cost
// progress visibility, so they are logged.
func (c *Coordinator) saveProgress(ctx context.Context, sessionID, requestID string, turn *recorder) {
	err := c.cfg.Store.UpdateAssistantTurn(ctx, sessionID, requestID, session.TurnPatch{
		ToolCalls:   turn.collector.Calls(),
		ToolResults: turn.collector.Results(),
		Metadata:    map[string]interface{}{session.MetaToolState: turn.collector.ToolState()},
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Debug().Err(err).Msg("Failed to store turn progress")
	}
}

// releaser returns a func that releases the session lock exactly once. It
// uses a detached context so a cancelled request still releases.
func (c *Coordinator) releaser(ctx context.Context, sessionID, requestID string) func() {
	var once sync.Once
	detached := tracing.Detach(ctx)
	return func() {
		once.Do(func() {
			if err := c.cfg.Locker.Release(detached, sessionID, requestID); err != nil {
				logger := tracing.LoggerFromContext(detached, c.logger)
				logger.Warn().Err(err).Msg("Failed to release session lock")
			}
		})
	}
}

func (c *Coordinator) expectedVersion(ctx context.Context, sessionID string, claimed *int64) (int64, error) {
	if claimed != nil {
		return *claimed, nil
	}
	sess, err := c.cfg.Store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load session: %w", err)
	}
	return sess.Version, nil
}

// stepConfig builds the per-step request for a mode. note is a transition
// announcement for a mode entered during the turn.
func (c *Coordinator) stepConfig(m mode.Mode, note string) agent.StepConfig {
	var prompt []string
	for _, part := range []string{c.cfg.SystemPrompt, m.Prompt, note} {
		if strings.TrimSpace(part) != "" {
			prompt = append(prompt, part)
		}
	}
	return agent.StepConfig{
		Mode:         m.Name,
		Tools:        c.cfg.Modes.Registry().FilterTools(m.Name, c.cfg.Tools.ListTools()),
		SystemPrompt: strings.Join(prompt, "\n\n"),
		Temperature:  m.Temperature,
	}
}

// modelFor applies a mode's model override when the request named no
// model. An override that cannot be resolved keeps base.
func (c *Coordinator) modelFor(ctx context.Context, m mode.Mode, requested string, base *agent.Selection) *agent.Selection {
	if strings.TrimSpace(requested) != "" || m.Model == "" || m.Model == base.Model {
		return base
	}
	selection, err := c.cfg.Models.Resolve(m.Model)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Warn().Err(err).Str("mode", m.Name).Str("model", m.Model).Msg("Mode model unavailable, keeping the turn model")
		return base
	}
	return selection
}

// nextStep re-reads the session mode before each follow-up step so a
// switch_mode call takes effect within the same turn
func (c *Coordinator) nextStep(sessionID, requested string, base *agent.Selection, active *activeMode) agent.StepHook {
	return func(ctx context.Context, step int) (*agent.StepConfig, error) {
		m, err := c.cfg.Modes.Resolve(ctx, sessionID)
		if err != nil {
			return nil, agent.WithKind(agent.KindPersistence, err)
		}
		if m.Name == active.get() {
			return nil, nil
		}

		note := ""
		msg, err := c.cfg.Modes.TransitionMessage(ctx, sessionID)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, c.logger)
			logger.Warn().Err(err).Msg("Failed to build mode transition message")
		} else if msg != nil {
			note = msg.Content
		}

		active.set(m.Name)
		cfg := c.stepConfig(m, note)
		selection := c.modelFor(ctx, m, requested, base)
		cfg.Provider, cfg.Model = selection.Provider, selection.Model
		return &cfg, nil
	}
}

type activeMode struct {
	mu   sync.Mutex
	name string
}

func (a *activeMode) get() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *activeMode) set(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}
