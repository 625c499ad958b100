package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/session"
)

// SessionStore is the part of the conversation store the controller needs
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	SetMode(ctx context.Context, sessionID, mode string) error
	MarkModeInjected(ctx context.Context, sessionID, mode string) error
}

// SwitchResult reports a mode switch. A failed switch leaves Current at the
// mode the session was already in.
type SwitchResult struct {
	Success  bool   `json:"success"`
	Changed  bool   `json:"changed"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message"`
}

// Controller tracks the active mode of each session. The store is
// authoritative; the in-memory cache is advisory and rewritten on Resolve.
type Controller struct {
	registry *Registry
	store    SessionStore
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewController creates a controller over registry and store
func NewController(registry *Registry, store SessionStore, logger zerolog.Logger) *Controller {
	return &Controller{
		registry: registry,
		store:    store,
		logger:   logger.With().Str("component", "mode-controller").Logger(),
		cache:    make(map[string]string),
	}
}

// Registry returns the registry the controller resolves against
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Resolve reads the session's mode from the store. Unknown sessions and
// modes that no longer exist resolve to the default mode.
func (c *Controller) Resolve(ctx context.Context, sessionID string) (Mode, error) {
	name, err := c.storedMode(ctx, sessionID)
	if err != nil {
		return Mode{}, err
	}

	m, ok := c.registry.GetMode(name)
	if !ok {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Warn().
			Str("mode", name).
			Msg("Stored mode is not registered, using default")
		m, _ = c.registry.GetMode(Default)
	}

	c.remember(sessionID, m.Name)
	return m, nil
}

// Cached returns the advisory cached mode for a session
func (c *Controller) Cached(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.cache[sessionID]
	return name, ok
}

// HandleModeSwitch moves a session to target. Unknown targets and store
// failures are reported in the result, never returned as errors.
func (c *Controller) HandleModeSwitch(ctx context.Context, sessionID, target, reason string) SwitchResult {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	current, err := c.Resolve(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve mode before switch")
		return c.finish(ctx, sessionID, SwitchResult{
			Previous: Default,
			Current:  Default,
			Reason:   reason,
			Message:  "Could not read the current mode; no switch was made.",
		}, target)
	}

	result := SwitchResult{Previous: current.Name, Current: current.Name, Reason: reason}

	next, ok := c.registry.GetMode(target)
	if !ok {
		logger.Warn().Str("target", target).Msg("Mode switch to unknown mode")
		result.Message = fmt.Sprintf("Unknown mode %q; staying in %s.", target, current.Name)
		return c.finish(ctx, sessionID, result, target)
	}

	if next.Name == current.Name {
		result.Success = true
		result.Message = "Already in " + current.Name + "."
		return c.finish(ctx, sessionID, result, target)
	}

	if err := c.store.SetMode(ctx, sessionID, next.Name); err != nil {
		logger.Error().Err(err).Str("target", next.Name).Msg("Failed to persist mode switch")
		result.Message = "Could not switch to " + next.Name + "; staying in " + current.Name + "."
		return c.finish(ctx, sessionID, result, target)
	}

	c.remember(sessionID, next.Name)
	result.Success = true
	result.Changed = true
	result.Current = next.Name
	result.Message = "Switched to " + next.Name + "."

	logger.Info().
		Str("from", current.Name).
		Str("to", next.Name).
		Str("reason", reason).
		Msg("Mode switched")

	return c.finish(ctx, sessionID, result, target)
}

func (c *Controller) finish(ctx context.Context, sessionID string, result SwitchResult, target string) SwitchResult {
	outcome := "failed"
	switch {
	case result.Changed:
		outcome = "switched"
	case result.Success:
		outcome = "unchanged"
	}
	observability.RecordModeSwitch(target, outcome)
	observability.RecordModeSwitchAudit(ctx, sessionID, result.Previous, result.Current, result.Success)
	return result
}

// TransitionMessage returns the system note announcing the session's mode
// when it differs from the last one announced, then records it as announced.
// It returns nil when there is nothing new to announce.
func (c *Controller) TransitionMessage(ctx context.Context, sessionID string) (*session.Message, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	current := orDefault(sess.Mode)
	if current == orDefault(sess.InjectedMode) {
		return nil, nil
	}

	m, ok := c.registry.GetMode(current)
	if !ok {
		return nil, nil
	}

	if err := c.store.MarkModeInjected(ctx, sessionID, m.Name); err != nil {
		return nil, fmt.Errorf("failed to mark mode injected: %w", err)
	}

	return &session.Message{
		Role:     session.RoleSystem,
		Content:  describe(m),
		Metadata: map[string]interface{}{session.MetaMode: m.Name},
	}, nil
}

func (c *Controller) storedMode(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return Default, nil
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return Default, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session mode: %w", err)
	}
	return orDefault(sess.Mode), nil
}

func (c *Controller) remember(sessionID, name string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	c.cache[sessionID] = name
	c.mu.Unlock()
}

func orDefault(name string) string {
	if name == "" {
		return Default
	}
	return name
}

func describe(m Mode) string {
	text := fmt.Sprintf("You are now in %s mode. %s", m.Name, m.Description)
	if m.Prompt != "" {
		text += "\n" + m.Prompt
	}
	return text
}
