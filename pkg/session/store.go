package session

import (
	"context"
	"time"
)

// Store is the conversation store. It is the single source of truth for
// a session's mode and history.
type Store interface {
	// GetSession returns ErrSessionNotFound for unknown ids
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	LoadHistory(ctx context.Context, sessionID string) ([]Message, int64, error)

	SetMode(ctx context.Context, sessionID, mode string) error
	MarkModeInjected(ctx context.Context, sessionID, mode string) error

	// AppendUserMessage creates the session on first use. A mismatched
	// expectedVersion yields StatusConflict with the current version.
	AppendUserMessage(ctx context.Context, sessionID, content string, expectedVersion int64) (*AppendResult, error)
	BeginAssistantTurn(ctx context.Context, sessionID, requestID string, expectedVersion int64, metadata map[string]interface{}) (*AppendResult, error)
	// UpdateAssistantTurn does not bump the version
	UpdateAssistantTurn(ctx context.Context, sessionID, requestID string, patch TurnPatch) error
	// FinishAssistantTurn conflicts when anything was appended after the turn began
	FinishAssistantTurn(ctx context.Context, sessionID, requestID, content string, metadata map[string]interface{}) (*FinishResult, error)

	Close() error
}

// Locker hands out TTL locks on sessions
type Locker interface {
	Acquire(ctx context.Context, sessionID, requestID string, ttl time.Duration) (LockResult, error)
	// Release is a no-op when requestID no longer owns the lock
	Release(ctx context.Context, sessionID, requestID string) error
	ReapExpired(ctx context.Context) (int, error)
}
