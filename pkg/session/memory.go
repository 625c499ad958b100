package session

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	session  Session
	messages []Message
	// turns maps request id to the message index and the version the turn began at
	turns map[string]memoryTurn
}

type memoryTurn struct {
	index   int
	version int64
}

// MemoryStore is an in-process Store and Locker
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	locks    map[string]Lock
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		locks:    make(map[string]Lock),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for lock expiry tests
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := rec.session
	return &out, nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, sessionID string) ([]Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, 0, ErrSessionNotFound
	}
	return copyMessages(rec.messages), rec.session.Version, nil
}

func (s *MemoryStore) SetMode(ctx context.Context, sessionID, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.session.Mode = mode
	rec.session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkModeInjected(ctx context.Context, sessionID, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.session.InjectedMode = mode
	return nil
}

func (s *MemoryStore) AppendUserMessage(ctx context.Context, sessionID, content string, expectedVersion int64) (*AppendResult, error) {
	if sessionID == "" {
		return nil, &ValidationError{Field: "sessionId"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if rec, ok := s.sessions[sessionID]; ok {
		current = rec.session.Version
	}
	if current != expectedVersion {
		return &AppendResult{Status: StatusConflict, Version: current}, nil
	}

	rec := s.sessionLocked(sessionID)

	now := s.now()
	rec.messages = append(rec.messages, Message{
		ID:        NewSessionID(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: now,
	})
	rec.session.Version++
	rec.session.UpdatedAt = now

	return &AppendResult{
		Status:   StatusAppended,
		Messages: copyMessages(rec.messages),
		Version:  rec.session.Version,
	}, nil
}

func (s *MemoryStore) BeginAssistantTurn(ctx context.Context, sessionID, requestID string, expectedVersion int64, metadata map[string]interface{}) (*AppendResult, error) {
	if requestID == "" {
		return nil, &ValidationError{Field: "requestId"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if rec.session.Version != expectedVersion {
		return &AppendResult{Status: StatusConflict, Version: rec.session.Version}, nil
	}

	meta := cloneMetadata(metadata)
	meta = mergeMetadata(meta, map[string]interface{}{
		MetaRequestID: requestID,
		MetaStatus:    TurnStreaming,
	})

	now := s.now()
	rec.messages = append(rec.messages, Message{
		ID:        turnMessageID(requestID, expectedVersion+1),
		Role:      RoleAssistant,
		Timestamp: now,
		Metadata:  meta,
	})
	rec.session.Version++
	rec.session.UpdatedAt = now
	rec.turns[requestID] = memoryTurn{index: len(rec.messages) - 1, version: rec.session.Version}

	return &AppendResult{
		Status:   StatusAppended,
		Messages: copyMessages(rec.messages),
		Version:  rec.session.Version,
	}, nil
}

func (s *MemoryStore) UpdateAssistantTurn(ctx context.Context, sessionID, requestID string, patch TurnPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	turn, ok := rec.turns[requestID]
	if !ok {
		return ErrTurnNotFound
	}

	msg := &rec.messages[turn.index]
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.ToolCalls != nil {
		msg.ToolCalls = append([]ToolCall(nil), patch.ToolCalls...)
	}
	if patch.ToolResults != nil {
		msg.ToolResults = append([]ToolResult(nil), patch.ToolResults...)
	}
	msg.Metadata = mergeMetadata(msg.Metadata, patch.Metadata)
	return nil
}

func (s *MemoryStore) FinishAssistantTurn(ctx context.Context, sessionID, requestID, content string, metadata map[string]interface{}) (*FinishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	turn, ok := rec.turns[requestID]
	if !ok {
		return nil, ErrTurnNotFound
	}

	msg := &rec.messages[turn.index]
	if rec.session.Version != turn.version || msg.Metadata[MetaStatus] != TurnStreaming {
		return &FinishResult{Status: StatusConflict, Version: rec.session.Version}, nil
	}

	msg.Content = content
	msg.Metadata = mergeMetadata(msg.Metadata, metadata)
	msg.Metadata[MetaStatus] = TurnCompleted
	rec.session.Version++
	rec.session.UpdatedAt = s.now()

	return &FinishResult{Status: StatusAppended, Version: rec.session.Version}, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, sessionID, requestID string, ttl time.Duration) (LockResult, error) {
	if sessionID == "" || requestID == "" {
		return LockResult{}, &ValidationError{Field: "lock owner"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[sessionID]; ok && held.ExpiresAt.After(now) {
		return LockResult{Acquired: false, Lock: held}, nil
	}

	lock := Lock{SessionID: sessionID, OwnerRequestID: requestID, ExpiresAt: now.Add(ttl)}
	s.locks[sessionID] = lock
	return LockResult{Acquired: true, Lock: lock}, nil
}

func (s *MemoryStore) Release(ctx context.Context, sessionID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[sessionID]; ok && held.OwnerRequestID == requestID {
		delete(s.locks, sessionID)
	}
	return nil
}

func (s *MemoryStore) ReapExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	for id, lock := range s.locks {
		if !lock.ExpiresAt.After(now) {
			delete(s.locks, id)
			reaped++
		}
	}
	return reaped, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) sessionLocked(sessionID string) *memorySession {
	rec, ok := s.sessions[sessionID]
	if ok {
		return rec
	}
	now := s.now()
	rec = &memorySession{
		session: Session{ID: sessionID, CreatedAt: now, UpdatedAt: now},
		turns:   make(map[string]memoryTurn),
	}
	s.sessions[sessionID] = rec
	return rec
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		m.Metadata = cloneMetadata(m.Metadata)
		out[i] = m
	}
	return out
}
