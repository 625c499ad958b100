package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Turn status values kept in message metadata
const (
	TurnStreaming = "streaming"
	TurnCompleted = "completed"
)

// Metadata keys written by the coordinator
const (
	MetaMode      = "mode"
	MetaToolState = "toolState"
	MetaRequestID = "requestId"
	MetaStatus    = "status"
)

// ToolCall is one tool invocation surfaced to the model
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult pairs with a ToolCall through ToolCallID
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Message is a single entry of a conversation
type Message struct {
	ID          string                 `json:"id"`
	Role        Role                   `json:"role"`
	Content     string                 `json:"content,omitempty"`
	ToolCalls   []ToolCall             `json:"toolCalls,omitempty"`
	ToolResults []ToolResult           `json:"toolResults,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Session is the authoritative record for mode and history version
type Session struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	InjectedMode string    `json:"injectedMode"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WriteStatus reports whether a versioned write landed
type WriteStatus string

const (
	StatusAppended WriteStatus = "appended"
	StatusConflict WriteStatus = "conflict"
)

// AppendResult is returned by versioned appends
type AppendResult struct {
	Status   WriteStatus `json:"status"`
	Messages []Message   `json:"messages,omitempty"`
	Version  int64       `json:"version"`
}

// FinishResult is returned when an assistant turn is closed
type FinishResult struct {
	Status  WriteStatus `json:"status"`
	Version int64       `json:"version"`
}

// TurnPatch updates an in-flight assistant turn. Nil fields are left alone.
type TurnPatch struct {
	Content     *string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Metadata    map[string]interface{}
}

// Lock is a TTL-bounded claim on a session
type Lock struct {
	SessionID      string    `json:"sessionId"`
	OwnerRequestID string    `json:"ownerRequestId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// LockResult reports an acquisition attempt. Holder is the current owner on failure.
type LockResult struct {
	Acquired bool
	Lock     Lock
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnNotFound    = errors.New("assistant turn not found")
	ErrNotLockOwner    = errors.New("lock is held by another request")
)

// ValidationError reports a malformed store call
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s", e.Field)
}

// NewSessionID returns an identifier for a session created without one
func NewSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	return id
}

func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// turnMessageID is unique per turn so a reused request id opens a new row
func turnMessageID(requestID string, version int64) string {
	return fmt.Sprintf("turn-%s-%d", requestID, version)
}
