package chat

import (
	"strings"

	"github.com/harun/tempo/pkg/session"
)

// Turn persistence outcomes reported in the turn-status frame
const (
	TurnPersisted   = "persisted"
	TurnUnpersisted = "unpersisted"
)

// InboundMessage is one message of a client supplied transcript
type InboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an inbound chat request
type Request struct {
	SessionID         string           `json:"sessionId,omitempty"`
	RequestID         string           `json:"requestId"`
	Messages          []InboundMessage `json:"messages,omitempty"`
	LatestUserMessage string           `json:"latestUserMessage,omitempty"`
	// HistoryVersion is the version the client last saw. Nil means the
	// store's current version.
	HistoryVersion *int64 `json:"historyVersion,omitempty"`
	Model          string `json:"model,omitempty"`
}

// UserText returns the message to append: latestUserMessage when set,
// otherwise the last user entry of messages
func (r Request) UserText() string {
	if text := strings.TrimSpace(r.LatestUserMessage); text != "" {
		return text
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == string(session.RoleUser) {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

// Result describes a finished turn
type Result struct {
	SessionID   string               `json:"sessionId"`
	RequestID   string               `json:"requestId"`
	Mode        string               `json:"mode"`
	Status      string               `json:"status"`
	Version     int64                `json:"version"`
	Reason      string               `json:"reason,omitempty"`
	Content     string               `json:"content"`
	ToolCalls   []session.ToolCall   `json:"toolCalls"`
	ToolResults []session.ToolResult `json:"toolResults"`
	ToolState   map[string]string    `json:"toolState"`
}
