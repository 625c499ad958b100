package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/harun/tempo/pkg/session"
)

// Frame types written by the Encoder
const (
	TypeTextDelta  = "text-delta"
	TypeToolCall   = "tool-call"
	TypeToolResult = "tool-result"
	TypeFinish     = "finish"
	TypeError      = "error"
	TypeTurnStatus = "turn-status"
)

// Usage counts tokens across a turn
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Step is one model round trip of a multi-step turn
type Step struct {
	Text        string               `json:"text,omitempty"`
	ToolCalls   []session.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []session.ToolResult `json:"toolResults,omitempty"`
}

// FinishFrame closes a turn and repeats its tool activity
type FinishFrame struct {
	FinishReason string               `json:"finishReason"`
	Usage        Usage                `json:"usage"`
	ToolCalls    []session.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults  []session.ToolResult `json:"toolResults,omitempty"`
	Steps        []Step               `json:"steps,omitempty"`
}

// ErrorFrame reports a terminal failure in a user safe form
type ErrorFrame struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TurnStatusFrame reports whether the turn was persisted
type TurnStatusFrame struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	Reason    string `json:"reason,omitempty"`
}

// Encoder writes "data: <json>\n\n" frames. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame of the given type merged with the fields of v
func (e *Encoder) Encode(frameType string, v interface{}) error {
	fields := map[string]interface{}{}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("%s frame is not an object: %w", frameType, err)
		}
	}
	fields["type"] = frameType

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (e *Encoder) TextDelta(delta string) error {
	return e.Encode(TypeTextDelta, map[string]string{"delta": delta})
}

func (e *Encoder) ToolCall(call session.ToolCall) error {
	return e.Encode(TypeToolCall, map[string]interface{}{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"args":       rawOrEmpty(call.Args),
	})
}

func (e *Encoder) ToolResult(result session.ToolResult) error {
	return e.Encode(TypeToolResult, map[string]interface{}{
		"toolCallId": result.ToolCallID,
		"toolName":   result.ToolName,
		"result":     rawOrEmpty(result.Result),
	})
}

func (e *Encoder) Finish(f FinishFrame) error {
	return e.Encode(TypeFinish, f)
}

func (e *Encoder) Error(f ErrorFrame) error {
	return e.Encode(TypeError, map[string]interface{}{"error": f})
}

func (e *Encoder) TurnStatus(f TurnStatusFrame) error {
	return e.Encode(TypeTurnStatus, f)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
