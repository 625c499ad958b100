package agent

import (
	"context"
	"encoding/json"

	"github.com/harun/tempo/pkg/session"
)

// Provider message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// AgentMessage represents a message in the conversation sent to a provider
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Wire converts the call to its persisted form
func (c ToolCall) Wire() session.ToolCall {
	args, err := json.Marshal(c.Parameters)
	if err != nil || c.Parameters == nil {
		args = []byte(`{}`)
	}
	return session.ToolCall{ID: c.ID, Name: c.Name, Args: args}
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider"` // "anthropic", "openai"
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models,omitempty"`
	Priority int      `json:"priority"`
}

// Serves reports whether the profile may be used for model. An empty model
// list serves every model.
func (p AuthProfile) Serves(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// StepConfig is the part of a request that may change between steps
type StepConfig struct {
	Mode         string
	Tools        []string
	SystemPrompt string
	Temperature  *float64
	// Provider and Model override the turn's selection when both are set
	Provider LLMProvider
	Model    string
}

// StepHook runs before every step after the first and returns the config
// for that step. A nil config keeps the previous one.
type StepHook func(ctx context.Context, step int) (*StepConfig, error)

// Invocation is one step's batch of tool calls
type Invocation struct {
	SessionID string
	RequestID string
	Mode      string
	Tools     []string
	Calls     []ToolCall
}

// ToolOutcome is the model facing result of one tool call
type ToolOutcome struct {
	ToolCallID string
	ToolName   string
	Result     interface{}
}

// ToolInvoker executes the tool calls of one step
type ToolInvoker interface {
	Invoke(ctx context.Context, inv Invocation) []ToolOutcome
}

// StreamParams contains the input of one streamed turn
type StreamParams struct {
	SessionID   string
	RequestID   string
	Provider    LLMProvider
	Model       string
	Messages    []AgentMessage
	Step        StepConfig
	Temperature float64
	MaxTokens   int
	Invoker     ToolInvoker
	BeforeStep  StepHook
}
