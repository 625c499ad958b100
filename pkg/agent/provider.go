package agent

import (
	"context"
	"fmt"

	"github.com/harun/tempo/pkg/toolexecutor"
)

// LLMProvider is an interface for streaming LLM API providers
type LLMProvider interface {
	// Stream makes one model call, handing every text delta to onDelta as it
	// arrives, and returns the assembled response
	Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []toolexecutor.ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, WithKind(KindConfiguration, fmt.Errorf("profile %s has no API key", profile.ID))
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, WithKind(KindConfiguration, fmt.Errorf("unsupported provider: %s", profile.Provider))
	}
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}
