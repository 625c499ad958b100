package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", WithKind(KindConflict, errors.New("lock busy")), KindConflict},
		{"wrapped tag", fmt.Errorf("outer: %w", WithKind(KindPersistence, errors.New("disk full"))), KindPersistence},
		{"anthropic rate limit", &anthropic.Error{StatusCode: 429}, KindProviderTransient},
		{"anthropic overloaded", &anthropic.Error{StatusCode: 529}, KindProviderTransient},
		{"anthropic auth", &anthropic.Error{StatusCode: 401}, KindProviderPermanent},
		{"openai unknown model", fmt.Errorf("stream: %w", &openai.Error{StatusCode: 404}), KindProviderPermanent},
		{"openai server error", &openai.Error{StatusCode: 500}, KindProviderTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindProviderTransient},
		{"cancelled", context.Canceled, KindInternal},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindProviderTransient},
		{"reset message", errors.New("read tcp: connection reset by peer"), KindProviderTransient},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUserMessageCoversEveryKind(t *testing.T) {
	kinds := []ErrorKind{
		KindConfiguration, KindConflict, KindProviderTransient, KindProviderPermanent,
		KindTool, KindPersistence, KindInternal, ErrorKind("unheard-of"),
	}
	for _, kind := range kinds {
		assert.NotEmpty(t, UserMessage(kind), string(kind))
	}
	assert.True(t, KindProviderTransient.Retryable())
	assert.True(t, KindConflict.Retryable())
	assert.False(t, KindProviderPermanent.Retryable())
	assert.False(t, KindConfiguration.Retryable())
}

func TestWithKind(t *testing.T) {
	assert.NoError(t, WithKind(KindTool, nil))

	cause := errors.New("cause")
	err := WithKind(KindTool, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "tool")
}

type fakeCreator struct {
	created []string
	fail    map[string]bool
}

func (f *fakeCreator) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if f.fail[profile.ID] {
		return nil, errors.New("cannot build")
	}
	f.created = append(f.created, profile.ID)
	return &fakeProvider{name: profile.Provider}, nil
}

func TestProfileResolver(t *testing.T) {
	profiles := []AuthProfile{
		{ID: "oa", Provider: "openai", APIKey: "k", Priority: 2},
		{ID: "an", Provider: "anthropic", APIKey: "k", Priority: 1},
		{ID: "custom", Provider: "openai", APIKey: "k", Models: []string{"house-model"}, Priority: 0},
	}
	aliases := map[string]string{"sonnet": "claude-sonnet-4"}

	tests := []struct {
		name        string
		model       string
		wantModel   string
		wantProfile string
	}{
		{"default through alias", "", "claude-sonnet-4", "an"},
		{"openai family", "gpt-4o", "gpt-4o", "oa"},
		{"explicit model list", "house-model", "house-model", "custom"},
		{"unknown family takes highest priority open profile", "llama3", "llama3", "an"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewProfileResolver(profiles, "sonnet", aliases, &fakeCreator{})
			sel, err := r.Resolve(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, sel.Model)
			assert.Equal(t, tt.wantProfile, sel.Profile)
		})
	}
}

func TestProfileResolverFailures(t *testing.T) {
	t.Run("no profiles", func(t *testing.T) {
		_, err := NewProfileResolver(nil, "claude-sonnet-4", nil, &fakeCreator{}).Resolve("")
		require.Error(t, err)
		assert.Equal(t, KindConfiguration, Classify(err))
	})

	t.Run("no model", func(t *testing.T) {
		_, err := NewProfileResolver([]AuthProfile{{ID: "a", Provider: "anthropic"}}, "", nil, &fakeCreator{}).Resolve("")
		assert.Equal(t, KindConfiguration, Classify(err))
	})

	t.Run("falls through a broken profile", func(t *testing.T) {
		creator := &fakeCreator{fail: map[string]bool{"first": true}}
		r := NewProfileResolver([]AuthProfile{
			{ID: "first", Provider: "anthropic", Priority: 0},
			{ID: "second", Provider: "anthropic", Priority: 1},
		}, "", nil, creator)
		sel, err := r.Resolve("claude-3-5-haiku-latest")
		require.NoError(t, err)
		assert.Equal(t, "second", sel.Profile)
	})

	t.Run("factory rejects missing key", func(t *testing.T) {
		_, err := NewProfileResolver([]AuthProfile{{ID: "a", Provider: "anthropic"}}, "", nil, nil).Resolve("claude-sonnet-4")
		assert.Equal(t, KindConfiguration, Classify(err))
	})
}

func TestProviderFactory(t *testing.T) {
	f := &ProviderFactory{}

	p, err := f.NewProvider(AuthProfile{ID: "a", Provider: "anthropic", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	p, err = f.NewProvider(AuthProfile{ID: "o", Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	_, err = f.NewProvider(AuthProfile{ID: "g", Provider: "gemini", APIKey: "x"})
	assert.Equal(t, KindConfiguration, Classify(err))
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, "anthropic", ProviderFor("claude-sonnet-4-20250514"))
	assert.Equal(t, "openai", ProviderFor("gpt-4o"))
	assert.Equal(t, "openai", ProviderFor("o3-mini"))
	assert.Equal(t, "", ProviderFor("mistral-large"))
}
