package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Selection is a resolved model and the provider that serves it
type Selection struct {
	Provider LLMProvider
	Model    string
	Profile  string
}

// ModelResolver selects a provider for a requested model. An empty name
// selects the configured default.
type ModelResolver interface {
	Resolve(model string) (*Selection, error)
}

// ProfileResolver resolves models against auth profiles in priority order
type ProfileResolver struct {
	profiles     []AuthProfile
	defaultModel string
	aliases      map[string]string
	factory      ProviderCreator
}

// NewProfileResolver creates a resolver. A nil factory uses ProviderFactory.
func NewProfileResolver(profiles []AuthProfile, defaultModel string, aliases map[string]string, factory ProviderCreator) *ProfileResolver {
	sorted := append([]AuthProfile(nil), profiles...)
	// Lower priority value wins
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	if factory == nil {
		factory = &ProviderFactory{}
	}
	return &ProfileResolver{
		profiles:     sorted,
		defaultModel: defaultModel,
		aliases:      aliases,
		factory:      factory,
	}
}

// Resolve implements ModelResolver
func (r *ProfileResolver) Resolve(model string) (*Selection, error) {
	name := strings.TrimSpace(model)
	if name == "" {
		name = r.defaultModel
	}
	if alias, ok := r.aliases[name]; ok {
		name = alias
	}
	if name == "" {
		return nil, WithKind(KindConfiguration, errors.New("no model selected"))
	}

	family := ProviderFor(name)
	var lastErr error
	for _, profile := range r.profiles {
		if len(profile.Models) > 0 {
			if !profile.Serves(name) {
				continue
			}
		} else if family != "" && profile.Provider != family {
			continue
		}

		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			lastErr = err
			continue
		}
		return &Selection{Provider: provider, Model: name, Profile: profile.ID}, nil
	}

	if lastErr != nil {
		return nil, WithKind(KindConfiguration, fmt.Errorf("no usable credential for model %s: %w", name, lastErr))
	}
	return nil, WithKind(KindConfiguration, fmt.Errorf("no credential serves model %s", name))
}

// ProviderFor guesses the provider of a model from its name, or returns ""
func ProviderFor(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "chatgpt"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "openai"
	default:
		return ""
	}
}
