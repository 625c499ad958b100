// Package mode holds the catalogue of agent modes and tracks which one a
// session is in. A mode decides which tools the model may call.
package mode

import (
	"errors"
	"fmt"
	"regexp"
)

// Type classifies a mode
type Type string

const (
	TypePrimary      Type = "primary"
	TypeSubagent     Type = "subagent"
	TypeWorkflowStep Type = "workflow-step"
)

// DelegationTool invokes another mode. Only primary modes keep it.
const DelegationTool = "task"

// SwitchTool moves the session to another mode
const SwitchTool = "switch_mode"

// Mode is a named tool permission profile
type Mode struct {
	Name        string          `json:"name" yaml:"name"`
	Type        Type            `json:"type" yaml:"type"`
	Description string          `json:"description" yaml:"description"`
	Tools       map[string]bool `json:"tools" yaml:"tools"`
	Temperature *float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Model       string          `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt      string          `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Builtin     bool            `json:"builtin" yaml:"-"`
}

var (
	ErrBuiltinMode = errors.New("cannot overwrite built-in mode")
	ErrUnknownMode = errors.New("unknown mode")
)

var modeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Validate checks the fields a custom mode must carry
func (m Mode) Validate() error {
	if !modeNamePattern.MatchString(m.Name) {
		return fmt.Errorf("invalid mode name %q", m.Name)
	}
	switch m.Type {
	case TypePrimary, TypeSubagent, TypeWorkflowStep:
	default:
		return fmt.Errorf("mode %s: invalid type %q", m.Name, m.Type)
	}
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 1) {
		return fmt.Errorf("mode %s: temperature must be between 0 and 1", m.Name)
	}
	return nil
}

// Allows reports whether the mode explicitly permits tool
func (m Mode) Allows(tool string) bool {
	if tool == DelegationTool && m.Type != TypePrimary {
		return false
	}
	return m.Tools[tool]
}

func (m Mode) clone() Mode {
	tools := make(map[string]bool, len(m.Tools))
	for k, v := range m.Tools {
		tools[k] = v
	}
	m.Tools = tools
	if m.Temperature != nil {
		t := *m.Temperature
		m.Temperature = &t
	}
	return m
}
