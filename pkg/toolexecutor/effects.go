package toolexecutor

import "fmt"

// EffectKind says what a side effect does to the outside world
type EffectKind string

const (
	KindMutation     EffectKind = "mutation"
	KindQuery        EffectKind = "query"
	KindExternalCall EffectKind = "external-call"
)

// Priority orders side effects within one orchestration
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// SideEffect describes I/O a tool needs. It lives only for one tool execution.
type SideEffect struct {
	Type      EffectKind             `json:"type"`
	Operation string                 `json:"operation"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Priority  Priority               `json:"priority"`
	// DependsOn is carried for callers but ordering uses Priority and Type only
	DependsOn []string `json:"dependsOn,omitempty"`
	// Source is the tool call that produced the effect
	Source string `json:"source,omitempty"`
}

func Mutation(op string, args map[string]interface{}) SideEffect {
	return SideEffect{Type: KindMutation, Operation: op, Args: args, Priority: PriorityNormal}
}

func Query(op string, args map[string]interface{}) SideEffect {
	return SideEffect{Type: KindQuery, Operation: op, Args: args, Priority: PriorityNormal}
}

func ExternalCall(op string, args map[string]interface{}) SideEffect {
	return SideEffect{Type: KindExternalCall, Operation: op, Args: args, Priority: PriorityNormal}
}

// WithPriority returns a copy of the effect at priority p
func (e SideEffect) WithPriority(p Priority) SideEffect {
	e.Priority = p
	return e
}

// Rank returns the sort rank of a priority, high first. Unknown values sort as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Rank returns the sort rank of a kind: mutations, then queries, then external calls
func (k EffectKind) Rank() int {
	switch k {
	case KindMutation:
		return 0
	case KindQuery:
		return 1
	default:
		return 2
	}
}

func (e SideEffect) validate() error {
	switch e.Type {
	case KindMutation, KindQuery, KindExternalCall:
	default:
		return fmt.Errorf("side effect %q: invalid type %q", e.Operation, e.Type)
	}
	if e.Operation == "" {
		return fmt.Errorf("side effect operation cannot be empty")
	}
	switch e.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return fmt.Errorf("side effect %q: invalid priority %q", e.Operation, e.Priority)
	}
	return nil
}
