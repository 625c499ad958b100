package toolexecutor

import (
	"encoding/json"
	"fmt"
	"sync"
)

const DefaultRepetitionLimit = 3

// Call is the identity of a tool invocation for repetition checks
type Call struct {
	Name string
	Args map[string]interface{}
}

// GuardDecision is returned by RepetitionGuard.Check
type GuardDecision struct {
	AllowExecution bool   `json:"allowExecution"`
	Message        string `json:"message,omitempty"`
}

// RepetitionGuard denies a tool call once it has been issued limit times in
// a row with identical arguments. Only consecutive calls count. Use one
// guard per turn.
type RepetitionGuard struct {
	mu      sync.Mutex
	limit   int
	lastKey string
	count   int
}

// NewRepetitionGuard creates a guard; limits below 2 use the default
func NewRepetitionGuard(limit int) *RepetitionGuard {
	if limit < 2 {
		limit = DefaultRepetitionLimit
	}
	return &RepetitionGuard{limit: limit}
}

// Check records call and decides whether it may run. A denial resets the
// counter so the next instruction gets a fresh start.
func (g *RepetitionGuard) Check(call Call) GuardDecision {
	key := CanonicalKey(call)

	g.mu.Lock()
	defer g.mu.Unlock()

	if key == g.lastKey {
		g.count++
	} else {
		g.lastKey = key
		g.count = 1
	}

	if g.count >= g.limit {
		g.count = 0
		return GuardDecision{
			AllowExecution: false,
			Message: fmt.Sprintf(
				"Stopped: %s was called %d times in a row with the same arguments. "+
					"The previous results are already available; use them or try a different approach.",
				call.Name, g.limit),
		}
	}
	return GuardDecision{AllowExecution: true}
}

// CanonicalKey serializes a call with argument keys sorted at every level
func CanonicalKey(call Call) string {
	// encoding/json writes map keys in sorted order, nested maps included
	data, err := json.Marshal(call.Args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", call.Args))
	}
	if call.Args == nil {
		data = []byte("{}")
	}
	return call.Name + ":" + string(data)
}
