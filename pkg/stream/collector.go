package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/harun/tempo/pkg/session"
)

// Tool state values recorded per call id
const (
	ToolRunning   = "running"
	ToolCompleted = "completed"
)

type collectedCall struct {
	id   string
	name string
	args json.RawMessage
}

// Collector gathers tool calls and results from every surface of a stream:
// tool frames, a finish frame's top-level and per-step arrays, and message
// parts. Records are deduplicated by call id.
type Collector struct {
	calls       []*collectedCall
	callIndex   map[string]*collectedCall
	results     []session.ToolResult
	resultIndex map[string]bool
}

func NewCollector() *Collector {
	return &Collector{
		callIndex:   make(map[string]*collectedCall),
		resultIndex: make(map[string]bool),
	}
}

// Add inspects one frame
func (c *Collector) Add(f Frame) {
	if f.Done() || !gjson.ValidBytes(f.Data) {
		return
	}
	doc := gjson.ParseBytes(f.Data)

	switch doc.Get("type").String() {
	case TypeToolCall:
		c.addCall(doc)
	case TypeToolResult:
		c.addResult(doc)
	case TypeFinish:
		c.addFinish(doc)
	}
}

func (c *Collector) addFinish(doc gjson.Result) {
	c.addArrays(doc)
	doc.Get("steps").ForEach(func(_, step gjson.Result) bool {
		c.addArrays(step)
		return true
	})
	for _, path := range []string{"messages", "response.messages"} {
		doc.Get(path).ForEach(func(_, msg gjson.Result) bool {
			c.addParts(msg)
			return true
		})
	}
}

func (c *Collector) addArrays(doc gjson.Result) {
	doc.Get("toolCalls").ForEach(func(_, call gjson.Result) bool {
		c.addCall(call)
		return true
	})
	doc.Get("toolResults").ForEach(func(_, result gjson.Result) bool {
		c.addResult(result)
		return true
	})
}

func (c *Collector) addParts(msg gjson.Result) {
	parts := msg.Get("parts")
	if !parts.Exists() {
		parts = msg.Get("content")
	}
	parts.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "tool-call", "tool_use":
			c.addCall(part)
		case "tool-result", "tool_result":
			c.addResult(part)
		}
		return true
	})
}

// addCall keeps the first record per id. A later record only fills in the
// name, and the args when the earlier record had no meaningful args.
func (c *Collector) addCall(v gjson.Result) {
	id := firstString(v, "toolCallId", "id", "tool_use_id")
	if id == "" {
		return
	}
	name := firstString(v, "toolName", "name")
	args := argsOf(v)

	if existing, ok := c.callIndex[id]; ok {
		if existing.name == "" {
			existing.name = name
		}
		if !Meaningful(existing.args) && Meaningful(args) {
			existing.args = args
		}
		return
	}

	call := &collectedCall{id: id, name: name, args: args}
	c.callIndex[id] = call
	c.calls = append(c.calls, call)
}

func (c *Collector) addResult(v gjson.Result) {
	id := firstString(v, "toolCallId", "tool_use_id", "id")
	if id == "" || c.resultIndex[id] {
		return
	}
	c.resultIndex[id] = true

	var raw json.RawMessage
	for _, path := range []string{"result", "output", "content"} {
		if r := v.Get(path); r.Exists() {
			raw = json.RawMessage(r.Raw)
			break
		}
	}
	c.results = append(c.results, session.ToolResult{
		ToolCallID: id,
		ToolName:   firstString(v, "toolName", "name"),
		Result:     raw,
	})
}

// Calls returns the calls that have a result, in first-seen order
func (c *Collector) Calls() []session.ToolCall {
	out := []session.ToolCall{}
	for _, call := range c.calls {
		if !c.resultIndex[call.id] {
			continue
		}
		out = append(out, session.ToolCall{ID: call.id, Name: call.name, Args: rawOrEmpty(call.args)})
	}
	return out
}

// Results returns results that answer a known call. Missing tool names are
// taken from the call.
func (c *Collector) Results() []session.ToolResult {
	out := []session.ToolResult{}
	for _, res := range c.results {
		call, ok := c.callIndex[res.ToolCallID]
		if !ok {
			continue
		}
		if res.ToolName == "" {
			res.ToolName = call.name
		}
		out = append(out, res)
	}
	return out
}

// ToolState maps every seen call id to running or completed
func (c *Collector) ToolState() map[string]string {
	state := make(map[string]string, len(c.calls))
	for _, call := range c.calls {
		if c.resultIndex[call.id] {
			state[call.id] = ToolCompleted
		} else {
			state[call.id] = ToolRunning
		}
	}
	return state
}

// Unpaired returns the ids of calls that never got a result
func (c *Collector) Unpaired() []string {
	var ids []string
	for _, call := range c.calls {
		if !c.resultIndex[call.id] {
			ids = append(ids, call.id)
		}
	}
	return ids
}

// Meaningful reports whether args carry anything beyond an empty value
func Meaningful(args json.RawMessage) bool {
	s := strings.TrimSpace(string(args))
	switch s {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	v := gjson.Parse(s)
	if v.Type == gjson.String {
		// arguments delivered as an encoded JSON string
		return Meaningful(json.RawMessage(v.String()))
	}
	return true
}

func argsOf(v gjson.Result) json.RawMessage {
	for _, path := range []string{"args", "input", "arguments"} {
		r := v.Get(path)
		if !r.Exists() {
			continue
		}
		if r.Type == gjson.String {
			if gjson.Valid(r.String()) {
				return json.RawMessage(r.String())
			}
			continue
		}
		return json.RawMessage(r.Raw)
	}
	return nil
}

func firstString(v gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := v.Get(path).String(); s != "" {
			return s
		}
	}
	return ""
}
