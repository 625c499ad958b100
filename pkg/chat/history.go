package chat

import (
	"encoding/json"

	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/session"
)

// agentMessages converts stored history into the provider transcript. An
// assistant turn carrying tool activity expands into the call message, one
// tool message per result and then its final text. Turns that never
// produced anything are skipped.
func agentMessages(history []session.Message) []agent.AgentMessage {
	out := make([]agent.AgentMessage, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, agent.AgentMessage{Role: agent.RoleUser, Content: msg.Content})
		case session.RoleSystem:
			out = append(out, agent.AgentMessage{Role: agent.RoleSystem, Content: msg.Content})
		case session.RoleAssistant:
			out = append(out, assistantMessages(msg)...)
		case session.RoleTool:
			for _, res := range msg.ToolResults {
				out = append(out, toolMessage(res))
			}
		}
	}
	return out
}

func assistantMessages(msg session.Message) []agent.AgentMessage {
	answered := make(map[string]bool, len(msg.ToolResults))
	for _, res := range msg.ToolResults {
		answered[res.ToolCallID] = true
	}

	var calls []agent.ToolCall
	called := make(map[string]bool, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if !answered[call.ID] {
			continue
		}
		called[call.ID] = true
		calls = append(calls, agent.ToolCall{ID: call.ID, Name: call.Name, Parameters: decodeArgs(call.Args)})
	}

	var out []agent.AgentMessage
	if len(calls) > 0 {
		out = append(out, agent.AgentMessage{Role: agent.RoleAssistant, ToolCalls: calls})
		for _, res := range msg.ToolResults {
			if called[res.ToolCallID] {
				out = append(out, toolMessage(res))
				// one result per call
				called[res.ToolCallID] = false
			}
		}
	}
	if msg.Content != "" {
		out = append(out, agent.AgentMessage{Role: agent.RoleAssistant, Content: msg.Content})
	}
	return out
}

func toolMessage(res session.ToolResult) agent.AgentMessage {
	content := string(res.Result)
	if content == "" {
		content = "{}"
	}
	return agent.AgentMessage{Role: agent.RoleTool, ToolCallID: res.ToolCallID, Content: content}
}

func decodeArgs(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}
