// Package agent runs the streaming model loop behind one assistant turn.
//
// Invariants:
// - Every step streams text deltas as they arrive and writes wire frames into a pipe.
// - Tool calls of a step go through a ToolInvoker; their results feed the next step.
// - A transient provider error is retried only while the step has emitted nothing.
// - Terminal failures become an error frame with a templated message.
//
// Usage:
//
//	runner := agent.NewRunner(agent.RunnerConfig{Tools: te, Logger: logger})
//	body := runner.Stream(ctx, agent.StreamParams{
//		Provider: provider,
//		Model:    "claude-sonnet-4-20250514",
//		Messages: messages,
//		Step:     agent.StepConfig{Mode: "primary", Tools: names},
//		Invoker:  pipeline,
//	})
//	defer body.Close()
package agent
