// Package tools holds the task, calendar and mode tools the agent may call.
// Every handler is pure: it checks its input and returns the side effects
// the orchestrator must run, never touching a service itself.
package tools
