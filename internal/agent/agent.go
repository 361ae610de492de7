// Package agent is the boundary to the external agent runtime that performs
// web research and writes progress documents and pages. The runtime is treated
// as an opaque producer of events.
package agent

import (
	"context"
	"encoding/json"
)

// EventType discriminates agent events.
type EventType string

const (
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Event is one item of an agent's output stream.
type Event struct {
	Type    EventType       `json:"type"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Text    string          `json:"text,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Invocation is a single natural-language task for the agent.
type Invocation struct {
	Instruction string
	WorkDir     string
	Env         map[string]string
}

// Run is an in-flight invocation. Events is closed when the agent finishes;
// Wait then reports how it ended.
type Run interface {
	Events() <-chan Event
	Wait() error
	// Interrupt asks the agent to stop. It is best-effort.
	Interrupt() error
}

// Agent starts invocations.
type Agent interface {
	Invoke(ctx context.Context, inv Invocation) (Run, error)
}

// ToolSummary renders a tool_use event as a short activity line.
func ToolSummary(ev Event) string {
	if ev.Tool == "" {
		return "tool call"
	}
	var args map[string]any
	if len(ev.Input) > 0 && json.Unmarshal(ev.Input, &args) == nil {
		for _, key := range []string{"query", "url", "file_path", "path", "command"} {
			if v, ok := args[key].(string); ok && v != "" {
				return ev.Tool + ": " + truncate(v, 120)
			}
		}
	}
	return ev.Tool
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
