// Package models provides domain types shared by the agent runtime,
// the wire protocol, and the client tool bridge.
package models

import (
	"encoding/json"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TimeToLive markers control when a message is dropped by history
// compaction. The runtime never interprets them; it only preserves
// them verbatim through a run.
const (
	TTLUserPrompt = "userPrompt"
	TTLAgentStep  = "agentStep"
)

// Message is one entry in an agent's message history.
//
// Content is set for user/assistant/system messages; ToolResult is set
// for tool messages. TimeToLive and KeepDuringTruncation are opaque
// hints for later history compaction and must round-trip unchanged.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`

	TimeToLive           string `json:"timeToLive,omitempty"`
	KeepDuringTruncation bool   `json:"keepDuringTruncation,omitempty"`
}

// ToolCall is a single tool invocation, produced either by the stream
// parser from LLM output or yielded by a handleSteps generator.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
	AgentID    string          `json:"agentId,omitempty"`
}

// ToolResultPart is one element of a tool result: either a JSON value
// or plain text. Errors are JSON parts carrying {"errorMessage": ...}.
type ToolResultPart struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Text  string          `json:"text,omitempty"`
}

// Part type discriminators.
const (
	PartJSON = "json"
	PartText = "text"
)

// ToolResult pairs a tool call with its ordered output parts.
type ToolResult struct {
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName"`
	Output     []ToolResultPart `json:"output"`
}

// TextPart builds a text result part.
func TextPart(text string) ToolResultPart {
	return ToolResultPart{Type: PartText, Text: text}
}

// JSONPart builds a json result part from any marshalable value.
func JSONPart(v any) ToolResultPart {
	raw, err := json.Marshal(v)
	if err != nil {
		return ErrorPart("failed to encode tool result: " + err.Error())
	}
	return ToolResultPart{Type: PartJSON, Value: raw}
}

// RawJSONPart builds a json result part from pre-encoded JSON.
func RawJSONPart(raw json.RawMessage) ToolResultPart {
	return ToolResultPart{Type: PartJSON, Value: raw}
}

// ErrorPart builds the canonical error-shaped result part.
func ErrorPart(message string) ToolResultPart {
	raw, _ := json.Marshal(map[string]string{"errorMessage": message})
	return ToolResultPart{Type: PartJSON, Value: raw}
}

// IsError reports whether the part carries an errorMessage payload.
func (p ToolResultPart) IsError() bool {
	if p.Type != PartJSON || len(p.Value) == 0 {
		return false
	}
	var peek struct {
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(p.Value, &peek); err != nil {
		return false
	}
	return peek.ErrorMessage != nil
}

// ErrorMessage returns the errorMessage payload, if any.
func (p ToolResultPart) ErrorMessage() (string, bool) {
	if p.Type != PartJSON || len(p.Value) == 0 {
		return "", false
	}
	var peek struct {
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(p.Value, &peek); err != nil || peek.ErrorMessage == nil {
		return "", false
	}
	return *peek.ErrorMessage, true
}
