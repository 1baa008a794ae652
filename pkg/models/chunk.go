package models

import "encoding/json"

// StreamChunkType identifies the kind of streaming chunk.
type StreamChunkType string

const (
	ChunkStart          StreamChunkType = "start"
	ChunkText           StreamChunkType = "text"
	ChunkReasoning      StreamChunkType = "reasoning"
	ChunkToolCall       StreamChunkType = "tool_call"
	ChunkToolResult     StreamChunkType = "tool_result"
	ChunkSubagentStart  StreamChunkType = "subagent_start"
	ChunkSubagentFinish StreamChunkType = "subagent_finish"
	ChunkFinish         StreamChunkType = "finish"
	ChunkError          StreamChunkType = "error"
)

// StreamChunk is one streaming event surfaced to the client while a
// run is in flight. AgentID identifies the emitter; ParentAgentID is
// populated at emission time for chunks from child agents so the
// client can reconstruct the agent tree.
type StreamChunk struct {
	Type StreamChunkType `json:"type"`

	AgentID       string `json:"agentId,omitempty"`
	ParentAgentID string `json:"parentAgentId,omitempty"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// tool_call / tool_result
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolName   string           `json:"toolName,omitempty"`
	Input      json.RawMessage  `json:"input,omitempty"`
	Output     []ToolResultPart `json:"output,omitempty"`

	// subagent_start / subagent_finish
	AgentType string `json:"agentType,omitempty"`

	// start
	MessageHistoryLength int `json:"messageHistoryLength,omitempty"`

	// finish
	TotalCost float64 `json:"totalCost,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
