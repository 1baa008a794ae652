package models

import (
	"encoding/json"
	"fmt"
)

// Wire action type discriminators. Client → server.
const (
	ActionPrompt            = "prompt"
	ActionInit              = "init"
	ActionCancelUserInput   = "cancel-user-input"
	ActionReadFilesResponse = "read-files-response"
	ActionToolCallResponse  = "tool-call-response"
	ActionMCPToolData       = "mcp-tool-data"
)

// Wire action type discriminators. Server → client.
const (
	ActionResponseChunk         = "response-chunk"
	ActionSubagentResponseChunk = "subagent-response-chunk"
	ActionReadFiles             = "read-files"
	ActionToolCallRequest       = "tool-call-request"
	ActionRequestMCPToolData    = "request-mcp-tool-data"
	ActionPromptResponse        = "prompt-response"
	ActionPromptError           = "prompt-error"
	ActionUsageResponse         = "usage-response"
	ActionHandleStepsLogChunk   = "handlesteps-log-chunk"
)

// CostMode selects the model tier for a prompt.
type CostMode string

const (
	CostModeLite   CostMode = "lite"
	CostModeNormal CostMode = "normal"
	CostModeMax    CostMode = "max"
)

// PromptAction launches the main agent for one user prompt.
type PromptAction struct {
	Type          string        `json:"type"`
	PromptID      string        `json:"promptId"`
	Prompt        string        `json:"prompt"`
	FingerprintID string        `json:"fingerprintId"`
	AuthToken     string        `json:"authToken,omitempty"`
	CostMode      CostMode      `json:"costMode,omitempty"`
	AgentID       string        `json:"agentId,omitempty"`
	SessionState  *SessionState `json:"sessionState,omitempty"`
	ToolResults   []ToolResult  `json:"toolResults,omitempty"`

	// Per-prompt overrides, merged into the session before the run.
	AgentDefinitions      []AgentTemplate                 `json:"agentDefinitions,omitempty"`
	CustomToolDefinitions map[string]CustomToolDefinition `json:"customToolDefinitions,omitempty"`
	ProjectFiles          map[string]string               `json:"projectFiles,omitempty"`
	KnowledgeFiles        map[string]string               `json:"knowledgeFiles,omitempty"`
	MaxAgentSteps         int                             `json:"maxAgentSteps,omitempty"`
}

// InitAction announces a client and its project context.
type InitAction struct {
	Type          string        `json:"type"`
	FingerprintID string        `json:"fingerprintId"`
	AuthToken     string        `json:"authToken,omitempty"`
	SessionState  *SessionState `json:"sessionState,omitempty"`
}

// CancelUserInputAction cancels an in-flight prompt.
type CancelUserInputAction struct {
	Type      string `json:"type"`
	PromptID  string `json:"promptId"`
	AuthToken string `json:"authToken,omitempty"`
}

// ReadFilesResponseAction answers a read-files request. File contents
// end with a trailing newline when non-null; null marks a missing file.
type ReadFilesResponseAction struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId"`
	Files     map[string]*string `json:"files"`
}

// ToolCallResponseAction answers a tool-call-request.
type ToolCallResponseAction struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	Output    []ToolResultPart `json:"output"`
}

// MCPToolDataAction answers a request-mcp-tool-data.
type MCPToolDataAction struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResponseChunkAction streams one chunk of the main agent's output.
type ResponseChunkAction struct {
	Type        string      `json:"type"`
	UserInputID string      `json:"userInputId"`
	Chunk       StreamChunk `json:"chunk"`
}

// SubagentResponseChunkAction streams one chunk from a child agent.
type SubagentResponseChunkAction struct {
	Type            string      `json:"type"`
	UserInputID     string      `json:"userInputId"`
	AgentID         string      `json:"agentId"`
	AgentType       string      `json:"agentType,omitempty"`
	Chunk           StreamChunk `json:"chunk"`
	Prompt          string      `json:"prompt,omitempty"`
	ForwardToPrompt bool        `json:"forwardToPrompt,omitempty"`
}

// ReadFilesAction asks the client for file contents.
type ReadFilesAction struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	FilePaths []string `json:"filePaths"`
}

// ToolCallRequestAction delegates a tool call to the client.
// Timeout is in seconds; a negative value disables the timeout.
type ToolCallRequestAction struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId"`
	UserInputID string          `json:"userInputId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	Timeout     *float64        `json:"timeout,omitempty"`
	MCPConfig   json.RawMessage `json:"mcpConfig,omitempty"`
}

// RequestMCPToolDataAction asks the client for its MCP tool catalog.
type RequestMCPToolDataAction struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	MCPConfig json.RawMessage `json:"mcpConfig,omitempty"`
}

// PromptResponseAction finishes a prompt with the updated session
// state and the main agent's output.
type PromptResponseAction struct {
	Type         string        `json:"type"`
	PromptID     string        `json:"promptId"`
	SessionState *SessionState `json:"sessionState"`
	ToolCalls    []ToolCall    `json:"toolCalls"`
	ToolResults  []ToolResult  `json:"toolResults"`
	Output       *AgentOutput  `json:"output,omitempty"`
}

// PromptErrorAction reports a top-level prompt failure.
type PromptErrorAction struct {
	Type        string `json:"type"`
	UserInputID string `json:"userInputId"`
	Message     string `json:"message"`
}

// UsageResponseAction reports credit usage for the session.
type UsageResponseAction struct {
	Type        string  `json:"type"`
	CreditsUsed float64 `json:"creditsUsed"`
	Remaining   float64 `json:"remaining,omitempty"`
}

// HandleStepsLogChunkAction forwards a sandbox logger call.
type HandleStepsLogChunkAction struct {
	Type        string `json:"type"`
	UserInputID string `json:"userInputId"`
	AgentID     string `json:"agentId,omitempty"`
	Level       string `json:"level"`
	Text        string `json:"text"`
}

// ActionType extracts the type discriminator from a raw wire message.
func ActionType(raw []byte) (string, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("malformed wire message: %w", err)
	}
	if peek.Type == "" {
		return "", fmt.Errorf("wire message missing type discriminator")
	}
	return peek.Type, nil
}
