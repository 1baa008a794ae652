package models

import "encoding/json"

// AgentState is the mutable per-run bookkeeping for one agent. It is
// created when the agent is spawned, mutated only by its own agent
// loop, and its final snapshot is persisted into SessionState.
type AgentState struct {
	AgentID   string `json:"agentId"`
	RunID     string `json:"runId"`
	AgentType string `json:"agentType"`
	ParentID  string `json:"parentId,omitempty"`

	MessageHistory []Message      `json:"messageHistory"`
	Output         map[string]any `json:"output,omitempty"`

	StepsRemaining    int     `json:"stepsRemaining"`
	CreditsUsed       float64 `json:"creditsUsed"`
	DirectCreditsUsed float64 `json:"directCreditsUsed"`

	ChildRunIDs  []string       `json:"childRunIds,omitempty"`
	AgentContext map[string]any `json:"agentContext,omitempty"`
}

// Public returns the redacted view handed to handleSteps generators.
func (s *AgentState) Public() *PublicAgentState {
	history := make([]Message, len(s.MessageHistory))
	copy(history, s.MessageHistory)
	return &PublicAgentState{
		AgentID:        s.AgentID,
		RunID:          s.RunID,
		ParentID:       s.ParentID,
		MessageHistory: history,
		Output:         s.Output,
	}
}

// FileContext describes the project the client is working in.
type FileContext struct {
	ProjectRoot     string             `json:"projectRoot,omitempty"`
	CWD             string             `json:"cwd,omitempty"`
	Files           map[string]string  `json:"files,omitempty"`
	FileTree        string             `json:"fileTree,omitempty"`
	FileTokenScores map[string]float64 `json:"fileTokenScores,omitempty"`
}

// SystemInfo describes the client machine.
type SystemInfo struct {
	Platform  string `json:"platform,omitempty"`
	Shell     string `json:"shell,omitempty"`
	NodeVer   string `json:"nodeVersion,omitempty"`
	Arch      string `json:"arch,omitempty"`
	HomeDir   string `json:"homedir,omitempty"`
	CPUs      int    `json:"cpus,omitempty"`
	OSVersion string `json:"osVersion,omitempty"`
}

// GitChanges is the client-reported working tree status.
type GitChanges struct {
	Status        string `json:"status,omitempty"`
	Diff          string `json:"diff,omitempty"`
	DiffCached    string `json:"diffCached,omitempty"`
	LastCommitMsg string `json:"lastCommitMessages,omitempty"`
}

// CustomToolDefinition registers a client-implemented tool for one
// session. The handler lives on the client; the server only validates
// inputs and delegates over the wire.
type CustomToolDefinition struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	InputSchema   json.RawMessage   `json:"inputSchema,omitempty"`
	EndsAgentStep bool              `json:"endsAgentStep,omitempty"`
	ExampleInputs []json.RawMessage `json:"exampleInputs,omitempty"`

	// MCPConfig identifies the MCP server that backs this tool; it is
	// echoed on tool-call-request frames so the client can route the
	// call without keeping its own catalog.
	MCPConfig json.RawMessage `json:"mcpConfig,omitempty"`
}

// SessionState is the opaque, round-trippable snapshot the client
// carries between prompts. The server is authoritative for its
// contents during a run and resets cost counters on entry.
type SessionState struct {
	MainAgentState        AgentState                      `json:"mainAgentState"`
	FileContext           FileContext                     `json:"fileContext"`
	AgentTemplates        map[string]AgentTemplate        `json:"agentTemplates,omitempty"`
	CustomToolDefinitions map[string]CustomToolDefinition `json:"customToolDefinitions,omitempty"`
	ChangesSinceLastChat  map[string]string               `json:"changesSinceLastChat,omitempty"`
	ShellConfigFiles      map[string]string               `json:"shellConfigFiles,omitempty"`
	SystemInfo            SystemInfo                      `json:"systemInfo"`
	GitChanges            GitChanges                      `json:"gitChanges"`
	KnowledgeFiles        map[string]string               `json:"knowledgeFiles,omitempty"`

	// MCPConfig is the client's MCP server configuration. When set,
	// the server asks the client for its tool catalog before the run
	// and registers the result as custom tools.
	MCPConfig json.RawMessage `json:"mcpConfig,omitempty"`
}

// AgentOutputType discriminates AgentOutput.
type AgentOutputType string

const (
	OutputTypeStructured  AgentOutputType = "structuredOutput"
	OutputTypeLastMessage AgentOutputType = "lastMessage"
	OutputTypeAllMessages AgentOutputType = "allMessages"
	OutputTypeError       AgentOutputType = "error"
)

// AgentOutput is the terminal result of one agent run. Exactly one
// payload field is set for a given Type.
type AgentOutput struct {
	Type AgentOutputType `json:"type"`

	Value    map[string]any `json:"value,omitempty"`
	Text     string         `json:"text,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// ErrorOutput builds an error-typed AgentOutput.
func ErrorOutput(message string) *AgentOutput {
	return &AgentOutput{Type: OutputTypeError, Message: message}
}
