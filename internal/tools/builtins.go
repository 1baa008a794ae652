package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// Built-in tool names.
const (
	EndTurn            = "end_turn"
	SetOutput          = "set_output"
	SetMessages        = "set_messages"
	AddMessage         = "add_message"
	ReadFiles          = "read_files"
	WriteFile          = "write_file"
	StrReplace         = "str_replace"
	RunTerminalCommand = "run_terminal_command"
	CodeSearch         = "code_search"
	Glob               = "glob"
	ListDirectory      = "list_directory"
	WebSearch          = "web_search"
	RunFileChangeHooks = "run_file_change_hooks"
	SpawnAgents        = "spawn_agents"
	SpawnAgentInline   = "spawn_agent_inline"
	ThinkDeeply        = "think_deeply"
)

// Input shapes for the built-in tools. Schemas are reflected from
// these types, so json tags define the wire field names.

// EndTurnInput is empty; end_turn carries no payload.
type EndTurnInput struct{}

// SetMessagesInput replaces the agent's message history wholesale.
type SetMessagesInput struct {
	Messages []models.Message `json:"messages" jsonschema:"required,description=Replacement message history"`
}

// AddMessageInput appends a single message to history.
type AddMessageInput struct {
	Role    string `json:"role" jsonschema:"required,enum=user,enum=assistant,enum=system"`
	Content string `json:"content" jsonschema:"required"`
}

// ReadFilesInput requests file contents from the client.
type ReadFilesInput struct {
	Paths []string `json:"paths" jsonschema:"required,description=Project-relative file paths"`
}

// WriteFileInput creates or overwrites one file.
type WriteFileInput struct {
	Path         string `json:"path" jsonschema:"required"`
	Instructions string `json:"instructions,omitempty" jsonschema:"description=Short summary of the change"`
	Content      string `json:"content" jsonschema:"required"`
}

// Replacement is one old/new pair for str_replace.
type Replacement struct {
	Old           string `json:"old" jsonschema:"required"`
	New           string `json:"new" jsonschema:"required"`
	AllowMultiple bool   `json:"allowMultiple,omitempty"`
}

// StrReplaceInput applies exact-string replacements to one file.
type StrReplaceInput struct {
	Path         string        `json:"path" jsonschema:"required"`
	Replacements []Replacement `json:"replacements" jsonschema:"required"`
}

// RunTerminalCommandInput spawns a shell command on the client.
// TimeoutSeconds < 0 disables the timeout.
type RunTerminalCommandInput struct {
	Command        string   `json:"command" jsonschema:"required"`
	Mode           string   `json:"mode,omitempty" jsonschema:"enum=sync,enum=background"`
	CWD            string   `json:"cwd,omitempty"`
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

// CodeSearchInput runs ripgrep over the project.
type CodeSearchInput struct {
	Pattern    string `json:"pattern" jsonschema:"required"`
	Flags      string `json:"flags,omitempty" jsonschema:"description=Extra ripgrep flags"`
	CWD        string `json:"cwd,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// GlobInput matches paths in the project file tree.
type GlobInput struct {
	Pattern string `json:"pattern" jsonschema:"required"`
	CWD     string `json:"cwd,omitempty"`
}

// ListDirectoryInput lists one directory.
type ListDirectoryInput struct {
	Path string `json:"path" jsonschema:"required"`
}

// WebSearchInput queries an external search service.
type WebSearchInput struct {
	Query string `json:"query" jsonschema:"required"`
	Depth string `json:"depth,omitempty" jsonschema:"enum=standard,enum=deep"`
}

// RunFileChangeHooksInput triggers the client's file-change hooks.
type RunFileChangeHooksInput struct {
	Files []string `json:"files" jsonschema:"required"`
}

// SpawnSpec describes one child agent to spawn.
type SpawnSpec struct {
	AgentType string         `json:"agent_type" jsonschema:"required"`
	Prompt    string         `json:"prompt,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// SpawnAgentsInput spawns children in parallel.
type SpawnAgentsInput struct {
	Agents []SpawnSpec `json:"agents" jsonschema:"required"`
}

// ThinkDeeplyInput records a reflection; it has no side effects.
type ThinkDeeplyInput struct {
	Thought string `json:"thought" jsonschema:"required"`
}

func builtinSpecs() []*Spec {
	return []*Spec{
		{
			Name:        EndTurn,
			Description: "End the current agent turn.",
			EndsStep:    true,
			InputSchema: reflectSchema(&EndTurnInput{}),
		},
		{
			Name:        SetOutput,
			Description: "Merge fields into the agent's structured output.",
			EndsStep:    true,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		{
			Name:        SetMessages,
			Description: "Replace the agent's message history.",
			EndsStep:    true,
			InputSchema: reflectSchema(&SetMessagesInput{}),
		},
		{
			Name:        AddMessage,
			Description: "Append one message to the agent's history.",
			InputSchema: reflectSchema(&AddMessageInput{}),
		},
		{
			Name:            ReadFiles,
			Description:     "Read files from the user's project.",
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&ReadFilesInput{}),
			ExampleInputs:   examples(`{"paths":["src/index.ts"]}`),
		},
		{
			Name:            WriteFile,
			Description:     "Create or overwrite a file in the user's project.",
			EndsStep:        true,
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&WriteFileInput{}),
			ExampleInputs:   examples(`{"path":"a.txt","content":"hi"}`),
		},
		{
			Name:            StrReplace,
			Description:     "Apply exact string replacements to a file.",
			EndsStep:        true,
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&StrReplaceInput{}),
		},
		{
			Name:            RunTerminalCommand,
			Description:     "Run a shell command in the user's project.",
			EndsStep:        true,
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&RunTerminalCommandInput{}),
			ExampleInputs:   examples(`{"command":"ls -la"}`),
		},
		{
			Name:            CodeSearch,
			Description:     "Search the project with ripgrep.",
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&CodeSearchInput{}),
		},
		{
			Name:            Glob,
			Description:     "Match project paths against a glob pattern.",
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&GlobInput{}),
		},
		{
			Name:            ListDirectory,
			Description:     "List entries of a project directory.",
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&ListDirectoryInput{}),
		},
		{
			Name:          WebSearch,
			Description:   "Search the web for current information.",
			ReportsResult: true,
			InputSchema:   reflectSchema(&WebSearchInput{}),
		},
		{
			Name:            RunFileChangeHooks,
			Description:     "Run the configured file-change hooks on the client.",
			ReportsResult:   true,
			ClientDelegated: true,
			InputSchema:     reflectSchema(&RunFileChangeHooksInput{}),
		},
		{
			Name:          SpawnAgents,
			Description:   "Spawn child agents in parallel and collect their outputs.",
			EndsStep:      true,
			ReportsResult: true,
			AgentSpawn:    true,
			InputSchema:   reflectSchema(&SpawnAgentsInput{}),
			ExampleInputs: examples(`{"agents":[{"agent_type":"researcher","prompt":"find usages"}]}`),
		},
		{
			Name:          SpawnAgentInline,
			Description:   "Spawn one child agent whose activity streams inline.",
			EndsStep:      true,
			ReportsResult: true,
			AgentSpawn:    true,
			InputSchema:   reflectSchema(&SpawnSpec{}),
		},
		{
			Name:          ThinkDeeply,
			Description:   "Reflect on the problem before acting.",
			ReportsResult: true,
			InputSchema:   reflectSchema(&ThinkDeeplyInput{}),
		},
	}
}

// reflectSchema builds a self-contained JSON schema from a Go type.
func reflectSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return raw
}

func examples(raws ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		out = append(out, json.RawMessage(raw))
	}
	return out
}
