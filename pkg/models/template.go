package models

import (
	"encoding/json"
	"log/slog"
)

// OutputMode declares the shape of an agent's final output.
type OutputMode string

const (
	OutputLastMessage      OutputMode = "last_message"
	OutputAllMessages      OutputMode = "all_messages"
	OutputStructuredOutput OutputMode = "structured_output"
)

// AgentTemplate is the declarative definition of an agent kind.
type AgentTemplate struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName,omitempty"`
	Model         string `json:"model,omitempty"`
	SpawnerPrompt string `json:"spawnerPrompt,omitempty"`

	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	OutputMode   OutputMode      `json:"outputMode,omitempty"`

	// ToolNames lists tools the LLM may call; SpawnableAgents lists
	// child template ids reachable through spawn_agents.
	ToolNames       []string `json:"toolNames,omitempty"`
	SpawnableAgents []string `json:"spawnableAgents,omitempty"`

	SystemPrompt       string `json:"systemPrompt,omitempty"`
	InstructionsPrompt string `json:"instructionsPrompt,omitempty"`
	StepPrompt         string `json:"stepPrompt,omitempty"`

	IncludeMessageHistory     bool `json:"includeMessageHistory,omitempty"`
	InheritParentSystemPrompt bool `json:"inheritParentSystemPrompt,omitempty"`

	// HandleSteps is generator source code run in the JS sandbox.
	// HandleStepsFunc is a trusted in-process generator; it takes
	// precedence over HandleSteps and never crosses the wire.
	HandleSteps     string         `json:"handleSteps,omitempty"`
	HandleStepsFunc StepperFactory `json:"-"`

	// ParentInstructions maps a parent template id to extra guidance
	// injected when that parent spawns this agent.
	ParentInstructions map[string]string `json:"parentInstructions,omitempty"`
}

// StepControl is a scheduling directive yielded by a handleSteps
// generator in place of a tool call.
type StepControl string

const (
	// ControlStep hands control to the model for exactly one turn.
	ControlStep StepControl = "STEP"

	// ControlStepAll hands control to the model until it ends its
	// step on its own.
	ControlStepAll StepControl = "STEP_ALL"
)

// StepInput is passed to a generator on each resume: the result of the
// previously yielded tool call plus a redacted view of agent state.
type StepInput struct {
	ToolResult    *ToolResult       `json:"toolResult,omitempty"`
	AgentState    *PublicAgentState `json:"agentState,omitempty"`
	StepsComplete bool              `json:"stepsComplete"`
}

// StepYield is one value produced by a generator: either a tool call
// (with an optional include-in-history override) or a control signal.
type StepYield struct {
	ToolCall        *ToolCall   `json:"toolCall,omitempty"`
	IncludeToolCall *bool       `json:"includeToolCall,omitempty"`
	Control         StepControl `json:"control,omitempty"`
}

// Stepper is a single-shot iterator over generator yields.
//
// Step returns done=true when the generator has returned; the yield
// accompanying done is ignored. Errors are generator failures and end
// the owning run. Close releases any resources; it is idempotent.
type Stepper interface {
	Step(input StepInput) (yield StepYield, done bool, err error)
	Close()
}

// StepperArgs are handed to a generator when it is created.
type StepperArgs struct {
	AgentState *PublicAgentState
	Prompt     string
	Params     map[string]any
	Logger     *slog.Logger
}

// StepperFactory creates a trusted in-process generator.
type StepperFactory func(args StepperArgs) Stepper

// PublicAgentState is the redacted agent view exposed to generators.
type PublicAgentState struct {
	AgentID        string         `json:"agentId"`
	RunID          string         `json:"runId"`
	ParentID       string         `json:"parentId,omitempty"`
	MessageHistory []Message      `json:"messageHistory"`
	Output         map[string]any `json:"output,omitempty"`
}
