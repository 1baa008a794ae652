// Package tools declares the built-in tool set, validates tool inputs
// against their JSON schemas, and renders tool calls into the XML
// envelope used by the model transcript.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// Tool call envelope delimiters in the model text stream.
const (
	ToolCallOpenTag  = "<codebuff_tool_call>"
	ToolCallCloseTag = "</codebuff_tool_call>"
	ToolResultOpen   = "<tool_result>"
	ToolResultClose  = "</tool_result>"

	// NameField carries the tool name inside the envelope body.
	NameField = "cb_tool_name"
)

// Spec describes one tool: its schema, how it interacts with the step
// loop, and where its handler lives.
type Spec struct {
	Name        string
	Description string

	// EndsStep means the model turn must stop emitting after this
	// tool and yield back to the scheduler.
	EndsStep bool

	// ReportsResult means the result is appended to history for the
	// model; when false the result is silently consumed.
	ReportsResult bool

	// ClientDelegated tools execute on the client over the wire.
	ClientDelegated bool

	// AgentSpawn tools are routed to the orchestrator.
	AgentSpawn bool

	InputSchema   json.RawMessage
	ExampleInputs []json.RawMessage

	compiled *jsonschema.Schema
}

// Registry holds tool specs with thread-safe registration and lookup.
// Built-ins are installed by NewRegistry; custom tools are merged per
// session via RegisterCustom.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry creates a registry preloaded with the built-in tool set.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]*Spec)}
	for _, spec := range builtinSpecs() {
		if err := r.register(spec); err != nil {
			// Built-in schemas are generated from Go types and must
			// always compile.
			panic(fmt.Sprintf("tools: invalid built-in %s: %v", spec.Name, err))
		}
	}
	return r
}

func (r *Registry) register(spec *Spec) error {
	schema := spec.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
		spec.InputSchema = schema
	}
	compiled, err := jsonschema.CompileString(spec.Name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	spec.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// RegisterCustom merges a client-defined tool. Custom tools are always
// client-delegated and replace an existing definition of the same name.
func (r *Registry) RegisterCustom(def models.CustomToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("custom tool missing name")
	}
	return r.register(&Spec{
		Name:            def.Name,
		Description:     def.Description,
		EndsStep:        def.EndsAgentStep,
		ReportsResult:   true,
		ClientDelegated: true,
		InputSchema:     def.InputSchema,
		ExampleInputs:   def.ExampleInputs,
	})
}

// Resolve returns the spec for a tool name.
func (r *Registry) Resolve(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// ValidateInput checks a raw input value against the tool's schema.
// A nil error means the input may be dispatched. Failures are
// descriptive and are surfaced as tool-result error parts by the
// caller; no handler runs for invalid input.
func (r *Registry) ValidateInput(name string, raw json.RawMessage) error {
	spec, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("Tool %s not found", name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("Invalid JSON: %v", err)
	}
	if err := spec.compiled.Validate(value); err != nil {
		return fmt.Errorf("Invalid input for tool %s: %v", name, err)
	}
	return nil
}

// RenderCall renders a tool call into the XML envelope exactly as it
// appears in the assistant transcript.
func RenderCall(call *models.ToolCall) string {
	var buf bytes.Buffer
	buf.WriteString(ToolCallOpenTag)
	buf.WriteString("\n")
	buf.WriteString(`{"`)
	buf.WriteString(NameField)
	buf.WriteString(`":`)
	name, _ := json.Marshal(call.ToolName)
	buf.Write(name)
	if fields := objectBody(call.Input); fields != "" {
		buf.WriteString(",")
		buf.WriteString(fields)
	}
	buf.WriteString("}\n")
	buf.WriteString(ToolCallCloseTag)
	return buf.String()
}

// RenderResult renders a tool result the way a model echoes it back.
func RenderResult(result *models.ToolResult) string {
	raw, err := json.Marshal(result.Output)
	if err != nil {
		raw = []byte(`[]`)
	}
	return ToolResultOpen + "\n" + string(raw) + "\n" + ToolResultClose
}

// objectBody strips the outer braces from a JSON object, returning the
// inner field list, or "" when the object is empty or not an object.
func objectBody(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return ""
	}
	inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	return string(inner)
}
