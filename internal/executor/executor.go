// Package executor dispatches validated tool calls to their handlers:
// built-in server-side tools, host overrides, client-delegated tools,
// custom tools, and the agent-spawning tools. Handler failures never
// propagate; they become error-shaped result parts.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// DefaultClientTimeout applies to client-delegated calls without a
// timeout_seconds override. A negative override disables the timeout.
const DefaultClientTimeout = 30 * time.Second

// WebSearchTimeout bounds the external search capability.
const WebSearchTimeout = 100 * time.Second

// ClientCaller delegates tool execution to the connected client.
type ClientCaller interface {
	// CallTool sends a tool-call-request and awaits the response.
	// timeout is in seconds; nil means the default, negative means
	// no timeout.
	CallTool(ctx context.Context, toolName string, input json.RawMessage, timeout *float64) ([]models.ToolResultPart, error)

	// ReadFiles asks the client for file contents. A nil entry marks
	// a file that does not exist.
	ReadFiles(ctx context.Context, paths []string) (map[string]*string, error)
}

// Spawner runs child agents for the spawn tools.
type Spawner interface {
	SpawnAgents(ctx context.Context, parent *models.AgentState, input *tools.SpawnAgentsInput) ([]models.ToolResultPart, error)
	SpawnAgentInline(ctx context.Context, parent *models.AgentState, spec *tools.SpawnSpec) ([]models.ToolResultPart, error)
}

// Handler is the uniform surface for host overrides and injected
// capabilities.
type Handler func(ctx context.Context, input json.RawMessage) ([]models.ToolResultPart, error)

// Config assembles an Executor.
type Config struct {
	Registry  *tools.Registry
	Client    ClientCaller
	Spawner   Spawner
	Overrides map[string]Handler

	// WebSearch is the injected external search capability. When nil
	// the web_search tool reports an error part.
	WebSearch Handler

	// Emit publishes tool_call / tool_result stream chunks.
	Emit func(models.StreamChunk)

	// Parent resolves an agent id to its nearest ancestor id for
	// chunk tagging. Nil for runs without subagents.
	Parent func(agentID string) string

	Logger *slog.Logger
}

// Executor dispatches tool calls for one run.
type Executor struct {
	cfg Config
}

// New creates an executor. Registry is required.
func New(cfg Config) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emit == nil {
		cfg.Emit = func(models.StreamChunk) {}
	}
	return &Executor{cfg: cfg}
}

// SetSpawner binds the agent-spawning backend after construction; the
// orchestrator depends on the executor, so it cannot be present at New
// time. Must be called before any dispatch.
func (e *Executor) SetSpawner(spawner Spawner) { e.cfg.Spawner = spawner }

// SetParent binds the ancestor resolver used for chunk tagging.
func (e *Executor) SetParent(parent func(agentID string) string) { e.cfg.Parent = parent }

// Request is one tool call to dispatch.
type Request struct {
	Call     *models.ToolCall
	State    *models.AgentState
	Template *models.AgentTemplate

	// Prev is closed when the previous call in this step finalized;
	// nil for the first call. Dispatch may start I/O immediately but
	// completion is observed in parse order.
	Prev <-chan struct{}

	// ExcludeFromHistory suppresses the rendered assistant message
	// for a programmatic call with includeToolCall = false.
	ExcludeFromHistory bool

	// FromProgrammatic marks calls yielded by a handleSteps
	// generator; they carry their own assistant message.
	FromProgrammatic bool
}

// Invocation tracks one dispatched call until it finalizes.
type Invocation struct {
	done chan struct{}

	// deferred, when set, runs the handler on the goroutine that calls
	// Wait instead of a dispatch goroutine. Tools that write agent
	// state are deferred so their writes serialize with the
	// scheduler's own history appends.
	deferred func(ctx context.Context) error

	Result   *models.ToolResult
	EndsStep bool
	EndTurn  bool
	Err      error // fatal dispatch errors only (context cancellation)
}

// Wait blocks until the call finalized or ctx is done. For deferred
// invocations the handler runs here, on the caller's goroutine.
func (inv *Invocation) Wait(ctx context.Context) error {
	if apply := inv.deferred; apply != nil {
		inv.deferred = nil
		err := apply(ctx)
		close(inv.done)
		return err
	}
	select {
	case <-inv.done:
		return inv.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the ordering token for the next call in the step.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Dispatch starts executing one tool call. I/O-bound handlers run
// immediately on their own goroutine; history appends, chunk emission,
// and Result visibility wait for the previous call's completion so
// results land in parse order. Handlers that write agent state do not
// start until Wait, which runs them on the waiting goroutine.
func (e *Executor) Dispatch(ctx context.Context, req Request) *Invocation {
	inv := &Invocation{done: make(chan struct{})}
	call := req.Call
	spec, _ := e.cfg.Registry.Resolve(call.ToolName)
	if spec != nil {
		inv.EndsStep = spec.EndsStep
	}
	inv.EndTurn = call.ToolName == tools.EndTurn

	if call.AgentID == "" && req.State != nil {
		call.AgentID = req.State.AgentID
	}

	e.emitChunk(models.StreamChunk{
		Type:       models.ChunkToolCall,
		AgentID:    call.AgentID,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Input:      call.Input,
	})

	if req.FromProgrammatic && !req.ExcludeFromHistory && req.State != nil {
		req.State.MessageHistory = append(req.State.MessageHistory, models.Message{
			Role:    models.RoleAssistant,
			Content: tools.RenderCall(call),
		})
	}

	if writesAgentState(call.ToolName, spec) {
		inv.deferred = func(ctx context.Context) error {
			if req.Prev != nil {
				select {
				case <-req.Prev:
				case <-ctx.Done():
					inv.Err = ctx.Err()
					return inv.Err
				}
			}
			parts := e.run(ctx, req, spec)
			result := &models.ToolResult{
				ToolCallID: call.ToolCallID,
				ToolName:   call.ToolName,
				Output:     parts,
			}
			inv.Result = result
			e.finalize(req, spec, result)
			return nil
		}
		return inv
	}

	go func() {
		defer close(inv.done)

		parts := e.run(ctx, req, spec)

		if req.Prev != nil {
			select {
			case <-req.Prev:
			case <-ctx.Done():
				inv.Err = ctx.Err()
				return
			}
		}

		result := &models.ToolResult{
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			Output:     parts,
		}
		inv.Result = result

		e.finalize(req, spec, result)
	}()

	return inv
}

// writesAgentState reports tools whose handlers mutate the calling
// agent's state: the history and output editors, and the spawn tools,
// which may stitch a child's messages back into the parent.
func writesAgentState(name string, spec *tools.Spec) bool {
	if spec == nil {
		return false
	}
	if spec.AgentSpawn {
		return true
	}
	switch name {
	case tools.SetOutput, tools.SetMessages, tools.AddMessage:
		return true
	}
	return false
}

// run executes the handler and converts every failure into error
// parts. Dispatch rules are matched in order.
func (e *Executor) run(ctx context.Context, req Request, spec *tools.Spec) []models.ToolResultPart {
	call := req.Call

	if spec == nil {
		return []models.ToolResultPart{models.ErrorPart("Tool " + call.ToolName + " not found")}
	}

	switch call.ToolName {
	case tools.EndTurn:
		return nil
	case tools.SetOutput:
		return e.setOutput(req)
	case tools.SetMessages:
		return e.setMessages(req)
	case tools.AddMessage:
		return e.addMessage(req)
	}

	if spec.AgentSpawn {
		return e.spawn(ctx, req)
	}

	if override, ok := e.cfg.Overrides[call.ToolName]; ok {
		return e.invokeHandler(ctx, override, call)
	}

	switch call.ToolName {
	case tools.ThinkDeeply:
		return []models.ToolResultPart{models.JSONPart(map[string]string{"message": "Thought recorded."})}
	case tools.WebSearch:
		if e.cfg.WebSearch == nil {
			return []models.ToolResultPart{models.ErrorPart("web_search is not configured")}
		}
		searchCtx, cancel := context.WithTimeout(ctx, WebSearchTimeout)
		defer cancel()
		return e.invokeHandler(searchCtx, e.cfg.WebSearch, call)
	case tools.ReadFiles:
		return e.readFiles(ctx, call)
	}

	if spec.ClientDelegated {
		return e.callClient(ctx, call)
	}

	return []models.ToolResultPart{models.ErrorPart("Tool " + call.ToolName + " not found")}
}

// finalize applies history side effects and emits the tool_result
// chunk, in parse order. For calls parsed from an LLM turn the
// scheduler owns history so the assistant transcript lands first;
// programmatic calls append their own tool message here.
func (e *Executor) finalize(req Request, spec *tools.Spec, result *models.ToolResult) {
	reportsResult := spec != nil && spec.ReportsResult
	failed := anyError(result.Output)

	// Silent tools still surface their failures to the model.
	if req.FromProgrammatic && req.State != nil && (reportsResult || failed) {
		req.State.MessageHistory = append(req.State.MessageHistory, models.Message{
			Role:       models.RoleTool,
			ToolResult: result,
		})
	}

	e.emitChunk(models.StreamChunk{
		Type:       models.ChunkToolResult,
		AgentID:    req.Call.AgentID,
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		Output:     result.Output,
	})
}

func (e *Executor) emitChunk(chunk models.StreamChunk) {
	if chunk.AgentID != "" && e.cfg.Parent != nil {
		chunk.ParentAgentID = e.cfg.Parent(chunk.AgentID)
	}
	e.cfg.Emit(chunk)
}

func (e *Executor) invokeHandler(ctx context.Context, handler Handler, call *models.ToolCall) (parts []models.ToolResultPart) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Error("tool handler panicked", "tool", call.ToolName, "panic", r)
			parts = []models.ToolResultPart{models.ErrorPart(fmt.Sprintf("tool %s panicked: %v", call.ToolName, r))}
		}
	}()
	out, err := handler(ctx, call.Input)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart(err.Error())}
	}
	return out
}

func (e *Executor) setOutput(req Request) []models.ToolResultPart {
	var fields map[string]any
	if err := json.Unmarshal(req.Call.Input, &fields); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	if req.State == nil {
		return []models.ToolResultPart{models.ErrorPart("set_output: no agent state")}
	}

	merged := make(map[string]any, len(fields))
	for k, v := range req.State.Output {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	if req.Template != nil && len(req.Template.OutputSchema) > 0 {
		if err := validateAgainst(req.Template.OutputSchema, merged); err != nil {
			return []models.ToolResultPart{models.ErrorPart("Output does not match output schema: " + err.Error())}
		}
	}

	req.State.Output = merged
	return nil
}

func (e *Executor) setMessages(req Request) []models.ToolResultPart {
	var input tools.SetMessagesInput
	if err := json.Unmarshal(req.Call.Input, &input); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	if req.State == nil {
		return []models.ToolResultPart{models.ErrorPart("set_messages: no agent state")}
	}
	req.State.MessageHistory = input.Messages
	return nil
}

func (e *Executor) addMessage(req Request) []models.ToolResultPart {
	var input tools.AddMessageInput
	if err := json.Unmarshal(req.Call.Input, &input); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	if req.State == nil {
		return []models.ToolResultPart{models.ErrorPart("add_message: no agent state")}
	}
	req.State.MessageHistory = append(req.State.MessageHistory, models.Message{
		Role:    models.Role(input.Role),
		Content: input.Content,
	})
	return nil
}

func (e *Executor) spawn(ctx context.Context, req Request) []models.ToolResultPart {
	if e.cfg.Spawner == nil {
		return []models.ToolResultPart{models.ErrorPart("agent spawning is not available")}
	}
	switch req.Call.ToolName {
	case tools.SpawnAgents:
		var input tools.SpawnAgentsInput
		if err := json.Unmarshal(req.Call.Input, &input); err != nil {
			return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
		}
		parts, err := e.cfg.Spawner.SpawnAgents(ctx, req.State, &input)
		if err != nil {
			return []models.ToolResultPart{models.ErrorPart(err.Error())}
		}
		return parts
	case tools.SpawnAgentInline:
		var spec tools.SpawnSpec
		if err := json.Unmarshal(req.Call.Input, &spec); err != nil {
			return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
		}
		parts, err := e.cfg.Spawner.SpawnAgentInline(ctx, req.State, &spec)
		if err != nil {
			return []models.ToolResultPart{models.ErrorPart(err.Error())}
		}
		return parts
	}
	return []models.ToolResultPart{models.ErrorPart("Tool " + req.Call.ToolName + " not found")}
}

func (e *Executor) readFiles(ctx context.Context, call *models.ToolCall) []models.ToolResultPart {
	if e.cfg.Client == nil {
		return []models.ToolResultPart{models.ErrorPart("no client connected")}
	}
	var input tools.ReadFilesInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	files, err := e.cfg.Client.ReadFiles(ctx, input.Paths)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart(err.Error())}
	}

	parts := make([]models.ToolResultPart, 0, len(input.Paths))
	for _, path := range input.Paths {
		contents, ok := files[path]
		if !ok || contents == nil {
			parts = append(parts, models.JSONPart(map[string]any{"path": path, "exists": false}))
			continue
		}
		parts = append(parts, models.JSONPart(map[string]any{"path": path, "contents": *contents}))
	}
	return parts
}

// callClient delegates to the connected client, honoring the
// timeout_seconds input override.
func (e *Executor) callClient(ctx context.Context, call *models.ToolCall) []models.ToolResultPart {
	if e.cfg.Client == nil {
		return []models.ToolResultPart{models.ErrorPart("no client connected")}
	}

	input := call.Input
	if call.ToolName == tools.RunTerminalCommand {
		input = unescapeCommand(input)
	}

	timeout := timeoutOverride(input)
	parts, err := e.cfg.Client.CallTool(ctx, call.ToolName, input, timeout)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart(err.Error())}
	}
	return parts
}

// timeoutOverride extracts an optional timeout_seconds input field.
func timeoutOverride(input json.RawMessage) *float64 {
	var peek struct {
		TimeoutSeconds *float64 `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &peek); err != nil {
		return nil
	}
	return peek.TimeoutSeconds
}

// unescapeCommand rewrites &amp; sequences in the command field to &
// before dispatch. Models sporadically XML-escape shell commands.
func unescapeCommand(input json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return input
	}
	rawCmd, ok := fields["command"]
	if !ok {
		return input
	}
	var cmd string
	if err := json.Unmarshal(rawCmd, &cmd); err != nil {
		return input
	}
	if !strings.Contains(cmd, "&amp;") {
		return input
	}
	unescaped, err := json.Marshal(strings.ReplaceAll(cmd, "&amp;", "&"))
	if err != nil {
		return input
	}
	fields["command"] = unescaped
	out, err := json.Marshal(fields)
	if err != nil {
		return input
	}
	return out
}

func validateAgainst(schema json.RawMessage, value any) error {
	compiled, err := jsonschema.CompileString("output.schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}
	// Round-trip so typed maps validate like wire data.
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return err
	}
	return compiled.Validate(plain)
}

// RecordsInHistory reports whether a completed call's result belongs
// in message history: reporting tools always, silent tools only on
// failure.
func RecordsInHistory(spec *tools.Spec, result *models.ToolResult) bool {
	if result == nil {
		return false
	}
	if spec != nil && spec.ReportsResult {
		return true
	}
	return anyError(result.Output)
}

func anyError(parts []models.ToolResultPart) bool {
	for _, part := range parts {
		if part.IsError() {
			return true
		}
	}
	return false
}
