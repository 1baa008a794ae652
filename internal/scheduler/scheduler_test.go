package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/llm"
	"github.com/codebuff/agent-runtime/internal/streamparser"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// fakeClient records delegated calls and answers them successfully.
type fakeClient struct {
	mu        sync.Mutex
	toolCalls []string
	readPaths [][]string
}

func (c *fakeClient) CallTool(ctx context.Context, toolName string, input json.RawMessage, timeout *float64) ([]models.ToolResultPart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCalls = append(c.toolCalls, toolName)
	return []models.ToolResultPart{models.JSONPart(map[string]any{"success": true})}, nil
}

func (c *fakeClient) ReadFiles(ctx context.Context, paths []string) (map[string]*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readPaths = append(c.readPaths, paths)
	out := make(map[string]*string, len(paths))
	for _, path := range paths {
		contents := "contents of " + path
		out[path] = &contents
	}
	return out, nil
}

func (c *fakeClient) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.toolCalls) + len(c.readPaths)
}

// scriptedStepper replays a fixed yield sequence and records inputs.
type scriptedStepper struct {
	yields []models.StepYield
	inputs []models.StepInput
	err    error
}

func (s *scriptedStepper) Step(input models.StepInput) (models.StepYield, bool, error) {
	if s.err != nil {
		return models.StepYield{}, false, s.err
	}
	s.inputs = append(s.inputs, input)
	if len(s.inputs) > len(s.yields) {
		return models.StepYield{}, true, nil
	}
	return s.yields[len(s.inputs)-1], false, nil
}

func (s *scriptedStepper) Close() {}

func yieldCall(name, input string) models.StepYield {
	return models.StepYield{ToolCall: &models.ToolCall{
		ToolName: name,
		Input:    json.RawMessage(input),
	}}
}

func yieldControl(control models.StepControl) models.StepYield {
	return models.StepYield{Control: control}
}

func envelope(body string) string {
	return tools.ToolCallOpenTag + "\n" + body + "\n" + tools.ToolCallCloseTag
}

type fixture struct {
	provider *llm.ScriptedProvider
	client   *fakeClient
	sched    *Scheduler
	state    *models.AgentState
	chunks   []models.StreamChunk
}

func newFixture(t *testing.T, turns ...[]streamparser.Chunk) *fixture {
	t.Helper()
	f := &fixture{
		provider: llm.NewScriptedProvider(turns...),
		client:   &fakeClient{},
		state:    &models.AgentState{AgentID: "agent-1", RunID: "run-1", StepsRemaining: 10},
	}
	registry := tools.NewRegistry()
	emit := func(chunk models.StreamChunk) { f.chunks = append(f.chunks, chunk) }
	exec := executor.New(executor.Config{
		Registry: registry,
		Client:   f.client,
		Emit:     emit,
	})
	f.sched = New(Config{
		Provider: f.provider,
		Registry: registry,
		Executor: exec,
		Emit:     emit,
	})
	return f
}

func roleCounts(history []models.Message) (assistant, tool, user int) {
	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			assistant++
		case models.RoleTool:
			tool++
		case models.RoleUser:
			user++
		}
	}
	return
}

func TestScheduler_StepHandshake(t *testing.T) {
	f := newFixture(t,
		llm.TextTurn("done looking "+envelope(`{"cb_tool_name":"end_turn"}`)),
	)
	stepper := &scriptedStepper{yields: []models.StepYield{
		yieldCall(tools.ReadFiles, `{"paths":["a.go"]}`),
		yieldControl(models.ControlStep),
		yieldCall(tools.WriteFile, `{"path":"a.go","content":"package a\n"}`),
		yieldCall(tools.EndTurn, `{}`),
	}}

	result, err := f.sched.Run(context.Background(), RunParams{
		State:   f.state,
		Stepper: stepper,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.EndTurn {
		t.Error("expected an explicit end of turn")
	}
	if f.provider.Turns() != 1 {
		t.Fatalf("llm turns = %d, want 1", f.provider.Turns())
	}

	// read_files before the model turn, write_file after it.
	if len(f.client.readPaths) != 1 || f.client.readPaths[0][0] != "a.go" {
		t.Fatalf("readPaths = %v", f.client.readPaths)
	}
	if len(f.client.toolCalls) != 1 || f.client.toolCalls[0] != tools.WriteFile {
		t.Fatalf("client tool calls = %v", f.client.toolCalls)
	}

	// The yield after STEP resumes with stepsComplete = true exactly
	// once; the generator saw its read_files result first.
	if len(stepper.inputs) != 4 {
		t.Fatalf("stepper inputs = %d, want 4", len(stepper.inputs))
	}
	if stepper.inputs[1].ToolResult == nil || stepper.inputs[1].ToolResult.ToolName != tools.ReadFiles {
		t.Errorf("input 1 tool result = %+v", stepper.inputs[1].ToolResult)
	}
	if !stepper.inputs[2].StepsComplete {
		t.Error("generator must resume with stepsComplete after the model turn")
	}
	if stepper.inputs[1].StepsComplete {
		t.Error("stepsComplete must be false before any model turn completed")
	}
}

func TestScheduler_StepAllWaitsForCompletedStep(t *testing.T) {
	f := newFixture(t,
		llm.TextTurn("checking "+envelope(`{"cb_tool_name":"read_files","paths":["b.go"]}`)),
		llm.TextTurn("all done"),
	)
	stepper := &scriptedStepper{yields: []models.StepYield{
		yieldControl(models.ControlStepAll),
		yieldCall(tools.EndTurn, `{}`),
	}}

	if _, err := f.sched.Run(context.Background(), RunParams{State: f.state, Stepper: stepper}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Turn 1 ran a tool, so the generator stays parked; only turn 2's
	// clean finish resumes it.
	if f.provider.Turns() != 2 {
		t.Fatalf("llm turns = %d, want 2", f.provider.Turns())
	}
	if len(stepper.inputs) != 2 {
		t.Fatalf("stepper inputs = %d, want 2", len(stepper.inputs))
	}
	if !stepper.inputs[1].StepsComplete {
		t.Error("resume after STEP_ALL requires a completed step")
	}
}

func TestScheduler_OutputSchemaRetry(t *testing.T) {
	f := newFixture(t,
		llm.TextTurn(envelope(`{"cb_tool_name":"end_turn"}`)),
		// Both calls in one chunk so end_turn lands in the same step.
		llm.TextTurn(envelope(`{"cb_tool_name":"set_output","result":"ok"}`)+envelope(`{"cb_tool_name":"end_turn"}`)),
	)
	template := &models.AgentTemplate{
		ID:           "reviewer",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"result":{"type":"string"}},"required":["result"]}`),
	}

	result, err := f.sched.Run(context.Background(), RunParams{State: f.state, Template: template})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.provider.Turns() != 2 {
		t.Fatalf("llm turns = %d, want 2", f.provider.Turns())
	}
	if result.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", result.Restarts)
	}
	if got := f.state.Output["result"]; got != "ok" {
		t.Fatalf("output result = %v, want ok", got)
	}

	reminded := false
	for _, msg := range f.state.MessageHistory {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, "set_output") && strings.Contains(msg.Content, "system_reminder") {
			reminded = true
		}
	}
	if !reminded {
		t.Error("missing system-reminder user message referencing set_output")
	}
}

func TestScheduler_OutputRestartCapEscalatesAfterThree(t *testing.T) {
	noOutput := llm.TextTurn(envelope(`{"cb_tool_name":"end_turn"}`))
	f := newFixture(t, noOutput, noOutput, noOutput, noOutput)
	template := &models.AgentTemplate{
		ID:           "reviewer",
		OutputSchema: json.RawMessage(`{"type":"object","required":["result"]}`),
	}

	_, err := f.sched.Run(context.Background(), RunParams{State: f.state, Template: template})
	if err == nil || !strings.Contains(err.Error(), "produced no structured output") {
		t.Fatalf("err = %v", err)
	}

	// Three full reminder-and-retry rounds before giving up.
	if f.provider.Turns() != 4 {
		t.Fatalf("llm turns = %d, want 4", f.provider.Turns())
	}
	reminders := 0
	for _, msg := range f.state.MessageHistory {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, "system_reminder") {
			reminders++
		}
	}
	if reminders != 3 {
		t.Errorf("reminders = %d, want 3", reminders)
	}
}

func TestScheduler_SetMessagesAppliesAfterTranscript(t *testing.T) {
	f := newFixture(t,
		llm.TextTurn("compacting "+envelope(`{"cb_tool_name":"set_messages","messages":[{"role":"user","content":"fresh start"}]}`)),
		llm.TextTurn(envelope(`{"cb_tool_name":"end_turn"}`)),
	)

	if _, err := f.sched.Run(context.Background(), RunParams{State: f.state}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The rewrite must land strictly after the turn's transcript was
	// recorded: the replacement survives, the transcript does not, and
	// only the next turn's assistant message follows it.
	history := f.state.MessageHistory
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != models.RoleUser || history[0].Content != "fresh start" {
		t.Fatalf("first message = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || !strings.Contains(history[1].Content, "end_turn") {
		t.Fatalf("second message = %+v", history[1])
	}
}

func TestScheduler_MalformedCallStillEndsRun(t *testing.T) {
	f := newFixture(t, llm.TextTurn(
		"<codebuff_tool_call>\n{ \"cb_tool_name\":\"read_files\", invalid }\n</codebuff_tool_call>",
		envelope(`{"cb_tool_name":"end_turn"}`),
	))

	if _, err := f.sched.Run(context.Background(), RunParams{State: f.state}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.client.requests() != 0 {
		t.Error("malformed call must not reach the client")
	}

	found := false
	for _, msg := range f.state.MessageHistory {
		if msg.Role != models.RoleTool || msg.ToolResult == nil {
			continue
		}
		for _, part := range msg.ToolResult.Output {
			if message, ok := part.ErrorMessage(); ok && strings.Contains(message, "Invalid JSON") {
				found = true
			}
		}
	}
	if !found {
		t.Error("missing Invalid JSON error result in history")
	}
}

func TestScheduler_StepExhaustionStopsLLMTurns(t *testing.T) {
	keepGoing := llm.TextTurn(envelope(`{"cb_tool_name":"read_files","paths":["c.go"]}`))
	f := newFixture(t, keepGoing, keepGoing, keepGoing)
	f.state.StepsRemaining = 2

	result, err := f.sched.Run(context.Background(), RunParams{State: f.state})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.provider.Turns() != 2 {
		t.Fatalf("llm turns = %d, want 2", f.provider.Turns())
	}
	if result.EndTurn {
		t.Error("exhaustion is not an explicit end_turn")
	}
	if f.state.StepsRemaining != 0 {
		t.Errorf("stepsRemaining = %d, want 0", f.state.StepsRemaining)
	}
}

func TestScheduler_GeneratorErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	stepper := &scriptedStepper{err: errors.New("boom")}

	_, err := f.sched.Run(context.Background(), RunParams{State: f.state, Stepper: stepper})
	if !errors.Is(err, ErrHandleSteps) {
		t.Fatalf("err = %v, want ErrHandleSteps", err)
	}
	if !strings.Contains(err.Error(), "Error executing handleSteps for agent agent-1") {
		t.Errorf("err = %v", err)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	f := newFixture(t, llm.TextTurn("never consumed"))

	_, err := f.sched.Run(context.Background(), RunParams{
		State:     f.state,
		Cancelled: func() bool { return true },
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if f.provider.Turns() != 0 {
		t.Errorf("llm turns = %d, want 0", f.provider.Turns())
	}
}

func TestScheduler_HistoryOrdering(t *testing.T) {
	f := newFixture(t, llm.TextTurn(
		"reading ",
		envelope(`{"cb_tool_name":"read_files","paths":["d.go"]}`),
	), llm.TextTurn("finished"))

	if _, err := f.sched.Run(context.Background(), RunParams{State: f.state}); err != nil {
		t.Fatalf("run: %v", err)
	}

	history := f.state.MessageHistory
	assistant, tool, _ := roleCounts(history)
	if assistant != 2 || tool != 1 {
		t.Fatalf("history roles: assistant=%d tool=%d (%+v)", assistant, tool, history)
	}
	// One assistant message per model turn, the rendered call embedded,
	// and the tool result strictly after it.
	if history[0].Role != models.RoleAssistant || !strings.Contains(history[0].Content, tools.ToolCallOpenTag) {
		t.Fatalf("first message = %+v", history[0])
	}
	if history[1].Role != models.RoleTool || history[1].ToolResult.ToolName != tools.ReadFiles {
		t.Fatalf("second message = %+v", history[1])
	}
}
