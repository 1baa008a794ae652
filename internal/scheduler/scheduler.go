// Package scheduler interleaves a handleSteps generator with LLM turns
// for one agent run. The run is a single-threaded cooperative task: a
// programmatic step executes yielded tool calls synchronously, an LLM
// step streams one model turn through the parser and executor, and the
// STEP / STEP_ALL controls decide who goes next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/llm"
	"github.com/codebuff/agent-runtime/internal/streamparser"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// MaxOutputRestarts bounds the output-schema retry loop.
const MaxOutputRestarts = 3

// ErrHandleSteps wraps generator failures; they end the run with an
// error output and never corrupt other runs.
var ErrHandleSteps = errors.New("handleSteps failed")

// stepperFailure carries the user-facing generator error message while
// still matching ErrHandleSteps.
type stepperFailure struct {
	agentID string
	cause   error
}

func (e *stepperFailure) Error() string {
	return fmt.Sprintf("Error executing handleSteps for agent %s: %v", e.agentID, e.cause)
}

func (e *stepperFailure) Unwrap() error { return ErrHandleSteps }

// ErrCancelled marks cooperative cancellation of the run.
var ErrCancelled = errors.New("run cancelled")

// Config assembles a Scheduler shared across runs.
type Config struct {
	Provider llm.Provider
	Registry *tools.Registry
	Executor *executor.Executor
	Emit     func(models.StreamChunk)
	Logger   *slog.Logger
}

// Scheduler drives the step loop. Stateless across runs; all per-run
// state lives in runState.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emit == nil {
		cfg.Emit = func(models.StreamChunk) {}
	}
	return &Scheduler{cfg: cfg}
}

// RunParams describes one agent run.
type RunParams struct {
	State    *models.AgentState
	Template *models.AgentTemplate

	System string
	Model  string

	// Stepper is the programmatic generator, nil when the template
	// has no handleSteps.
	Stepper models.Stepper

	// BeforeTurn refreshes the step prompt before each LLM turn.
	BeforeTurn func()

	// Cancelled reports cooperative cancellation beyond ctx; checked
	// between iterations and on every parser event.
	Cancelled func() bool
}

// Result summarizes a finished run loop.
type Result struct {
	LLMTurns int
	Restarts int
	EndTurn  bool
}

type runState struct {
	params RunParams

	stepAll     bool
	stepperDone bool
	lastResult  *models.ToolResult

	llmTurns int
}

type progOutcome struct {
	endTurn bool
}

// Run executes the step loop to completion. The returned error is nil
// for normal termination (including step exhaustion); generator
// failures, provider failures, and cancellation are errors.
func (s *Scheduler) Run(ctx context.Context, params RunParams) (*Result, error) {
	run := &runState{params: params}
	result := &Result{}

	for restarts := 0; ; restarts++ {
		endTurn, err := s.loop(ctx, run)
		result.LLMTurns = run.llmTurns
		result.EndTurn = endTurn
		result.Restarts = restarts
		if err != nil {
			return result, err
		}

		// A template that declares an output schema must produce an
		// output; remind the agent and force another iteration.
		tmpl := params.Template
		if tmpl == nil || len(tmpl.OutputSchema) == 0 || params.State.Output != nil {
			return result, nil
		}
		if params.State.StepsRemaining <= 0 {
			return result, nil
		}
		if restarts >= MaxOutputRestarts {
			return result, fmt.Errorf("agent %s produced no structured output after %d attempts", params.State.AgentID, MaxOutputRestarts)
		}
		params.State.MessageHistory = append(params.State.MessageHistory, models.Message{
			Role:    models.RoleUser,
			Content: "<system_reminder>You must call set_output with a value matching the output schema before ending your turn.</system_reminder>",
		})
	}
}

// loop is one pass of the outer iteration (§ the step model): a
// programmatic step, then at most one LLM turn, repeated until a
// producer ends the turn or steps run out.
func (s *Scheduler) loop(ctx context.Context, run *runState) (bool, error) {
	stepsComplete := false
	for {
		if err := s.checkCancel(ctx, run); err != nil {
			return false, err
		}

		prog, err := s.runProgrammaticStep(ctx, run, stepsComplete)
		if err != nil {
			return false, err
		}
		if prog.endTurn {
			return true, nil
		}

		// Without a generator, a completed model step ends the run.
		if run.generatorAbsent() && stepsComplete {
			return false, nil
		}

		if run.params.State.StepsRemaining <= 0 {
			return false, nil
		}
		run.params.State.StepsRemaining--

		shouldEndTurn, endTurnSeen, err := s.runLLMTurn(ctx, run)
		if err != nil {
			return false, err
		}
		if endTurnSeen && run.generatorAbsent() {
			return true, nil
		}
		stepsComplete = shouldEndTurn
	}
}

func (r *runState) generatorAbsent() bool {
	return r.params.Stepper == nil || r.stepperDone
}

// runProgrammaticStep advances the generator, executing each yielded
// tool call before fetching the next yield.
//
// STEP returns control for exactly one model turn; STEP_ALL arms a
// flag so the generator resumes only once the model completes a step
// on its own; yielding end_turn or returning ends the turn.
func (s *Scheduler) runProgrammaticStep(ctx context.Context, run *runState, stepsComplete bool) (progOutcome, error) {
	if run.generatorAbsent() {
		return progOutcome{}, nil
	}
	if run.stepAll {
		if !stepsComplete {
			return progOutcome{}, nil
		}
		run.stepAll = false
	}

	state := run.params.State
	for {
		if err := s.checkCancel(ctx, run); err != nil {
			return progOutcome{}, err
		}

		input := models.StepInput{
			ToolResult:    run.lastResult,
			AgentState:    state.Public(),
			StepsComplete: stepsComplete,
		}
		run.lastResult = nil

		yield, done, err := run.params.Stepper.Step(input)
		if err != nil {
			return progOutcome{}, &stepperFailure{agentID: state.AgentID, cause: err}
		}
		if done {
			run.stepperDone = true
			return progOutcome{endTurn: true}, nil
		}

		switch yield.Control {
		case models.ControlStep:
			return progOutcome{}, nil
		case models.ControlStepAll:
			run.stepAll = true
			return progOutcome{}, nil
		}

		if yield.ToolCall == nil {
			return progOutcome{}, &stepperFailure{
				agentID: state.AgentID,
				cause:   errors.New("generator yielded neither a tool call nor a control signal"),
			}
		}

		call := yield.ToolCall
		if call.ToolCallID == "" {
			call.ToolCallID = uuid.NewString()
		}
		call.AgentID = state.AgentID

		exclude := yield.IncludeToolCall != nil && !*yield.IncludeToolCall

		if err := s.cfg.Registry.ValidateInput(call.ToolName, call.Input); err != nil {
			run.lastResult = s.recordInvalidCall(state, call, err, true, exclude)
			continue
		}

		inv := s.cfg.Executor.Dispatch(ctx, executor.Request{
			Call:               call,
			State:              state,
			Template:           run.params.Template,
			FromProgrammatic:   true,
			ExcludeFromHistory: exclude,
		})
		if err := inv.Wait(ctx); err != nil {
			return progOutcome{}, err
		}
		run.lastResult = inv.Result

		if inv.EndTurn {
			return progOutcome{endTurn: true}, nil
		}
	}
}

// recordInvalidCall appends a validation-failure result without
// invoking any handler.
func (s *Scheduler) recordInvalidCall(state *models.AgentState, call *models.ToolCall, valErr error, fromProgrammatic, exclude bool) *models.ToolResult {
	result := &models.ToolResult{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Output:     []models.ToolResultPart{models.ErrorPart(valErr.Error())},
	}
	if fromProgrammatic && !exclude {
		state.MessageHistory = append(state.MessageHistory, models.Message{
			Role:    models.RoleAssistant,
			Content: tools.RenderCall(call),
		})
	}
	state.MessageHistory = append(state.MessageHistory, models.Message{
		Role:       models.RoleTool,
		ToolResult: result,
	})
	s.emit(state, models.StreamChunk{
		Type:       models.ChunkToolResult,
		AgentID:    state.AgentID,
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		Output:     result.Output,
	})
	return result
}

// runLLMTurn streams one model turn. Returns shouldEndTurn (the turn
// produced no tool activity, or an explicit end_turn) and whether
// end_turn itself was seen.
func (s *Scheduler) runLLMTurn(ctx context.Context, run *runState) (bool, bool, error) {
	state := run.params.State
	if run.params.BeforeTurn != nil {
		run.params.BeforeTurn()
	}
	run.llmTurns++

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	req := &llm.Request{
		Model:    run.params.Model,
		System:   run.params.System,
		Messages: state.MessageHistory,
	}
	stream, err := s.cfg.Provider.Stream(turnCtx, req)
	if err != nil {
		return false, false, fmt.Errorf("llm stream: %w", err)
	}

	parser := streamparser.New(s.cfg.Registry)

	// pending keeps per-call outcomes in parse order: a dispatched
	// invocation, or an immediate parse-error result.
	type pending struct {
		inv      *executor.Invocation
		toolName string
		errored  *models.ToolResult
	}

	var (
		transcript  strings.Builder
		pendings    []pending
		toolCalls   int
		toolResults int
		prevDone    <-chan struct{}
		endTurnSeen bool
		stopped     bool
		streamErr   error
	)

	handle := func(ev streamparser.Event) {
		switch ev.Kind {
		case streamparser.EventText:
			transcript.WriteString(ev.Text)
			s.emit(state, models.StreamChunk{Type: models.ChunkText, AgentID: state.AgentID, Text: ev.Text})
		case streamparser.EventReasoning:
			s.emit(state, models.StreamChunk{Type: models.ChunkReasoning, AgentID: state.AgentID, Text: ev.Text})
		case streamparser.EventToolCall:
			call := ev.ToolCall
			call.AgentID = state.AgentID
			toolCalls++
			transcript.WriteString(tools.RenderCall(call))
			if call.ToolName == tools.EndTurn {
				endTurnSeen = true
			}
			// Invocations run on the outer ctx: stopping the provider
			// stream must not cancel tools already started.
			inv := s.cfg.Executor.Dispatch(ctx, executor.Request{
				Call:     call,
				State:    state,
				Template: run.params.Template,
				Prev:     prevDone,
			})
			prevDone = inv.Done()
			pendings = append(pendings, pending{inv: inv, toolName: call.ToolName})
			if inv.EndsStep {
				stopped = true
			}
		case streamparser.EventToolCallError:
			result := &models.ToolResult{
				ToolCallID: uuid.NewString(),
				ToolName:   "unknown",
				Output:     []models.ToolResultPart{models.ErrorPart(ev.Reason)},
			}
			pendings = append(pendings, pending{errored: result})
			s.emit(state, models.StreamChunk{
				Type:       models.ChunkToolResult,
				AgentID:    state.AgentID,
				ToolCallID: result.ToolCallID,
				ToolName:   result.ToolName,
				Output:     result.Output,
			})
		case streamparser.EventStreamError:
			streamErr = errors.New(ev.Message)
		}
	}

consume:
	for chunk := range stream {
		if err := s.checkCancel(ctx, run); err != nil {
			cancelTurn()
			for range stream {
			}
			return false, false, err
		}
		for _, ev := range parser.Feed(chunk) {
			handle(ev)
			if streamErr != nil {
				break consume
			}
		}
		if stopped {
			// An endsStep tool stops this turn; release the provider
			// stream and ignore the tail.
			cancelTurn()
			for range stream {
			}
			break
		}
	}
	if !stopped && streamErr == nil {
		for _, ev := range parser.Finish() {
			handle(ev)
		}
	}

	if streamErr != nil {
		// Drain so the provider goroutine can exit.
		cancelTurn()
		for range stream {
		}
		return false, false, fmt.Errorf("llm stream: %w", streamErr)
	}

	// Append the turn transcript before any tool results so a call
	// always precedes its result in history.
	if transcript.Len() > 0 {
		state.MessageHistory = append(state.MessageHistory, models.Message{
			Role:    models.RoleAssistant,
			Content: transcript.String(),
		})
	}

	for _, p := range pendings {
		if p.errored != nil {
			state.MessageHistory = append(state.MessageHistory, models.Message{
				Role:       models.RoleTool,
				ToolResult: p.errored,
			})
			run.lastResult = p.errored
			toolResults++
			continue
		}
		if err := p.inv.Wait(ctx); err != nil {
			return false, false, err
		}
		result := p.inv.Result
		run.lastResult = result
		spec, _ := s.cfg.Registry.Resolve(p.toolName)
		if executor.RecordsInHistory(spec, result) {
			state.MessageHistory = append(state.MessageHistory, models.Message{
				Role:       models.RoleTool,
				ToolResult: result,
			})
			toolResults++
		}
	}

	shouldEndTurn := (toolCalls == 0 && toolResults == 0) || endTurnSeen
	return shouldEndTurn, endTurnSeen, nil
}

func (s *Scheduler) checkCancel(ctx context.Context, run *runState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if run.params.Cancelled != nil && run.params.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (s *Scheduler) emit(state *models.AgentState, chunk models.StreamChunk) {
	s.cfg.Emit(chunk)
}
