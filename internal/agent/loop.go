// Package agent runs one agent instance to completion: it assembles
// prompts from the template, hands control to the step scheduler, and
// shapes the terminal AgentOutput from the template's output mode.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/sandbox"
	"github.com/codebuff/agent-runtime/internal/scheduler"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// CancelledMessage is the error output message for user cancellation.
const CancelledMessage = "Run cancelled by user"

// Config assembles a Loop shared across runs.
type Config struct {
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Sandboxes *sandbox.Manager

	// Classifier resolves ambiguous direct-command inputs; optional.
	Classifier CommandClassifier

	Emit   func(models.StreamChunk)
	Logger *slog.Logger

	// SandboxLog forwards generator logger output, keyed by agent id,
	// for handlesteps-log-chunk frames.
	SandboxLog func(agentID, level, text string)
}

// Loop drives single agent runs. Stateless across runs.
type Loop struct {
	cfg Config
}

// NewLoop creates an agent loop.
func NewLoop(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emit == nil {
		cfg.Emit = func(models.StreamChunk) {}
	}
	return &Loop{cfg: cfg}
}

// RunArgs describes one agent run.
type RunArgs struct {
	Session  *models.SessionState
	State    *models.AgentState
	Template *models.AgentTemplate

	// Prompt is the user input (main agent) or the spawner's prompt
	// (child agent); Params carries spawn parameters for children.
	Prompt string
	Params map[string]any

	// IsMain marks the top-level agent of a prompt run.
	IsMain bool

	// ParentSystemPrompt is consumed when the template sets
	// inheritParentSystemPrompt.
	ParentSystemPrompt string

	Cancelled func() bool
}

// Run executes the agent to completion and always returns a terminal
// output; failures become error-typed outputs, never panics or nil.
func (l *Loop) Run(ctx context.Context, args RunArgs) *models.AgentOutput {
	state := args.State
	boundary := len(state.MessageHistory)

	l.cfg.Emit(models.StreamChunk{
		Type:                 models.ChunkStart,
		AgentID:              state.AgentID,
		MessageHistoryLength: boundary,
	})

	if args.IsMain {
		if output, handled := l.tryDirectCommand(ctx, args); handled {
			return output
		}
	}

	seedHistory(args)

	stepper, err := l.buildStepper(args)
	if err != nil {
		return models.ErrorOutput("Error executing handleSteps for agent " + state.AgentID + ": " + err.Error())
	}
	if stepper != nil {
		defer stepper.Close()
	}
	if l.cfg.Sandboxes != nil {
		defer l.cfg.Sandboxes.Remove(state.RunID)
	}

	system := systemPrompt(args)
	model := ""
	if args.Template != nil {
		model = args.Template.Model
	}

	_, err = l.cfg.Scheduler.Run(ctx, scheduler.RunParams{
		State:      state,
		Template:   args.Template,
		System:     system,
		Model:      model,
		Stepper:    stepper,
		BeforeTurn: func() { refreshStepPrompt(args) },
		Cancelled:  args.Cancelled,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrCancelled) {
			// A prior structured output survives cancellation.
			if state.Output == nil {
				return models.ErrorOutput(CancelledMessage)
			}
		} else {
			l.cfg.Logger.Error("agent run failed",
				"agent_id", state.AgentID, "run_id", state.RunID, "error", err)
			return models.ErrorOutput(err.Error())
		}
	}

	return buildOutput(args.Template, state, boundary)
}

// buildStepper creates the programmatic generator declared by the
// template: a trusted in-process factory wins over sandboxed source.
func (l *Loop) buildStepper(args RunArgs) (models.Stepper, error) {
	tmpl := args.Template
	if tmpl == nil {
		return nil, nil
	}
	stepperArgs := models.StepperArgs{
		AgentState: args.State.Public(),
		Prompt:     args.Prompt,
		Params:     args.Params,
		Logger:     l.cfg.Logger,
	}
	if tmpl.HandleStepsFunc != nil {
		return tmpl.HandleStepsFunc(stepperArgs), nil
	}
	if tmpl.HandleSteps == "" {
		return nil, nil
	}
	if l.cfg.Sandboxes == nil {
		return nil, errors.New("sandboxed handleSteps are not enabled")
	}
	sink := func(level, text string) {
		if l.cfg.SandboxLog != nil {
			l.cfg.SandboxLog(args.State.AgentID, level, text)
		}
	}
	return l.cfg.Sandboxes.GetOrCreate(args.State.RunID, tmpl.HandleSteps, stepperArgs, sink)
}

// buildOutput shapes the terminal output from the template's declared
// output mode. last_message is the default.
func buildOutput(tmpl *models.AgentTemplate, state *models.AgentState, boundary int) *models.AgentOutput {
	mode := models.OutputLastMessage
	if tmpl != nil && tmpl.OutputMode != "" {
		mode = tmpl.OutputMode
	}

	switch mode {
	case models.OutputStructuredOutput:
		if state.Output == nil {
			return models.ErrorOutput("agent " + state.AgentID + " produced no structured output")
		}
		return &models.AgentOutput{Type: models.OutputTypeStructured, Value: state.Output}

	case models.OutputAllMessages:
		if boundary > len(state.MessageHistory) {
			boundary = len(state.MessageHistory)
		}
		messages := make([]models.Message, len(state.MessageHistory)-boundary)
		copy(messages, state.MessageHistory[boundary:])
		return &models.AgentOutput{Type: models.OutputTypeAllMessages, Messages: messages}

	default:
		for i := len(state.MessageHistory) - 1; i >= 0; i-- {
			msg := state.MessageHistory[i]
			if msg.Role == models.RoleAssistant && msg.Content != "" {
				return &models.AgentOutput{Type: models.OutputTypeLastMessage, Text: msg.Content}
			}
		}
		return &models.AgentOutput{Type: models.OutputTypeLastMessage}
	}
}
