package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/internal/tools/security"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// ClassifierTimeout bounds the ambiguous-input classifier call.
const ClassifierTimeout = 30 * time.Second

// CommandClassifier decides whether an ambiguous input is a shell
// command. Implementations typically wrap a low-cost model.
type CommandClassifier interface {
	IsCommand(ctx context.Context, input string) (bool, error)
}

// Inputs starting with these tokens run directly without the model.
var directPrefixes = map[string]bool{
	"git": true, "npm": true, "pnpm": true, "ls": true, "cat": true,
	"cd": true, "pwd": true, "node": true, "python": true, "go": true,
	"make": true,
}

// Inputs starting with these tokens never take the direct path.
var directBlacklist = map[string]bool{
	"halt": true, "reboot": true, "shutdown": true, "yes": true,
}

var commandTokenPattern = regexp.MustCompile(`^[a-z0-9._/-]+$`)

type directVerdict int

const (
	verdictNo directVerdict = iota
	verdictYes
	verdictAmbiguous
)

// classifyDirect applies the heuristics and returns the shell command
// to run when the input takes the direct path.
func classifyDirect(input string) (string, directVerdict) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", verdictNo
	}
	if rest, ok := strings.CutPrefix(trimmed, "!"); ok {
		return strings.TrimSpace(rest), verdictYes
	}
	if rest, ok := strings.CutPrefix(trimmed, "/run "); ok {
		return strings.TrimSpace(rest), verdictYes
	}
	if strings.ContainsAny(trimmed, "\n") {
		return "", verdictNo
	}

	first := strings.ToLower(strings.Fields(trimmed)[0])
	switch {
	case directBlacklist[first]:
		return "", verdictNo
	case directPrefixes[first]:
		return trimmed, verdictYes
	}

	// Short, single-line, command-shaped input is worth a classifier
	// opinion; anything longer is prose. Chained or redirected input
	// never takes the ambiguous path: the model decides.
	if len(trimmed) <= 120 && len(strings.Fields(trimmed)) <= 3 &&
		commandTokenPattern.MatchString(first) && security.IsPlainCommand(trimmed) {
		return trimmed, verdictAmbiguous
	}
	return "", verdictNo
}

// tryDirectCommand short-circuits raw shell input before the first LLM
// turn of the main agent. It reports handled = false to fall through to
// normal processing.
func (l *Loop) tryDirectCommand(ctx context.Context, args RunArgs) (*models.AgentOutput, bool) {
	command, verdict := classifyDirect(args.Prompt)
	switch verdict {
	case verdictNo:
		return nil, false
	case verdictAmbiguous:
		if l.cfg.Classifier == nil {
			return nil, false
		}
		classifyCtx, cancel := context.WithTimeout(ctx, ClassifierTimeout)
		isCommand, err := l.cfg.Classifier.IsCommand(classifyCtx, args.Prompt)
		cancel()
		if err != nil || !isCommand {
			return nil, false
		}
	}

	state := args.State
	state.MessageHistory = append(state.MessageHistory, models.Message{
		Role:                 models.RoleUser,
		Content:              args.Prompt,
		KeepDuringTruncation: true,
	})

	input, err := json.Marshal(tools.RunTerminalCommandInput{Command: command})
	if err != nil {
		return nil, false
	}
	inv := l.cfg.Executor.Dispatch(ctx, executor.Request{
		Call: &models.ToolCall{
			ToolCallID: uuid.NewString(),
			ToolName:   tools.RunTerminalCommand,
			Input:      input,
			AgentID:    state.AgentID,
		},
		State:            state,
		Template:         args.Template,
		FromProgrammatic: true,
	})
	if err := inv.Wait(ctx); err != nil {
		return models.ErrorOutput(err.Error()), true
	}

	// The command's output is the turn's answer; record it as the
	// closing assistant message so every output mode embeds it.
	if text := commandResultText(inv.Result); text != "" {
		state.MessageHistory = append(state.MessageHistory, models.Message{
			Role:    models.RoleAssistant,
			Content: text,
		})
	}
	return buildOutput(args.Template, state, 0), true
}

// commandResultText flattens a run_terminal_command result into plain
// text: stdout plus a nonzero exit code marker, or the error message.
func commandResultText(result *models.ToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range result.Output {
		if part.Type == models.PartText {
			b.WriteString(part.Text)
			continue
		}
		var fields struct {
			Stdout       *string `json:"stdout"`
			Stderr       *string `json:"stderr"`
			ErrorMessage *string `json:"errorMessage"`
			Message      *string `json:"message"`
			ExitCode     *int    `json:"exitCode"`
		}
		if err := json.Unmarshal(part.Value, &fields); err != nil {
			b.Write(part.Value)
			continue
		}
		switch {
		case fields.ErrorMessage != nil:
			b.WriteString(*fields.ErrorMessage)
		case fields.Stdout != nil || fields.Stderr != nil || fields.ExitCode != nil:
			if fields.Stdout != nil {
				b.WriteString(*fields.Stdout)
			}
			if fields.Stderr != nil && *fields.Stderr != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(*fields.Stderr)
			}
			if fields.ExitCode != nil && *fields.ExitCode != 0 {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "command exited with code %d", *fields.ExitCode)
			}
		case fields.Message != nil:
			b.WriteString(*fields.Message)
		default:
			b.Write(part.Value)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
