// Package orchestrator spawns and supervises child agents for the
// spawn_agents and spawn_agent_inline tools. Children run as sibling
// tasks of their parent; the parent's tool result is not finalized
// until every child reaches a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codebuff/agent-runtime/internal/agent"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// DefaultChildSteps is the step budget given to spawned children.
const DefaultChildSteps = 20

// Config assembles a Runtime for one prompt run.
type Config struct {
	Loop    *agent.Loop
	Session *models.SessionState

	Emit      func(models.StreamChunk)
	Cancelled func() bool
	Logger    *slog.Logger

	// ChildSteps overrides the per-child step budget.
	ChildSteps int
}

// Runtime orchestrates one agent tree rooted at the main agent. It
// implements executor.Spawner.
type Runtime struct {
	cfg Config

	mu      sync.Mutex
	parents map[string]string
}

// New creates an orchestrator for one run.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emit == nil {
		cfg.Emit = func(models.StreamChunk) {}
	}
	if cfg.ChildSteps <= 0 {
		cfg.ChildSteps = DefaultChildSteps
	}
	return &Runtime{
		cfg:     cfg,
		parents: make(map[string]string),
	}
}

// Parent resolves an agent id to its parent agent id; empty for the
// main agent and unknown ids.
func (r *Runtime) Parent(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parents[agentID]
}

// RunMain executes the session's main agent to completion and closes
// its stream with a finish chunk carrying the run's total cost.
func (r *Runtime) RunMain(ctx context.Context, prompt string, params map[string]any) *models.AgentOutput {
	state := &r.cfg.Session.MainAgentState
	output := r.cfg.Loop.Run(ctx, agent.RunArgs{
		Session:   r.cfg.Session,
		State:     state,
		Template:  r.template(state.AgentType),
		Prompt:    prompt,
		Params:    params,
		IsMain:    true,
		Cancelled: r.cfg.Cancelled,
	})
	r.cfg.Emit(models.StreamChunk{
		Type:      models.ChunkFinish,
		AgentID:   state.AgentID,
		TotalCost: state.CreditsUsed + state.DirectCreditsUsed,
	})
	return output
}

// SpawnAgents runs the requested children concurrently and returns one
// result part per child, in input order, once all have finished.
func (r *Runtime) SpawnAgents(ctx context.Context, parent *models.AgentState, input *tools.SpawnAgentsInput) ([]models.ToolResultPart, error) {
	if len(input.Agents) == 0 {
		return []models.ToolResultPart{models.ErrorPart("spawn_agents: no agents requested")}, nil
	}

	parts := make([]models.ToolResultPart, len(input.Agents))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, spec := range input.Agents {
		group.Go(func() error {
			parts[i] = r.spawnChild(groupCtx, parent, spec)
			return nil
		})
	}
	// Children never return errors; failures are error parts.
	_ = group.Wait()
	return parts, nil
}

// SpawnAgentInline runs one child stitched into the parent's visible
// stream: the child runs under the parent's agent id, continues from a
// copy of the parent's history, and everything it appends is merged
// back so the parent's next turn reads as one continuous transcript.
// No subagent_start/finish markers are emitted.
func (r *Runtime) SpawnAgentInline(ctx context.Context, parent *models.AgentState, spec *tools.SpawnSpec) ([]models.ToolResultPart, error) {
	template, err := r.resolveChild(parent, spec.AgentType)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart(err.Error())}, nil
	}

	child := &models.AgentState{
		AgentID:        parent.AgentID,
		RunID:          uuid.NewString(),
		AgentType:      spec.AgentType,
		ParentID:       parent.AgentID,
		StepsRemaining: r.cfg.ChildSteps,
		MessageHistory: slices.Clone(parent.MessageHistory),
	}
	boundary := len(child.MessageHistory)

	r.mu.Lock()
	parent.ChildRunIDs = append(parent.ChildRunIDs, child.RunID)
	r.mu.Unlock()

	output := r.cfg.Loop.Run(ctx, agent.RunArgs{
		Session:            r.cfg.Session,
		State:              child,
		Template:           template,
		Prompt:             childPrompt(template, parent, *spec),
		Params:             spec.Params,
		ParentSystemPrompt: r.parentSystem(parent),
		Cancelled:          r.cfg.Cancelled,
	})

	// The spawn handler runs on the goroutine that owns the parent's
	// state, so the merge cannot race the parent's own appends.
	parent.MessageHistory = append(parent.MessageHistory, child.MessageHistory[boundary:]...)

	if output.Type == models.OutputTypeError {
		return []models.ToolResultPart{models.ErrorPart(output.Message)}, nil
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"agentType": child.AgentType,
		"output":    output,
	})}, nil
}

// spawnChild runs one child agent to completion and shapes its output
// into a result part. Every failure path yields an error part; the
// parent proceeds regardless.
func (r *Runtime) spawnChild(ctx context.Context, parent *models.AgentState, spec tools.SpawnSpec) models.ToolResultPart {
	template, err := r.resolveChild(parent, spec.AgentType)
	if err != nil {
		return models.ErrorPart(err.Error())
	}

	child := &models.AgentState{
		AgentID:        uuid.NewString(),
		RunID:          uuid.NewString(),
		AgentType:      spec.AgentType,
		ParentID:       parent.AgentID,
		StepsRemaining: r.cfg.ChildSteps,
	}
	if template.IncludeMessageHistory {
		child.MessageHistory = slices.Clone(parent.MessageHistory)
	}

	r.mu.Lock()
	r.parents[child.AgentID] = parent.AgentID
	parent.ChildRunIDs = append(parent.ChildRunIDs, child.RunID)
	r.mu.Unlock()

	r.cfg.Emit(models.StreamChunk{
		Type:          models.ChunkSubagentStart,
		AgentID:       child.AgentID,
		AgentType:     child.AgentType,
		ParentAgentID: parent.AgentID,
	})

	output := r.cfg.Loop.Run(ctx, agent.RunArgs{
		Session:            r.cfg.Session,
		State:              child,
		Template:           template,
		Prompt:             childPrompt(template, parent, spec),
		Params:             spec.Params,
		ParentSystemPrompt: r.parentSystem(parent),
		Cancelled:          r.cfg.Cancelled,
	})

	r.cfg.Emit(models.StreamChunk{
		Type:          models.ChunkFinish,
		AgentID:       child.AgentID,
		ParentAgentID: parent.AgentID,
		TotalCost:     child.CreditsUsed + child.DirectCreditsUsed,
	})
	r.cfg.Emit(models.StreamChunk{
		Type:          models.ChunkSubagentFinish,
		AgentID:       child.AgentID,
		ParentAgentID: parent.AgentID,
	})

	if output.Type == models.OutputTypeError {
		return models.ErrorPart(output.Message)
	}
	return models.JSONPart(map[string]any{
		"agentId":   child.AgentID,
		"agentType": child.AgentType,
		"output":    output,
	})
}

// childPrompt combines the spawner's prompt with any per-parent
// guidance the child template declares.
func childPrompt(template *models.AgentTemplate, parent *models.AgentState, spec tools.SpawnSpec) string {
	prompt := spec.Prompt
	if guidance, ok := template.ParentInstructions[parent.AgentType]; ok && guidance != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += guidance
	}
	return prompt
}

func (r *Runtime) parentSystem(parent *models.AgentState) string {
	if parentTemplate := r.template(parent.AgentType); parentTemplate != nil {
		return parentTemplate.SystemPrompt
	}
	return ""
}

// resolveChild finds the child template and enforces the parent's
// spawnableAgents allowlist.
func (r *Runtime) resolveChild(parent *models.AgentState, agentType string) (*models.AgentTemplate, error) {
	template := r.template(agentType)
	if template == nil {
		return nil, fmt.Errorf("agent type %q is not registered in this session", agentType)
	}
	if parentTemplate := r.template(parent.AgentType); parentTemplate != nil && len(parentTemplate.SpawnableAgents) > 0 {
		if !slices.Contains(parentTemplate.SpawnableAgents, agentType) {
			return nil, fmt.Errorf("agent %q may not spawn %q; allowed: %s",
				parent.AgentType, agentType, strings.Join(parentTemplate.SpawnableAgents, ", "))
		}
	}
	return template, nil
}

func (r *Runtime) template(id string) *models.AgentTemplate {
	if r.cfg.Session == nil || id == "" {
		return nil
	}
	if template, ok := r.cfg.Session.AgentTemplates[id]; ok {
		return &template
	}
	return nil
}
