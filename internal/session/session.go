// Package session prepares the client-supplied SessionState for a run.
// The blob is opaque storage owned by the client; the server deep-clones
// it on entry, enforces its own invariants, applies per-prompt
// overrides, and hands the mutated clone back when the run finishes.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// DefaultMaxSteps is the main agent's step budget when the client does
// not override it.
const DefaultMaxSteps = 40

// Overrides are client-supplied per-prompt adjustments to the session.
type Overrides struct {
	AgentTemplates map[string]models.AgentTemplate
	CustomTools    map[string]models.CustomToolDefinition
	ProjectFiles   map[string]string
	KnowledgeFiles map[string]string

	// MaxAgentSteps sets the main agent's stepsRemaining only.
	MaxAgentSteps int
}

// Prepare deep-clones the incoming state and applies the
// server-authoritative invariants: cost counters zeroed, a fresh runId
// for the main agent, overrides merged, and the file tree recomputed
// when project files changed.
func Prepare(incoming *models.SessionState, overrides Overrides) (*models.SessionState, error) {
	if incoming == nil {
		incoming = &models.SessionState{}
	}
	state, err := clone(incoming)
	if err != nil {
		return nil, fmt.Errorf("session state is not round-trippable: %w", err)
	}

	main := &state.MainAgentState
	main.CreditsUsed = 0
	main.DirectCreditsUsed = 0
	main.RunID = uuid.NewString()
	if main.AgentID == "" {
		main.AgentID = uuid.NewString()
	}

	if len(overrides.AgentTemplates) > 0 {
		if state.AgentTemplates == nil {
			state.AgentTemplates = make(map[string]models.AgentTemplate, len(overrides.AgentTemplates))
		}
		for id, template := range overrides.AgentTemplates {
			template.ID = id
			state.AgentTemplates[id] = template
		}
	}
	if len(overrides.CustomTools) > 0 {
		if state.CustomToolDefinitions == nil {
			state.CustomToolDefinitions = make(map[string]models.CustomToolDefinition, len(overrides.CustomTools))
		}
		for name, tool := range overrides.CustomTools {
			tool.Name = name
			state.CustomToolDefinitions[name] = tool
		}
	}
	if len(overrides.KnowledgeFiles) > 0 {
		if state.KnowledgeFiles == nil {
			state.KnowledgeFiles = make(map[string]string, len(overrides.KnowledgeFiles))
		}
		for path, contents := range overrides.KnowledgeFiles {
			state.KnowledgeFiles[path] = contents
		}
	}

	if overrides.ProjectFiles != nil {
		state.FileContext.Files = overrides.ProjectFiles
		state.FileContext.FileTree = BuildFileTree(overrides.ProjectFiles)
		state.FileContext.FileTokenScores = scoreFiles(overrides.ProjectFiles)
	}

	switch {
	case overrides.MaxAgentSteps > 0:
		main.StepsRemaining = overrides.MaxAgentSteps
	case main.StepsRemaining <= 0:
		main.StepsRemaining = DefaultMaxSteps
	}

	return state, nil
}

// clone round-trips through JSON so no slices or maps are shared with
// the caller's copy.
func clone(state *models.SessionState) (*models.SessionState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out := &models.SessionState{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BuildFileTree renders the project paths as an indented tree, two
// spaces per level, directories suffixed with a slash.
func BuildFileTree(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	printed := make(map[string]bool)
	for _, path := range paths {
		parts := strings.Split(path, "/")
		for depth, part := range parts {
			prefix := strings.Join(parts[:depth+1], "/")
			if printed[prefix] {
				continue
			}
			printed[prefix] = true
			b.WriteString(strings.Repeat("  ", depth))
			if depth < len(parts)-1 {
				b.WriteString(part + "/\n")
			} else {
				b.WriteString(part + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// scoreFiles assigns each file a share of the total content volume, a
// cheap relevance prior used by prompt assembly.
func scoreFiles(files map[string]string) map[string]float64 {
	if len(files) == 0 {
		return nil
	}
	total := 0
	for _, contents := range files {
		total += len(contents)
	}
	scores := make(map[string]float64, len(files))
	if total == 0 {
		for path := range files {
			scores[path] = 0
		}
		return scores
	}
	for path, contents := range files {
		scores[path] = float64(len(contents)) / float64(total)
	}
	return scores
}
