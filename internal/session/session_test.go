package session

import (
	"strings"
	"testing"

	"github.com/codebuff/agent-runtime/pkg/models"
)

func TestPrepare_ResetsCostCountersAndAssignsRun(t *testing.T) {
	incoming := &models.SessionState{
		MainAgentState: models.AgentState{
			AgentID:           "main",
			RunID:             "stale-run",
			CreditsUsed:       12.5,
			DirectCreditsUsed: 3,
			StepsRemaining:    7,
		},
	}

	state, err := Prepare(incoming, Overrides{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	main := state.MainAgentState
	if main.CreditsUsed != 0 || main.DirectCreditsUsed != 0 {
		t.Errorf("cost counters not reset: %+v", main)
	}
	if main.RunID == "" || main.RunID == "stale-run" {
		t.Errorf("runId not refreshed: %q", main.RunID)
	}
	if main.StepsRemaining != 7 {
		t.Errorf("stepsRemaining = %d, want 7", main.StepsRemaining)
	}
	// The caller's copy is untouched.
	if incoming.MainAgentState.CreditsUsed != 12.5 {
		t.Error("prepare mutated the caller's state")
	}
}

func TestPrepare_DeepClones(t *testing.T) {
	incoming := &models.SessionState{
		MainAgentState: models.AgentState{
			AgentID:        "main",
			MessageHistory: []models.Message{{Role: models.RoleUser, Content: "hello"}},
		},
		KnowledgeFiles: map[string]string{"k.md": "v1"},
	}

	state, err := Prepare(incoming, Overrides{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	state.MainAgentState.MessageHistory[0].Content = "mutated"
	state.KnowledgeFiles["k.md"] = "v2"

	if incoming.MainAgentState.MessageHistory[0].Content != "hello" {
		t.Error("message history shared with caller")
	}
	if incoming.KnowledgeFiles["k.md"] != "v1" {
		t.Error("knowledge files shared with caller")
	}
}

func TestPrepare_MergesTemplatesLastWriteWins(t *testing.T) {
	incoming := &models.SessionState{
		AgentTemplates: map[string]models.AgentTemplate{
			"base":   {ID: "base", Model: "old-model"},
			"helper": {ID: "helper"},
		},
	}
	state, err := Prepare(incoming, Overrides{
		AgentTemplates: map[string]models.AgentTemplate{
			"base":  {Model: "new-model"},
			"extra": {Model: "extra-model"},
		},
		CustomTools: map[string]models.CustomToolDefinition{
			"deploy": {Description: "deploys the app"},
		},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := state.AgentTemplates["base"].Model; got != "new-model" {
		t.Errorf("base model = %q", got)
	}
	if _, ok := state.AgentTemplates["helper"]; !ok {
		t.Error("unrelated template dropped")
	}
	if got := state.AgentTemplates["extra"].ID; got != "extra" {
		t.Errorf("override template id = %q", got)
	}
	if got := state.CustomToolDefinitions["deploy"].Name; got != "deploy" {
		t.Errorf("custom tool name = %q", got)
	}
}

func TestPrepare_RecomputesFileTree(t *testing.T) {
	state, err := Prepare(&models.SessionState{}, Overrides{
		ProjectFiles: map[string]string{
			"src/main.go":   "package main\n",
			"src/util.go":   "package main\n",
			"README.md":     "hi\n",
			"docs/guide.md": "guide\n",
		},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	tree := state.FileContext.FileTree
	for _, want := range []string{"src/", "  main.go", "  util.go", "README.md", "docs/", "  guide.md"} {
		if !strings.Contains(tree, want) {
			t.Errorf("tree missing %q:\n%s", want, tree)
		}
	}
	scores := state.FileContext.FileTokenScores
	if len(scores) != 4 {
		t.Fatalf("scores = %v", scores)
	}
	sum := 0.0
	for _, score := range scores {
		sum += score
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("scores sum = %f", sum)
	}
}

func TestPrepare_MaxAgentStepsAppliesToMainOnly(t *testing.T) {
	state, err := Prepare(&models.SessionState{}, Overrides{MaxAgentSteps: 3})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if state.MainAgentState.StepsRemaining != 3 {
		t.Errorf("stepsRemaining = %d, want 3", state.MainAgentState.StepsRemaining)
	}

	state, err = Prepare(&models.SessionState{}, Overrides{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if state.MainAgentState.StepsRemaining != DefaultMaxSteps {
		t.Errorf("default stepsRemaining = %d, want %d", state.MainAgentState.StepsRemaining, DefaultMaxSteps)
	}
}
