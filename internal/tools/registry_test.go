package tools

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/codebuff/agent-runtime/pkg/models"
)

func TestNewRegistry_InstallsBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		EndTurn, SetOutput, SetMessages, AddMessage, ReadFiles,
		WriteFile, StrReplace, RunTerminalCommand, CodeSearch, Glob,
		ListDirectory, WebSearch, RunFileChangeHooks, SpawnAgents,
		SpawnAgentInline, ThinkDeeply,
	} {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("builtin %s not registered", name)
		}
	}
}

func TestValidateInput(t *testing.T) {
	r := NewRegistry()

	if err := r.ValidateInput(WriteFile, json.RawMessage(`{"path":"a.go","content":"x"}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := r.ValidateInput(WriteFile, json.RawMessage(`{"content":"x"}`)); err == nil {
		t.Error("missing required path accepted")
	}
	if err := r.ValidateInput(WriteFile, json.RawMessage(`{not json`)); err == nil ||
		!strings.Contains(err.Error(), "Invalid JSON") {
		t.Errorf("malformed JSON error = %v", err)
	}
	if err := r.ValidateInput("bogus", json.RawMessage(`{}`)); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown tool error = %v", err)
	}
	// Empty input validates as the empty object.
	if err := r.ValidateInput(EndTurn, nil); err != nil {
		t.Errorf("nil input for end_turn: %v", err)
	}
}

func TestRegisterCustom(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterCustom(models.CustomToolDefinition{
		Name:          "deploy_preview",
		Description:   "Deploy a preview environment",
		InputSchema:   json.RawMessage(`{"type":"object","properties":{"env":{"type":"string"}},"required":["env"]}`),
		EndsAgentStep: true,
	})
	if err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}

	spec, ok := r.Resolve("deploy_preview")
	if !ok {
		t.Fatal("custom tool not resolvable")
	}
	if !spec.ClientDelegated || !spec.ReportsResult || !spec.EndsStep {
		t.Errorf("spec flags = %+v", spec)
	}
	if err := r.ValidateInput("deploy_preview", json.RawMessage(`{}`)); err == nil {
		t.Error("input missing required env accepted")
	}
	if err := r.ValidateInput("deploy_preview", json.RawMessage(`{"env":"staging"}`)); err != nil {
		t.Errorf("valid custom input rejected: %v", err)
	}
}

func TestRegisterCustom_ReplacesExistingName(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterCustom(models.CustomToolDefinition{
		Name:        RunTerminalCommand,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}); err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}
	spec, _ := r.Resolve(RunTerminalCommand)
	if spec.EndsStep {
		t.Error("replacement kept the builtin's flags")
	}
}

func TestRegisterCustom_RejectsMissingName(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterCustom(models.CustomToolDefinition{}); err == nil {
		t.Error("nameless tool accepted")
	}
}

func TestRenderCall(t *testing.T) {
	rendered := RenderCall(&models.ToolCall{
		ToolName: WriteFile,
		Input:    json.RawMessage(`{"path":"a.go","content":"x"}`),
	})
	if !strings.HasPrefix(rendered, ToolCallOpenTag+"\n") ||
		!strings.HasSuffix(rendered, "\n"+ToolCallCloseTag) {
		t.Fatalf("envelope = %q", rendered)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(rendered, ToolCallOpenTag+"\n"), "\n"+ToolCallCloseTag)
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &fields); err != nil {
		t.Fatalf("body not JSON: %v\n%s", err, body)
	}
	if fields[NameField] != WriteFile || fields["path"] != "a.go" {
		t.Errorf("fields = %v", fields)
	}
}

func TestRenderCall_EmptyInput(t *testing.T) {
	rendered := RenderCall(&models.ToolCall{ToolName: EndTurn, Input: json.RawMessage(`{}`)})
	want := `{"` + NameField + `":"` + EndTurn + `"}`
	if !strings.Contains(rendered, want) {
		t.Errorf("rendered = %q, want body %q", rendered, want)
	}
}

func TestRenderResult(t *testing.T) {
	rendered := RenderResult(&models.ToolResult{
		Output: []models.ToolResultPart{models.JSONPart(map[string]any{"ok": true})},
	})
	if !strings.HasPrefix(rendered, ToolResultOpen) || !strings.HasSuffix(rendered, ToolResultClose) {
		t.Fatalf("envelope = %q", rendered)
	}
	if !strings.Contains(rendered, `"ok":true`) {
		t.Errorf("rendered = %q", rendered)
	}
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	if !seen[EndTurn] || !seen[SpawnAgents] {
		t.Errorf("names = %v", names)
	}
}
