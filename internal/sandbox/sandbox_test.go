package sandbox

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/codebuff/agent-runtime/pkg/models"
)

func testArgs() models.StepperArgs {
	return models.StepperArgs{
		AgentState: &models.PublicAgentState{AgentID: "a1", RunID: "r1"},
		Prompt:     "do the thing",
		Logger:     slog.Default(),
	}
}

func TestSandbox_YieldsToolCallsAndControls(t *testing.T) {
	source := `function* ({ agentState, prompt }) {
		yield { toolName: "read_files", input: { paths: ["a.go"] } };
		yield "STEP";
		yield { toolName: "write_file", input: { path: "a.txt", content: prompt }, includeToolCall: false };
	}`

	mgr := NewManager(nil)
	sb, err := mgr.GetOrCreate("r1", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer mgr.Remove("r1")

	yield, done, err := sb.Step(models.StepInput{})
	if err != nil || done {
		t.Fatalf("step 1: yield=%+v done=%v err=%v", yield, done, err)
	}
	if yield.ToolCall == nil || yield.ToolCall.ToolName != "read_files" {
		t.Fatalf("step 1 yield = %+v", yield)
	}

	yield, done, err = sb.Step(models.StepInput{})
	if err != nil || done {
		t.Fatalf("step 2: err=%v done=%v", err, done)
	}
	if yield.Control != models.ControlStep {
		t.Fatalf("step 2 control = %q", yield.Control)
	}

	yield, done, err = sb.Step(models.StepInput{StepsComplete: true})
	if err != nil || done {
		t.Fatalf("step 3: err=%v done=%v", err, done)
	}
	if yield.ToolCall == nil || yield.ToolCall.ToolName != "write_file" {
		t.Fatalf("step 3 yield = %+v", yield)
	}
	if yield.IncludeToolCall == nil || *yield.IncludeToolCall {
		t.Fatalf("includeToolCall = %v, want false", yield.IncludeToolCall)
	}

	_, done, err = sb.Step(models.StepInput{})
	if err != nil {
		t.Fatalf("step 4: %v", err)
	}
	if !done {
		t.Fatal("generator should be done")
	}
}

func TestSandbox_ReceivesToolResults(t *testing.T) {
	source := `function* () {
		const input = yield { toolName: "read_files", input: { paths: ["a.go"] } };
		if (input.toolResult && input.toolResult.toolName === "read_files") {
			yield { toolName: "end_turn", input: {} };
		}
	}`

	mgr := NewManager(nil)
	sb, err := mgr.GetOrCreate("r2", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer mgr.Remove("r2")

	if _, _, err := sb.Step(models.StepInput{}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	yield, done, err := sb.Step(models.StepInput{
		ToolResult: &models.ToolResult{
			ToolCallID: "tc1",
			ToolName:   "read_files",
			Output:     []models.ToolResultPart{models.TextPart("contents")},
		},
	})
	if err != nil || done {
		t.Fatalf("step 2: err=%v done=%v", err, done)
	}
	if yield.ToolCall == nil || yield.ToolCall.ToolName != "end_turn" {
		t.Fatalf("yield = %+v", yield)
	}
}

func TestSandbox_SyntaxError(t *testing.T) {
	mgr := NewManager(nil)
	if _, err := mgr.GetOrCreate("r3", "function* ( {", testArgs(), nil); err == nil {
		t.Fatal("expected syntax error")
	}
	mgr.Remove("r3")
}

func TestSandbox_UncaughtException(t *testing.T) {
	source := `function* () { throw new Error("boom"); }`
	mgr := NewManager(nil)
	sb, err := mgr.GetOrCreate("r4", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer mgr.Remove("r4")

	_, _, err = sb.Step(models.StepInput{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want uncaught exception", err)
	}
}

func TestSandbox_MemoryBudgetInterruptsStep(t *testing.T) {
	source := `function* () {
		const hoard = [];
		for (;;) {
			hoard.push(new Array(4096).join("x" + Math.random()));
		}
	}`
	mgr := NewManager(nil)
	sb, err := mgr.GetOrCreate("r6", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer mgr.Remove("r6")

	_, _, err = sb.Step(models.StepInput{})
	if err == nil || !strings.Contains(err.Error(), "memory budget") {
		t.Fatalf("err = %v, want memory budget interrupt", err)
	}
}

func TestSandbox_LogForwarding(t *testing.T) {
	source := `function* ({ logger }) {
		logger.info("hello", { n: 1 });
		yield "STEP";
	}`

	var gotLevel, gotText string
	sink := func(level, text string) {
		gotLevel, gotText = level, text
	}

	mgr := NewManager(nil)
	sb, err := mgr.GetOrCreate("r5", source, testArgs(), sink)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer mgr.Remove("r5")

	if _, _, err := sb.Step(models.StepInput{}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if gotLevel != "info" || !strings.Contains(gotText, "hello") {
		t.Fatalf("log = (%q, %q)", gotLevel, gotText)
	}
}

func TestManager_OneInstancePerRun(t *testing.T) {
	source := `function* () { yield "STEP"; }`
	mgr := NewManager(nil)

	a, err := mgr.GetOrCreate("run", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := mgr.GetOrCreate("run", source, testArgs(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Fatal("expected the same sandbox instance for one runId")
	}

	mgr.Remove("run")
	if mgr.Len() != 0 {
		t.Fatalf("registry size = %d after Remove", mgr.Len())
	}
	if _, _, err := a.Step(models.StepInput{}); err == nil {
		t.Fatal("Step after Remove should fail")
	}
}
