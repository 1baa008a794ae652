package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codebuff/agent-runtime/internal/llm"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

func envelope(body string) string {
	return tools.ToolCallOpenTag + "\n" + body + "\n" + tools.ToolCallCloseTag
}

func endTurn() string {
	return envelope(`{"` + tools.NameField + `":"end_turn"}`)
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialServer(t *testing.T, cfg Config) *wsClient {
	t.Helper()
	server := NewServer(cfg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) sendJSON(action any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(action); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads frames until one matches wantType, failing on timeout.
func (c *wsClient) next(wantType string) []byte {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		actionType, err := models.ActionType(raw)
		if err != nil {
			c.t.Fatalf("bad frame: %v", err)
		}
		if actionType == wantType {
			return raw
		}
	}
}

func testSession() *models.SessionState {
	return &models.SessionState{
		MainAgentState: models.AgentState{
			AgentID:   "main",
			AgentType: "base",
		},
		AgentTemplates: map[string]models.AgentTemplate{
			"base": {
				ID:         "base",
				OutputMode: models.OutputLastMessage,
			},
		},
	}
}

func TestGateway_PromptRoundTrip(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn("All done.\n" + endTurn()),
	)
	client := dialServer(t, Config{Provider: provider})

	// Junk frames are dropped, not fatal to the connection.
	_ = client.ws.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`))

	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-1",
		Prompt:       "say hi",
		SessionState: testSession(),
	})

	sawText := false
	for {
		raw := client.next(models.ActionResponseChunk)
		var frame models.ResponseChunkAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		if frame.UserInputID != "prompt-1" {
			t.Errorf("userInputId = %q", frame.UserInputID)
		}
		if frame.Chunk.Type == models.ChunkText {
			sawText = true
		}
		if frame.Chunk.Type == models.ChunkToolCall && frame.Chunk.ToolName == tools.EndTurn {
			break
		}
	}
	if !sawText {
		t.Error("no text chunk streamed before the tool call")
	}

	// The main agent's stream closes with a finish chunk carrying the
	// run's cost before the prompt-response frame.
	for {
		raw := client.next(models.ActionResponseChunk)
		var frame models.ResponseChunkAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		if frame.Chunk.Type == models.ChunkFinish {
			if frame.Chunk.AgentID != "main" {
				t.Errorf("finish agentId = %q", frame.Chunk.AgentID)
			}
			break
		}
	}

	raw := client.next(models.ActionPromptResponse)
	var resp models.PromptResponseAction
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.PromptID != "prompt-1" {
		t.Errorf("promptId = %q", resp.PromptID)
	}
	if resp.Output == nil || resp.Output.Type != models.OutputTypeLastMessage {
		t.Fatalf("output = %+v", resp.Output)
	}
	if !strings.Contains(resp.Output.Text, "All done.") {
		t.Errorf("output text = %q", resp.Output.Text)
	}
	if resp.SessionState == nil {
		t.Fatal("no session state returned")
	}
	if resp.SessionState.MainAgentState.RunID == "" {
		t.Error("session state missing fresh run id")
	}
}

func TestGateway_DelegatesToolCallToClient(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn(envelope(`{"`+tools.NameField+`":"write_file","path":"a.txt","content":"hi"}`)),
		llm.TextTurn(endTurn()),
	)
	client := dialServer(t, Config{Provider: provider})

	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-2",
		Prompt:       "write a file",
		SessionState: testSession(),
	})

	raw := client.next(models.ActionToolCallRequest)
	var req models.ToolCallRequestAction
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.ToolName != tools.WriteFile {
		t.Errorf("toolName = %q", req.ToolName)
	}
	if req.UserInputID != "prompt-2" {
		t.Errorf("userInputId = %q", req.UserInputID)
	}
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Input, &input); err != nil || input.Path != "a.txt" {
		t.Errorf("input = %s", req.Input)
	}

	client.sendJSON(&models.ToolCallResponseAction{
		Type:      models.ActionToolCallResponse,
		RequestID: req.RequestID,
		Output:    []models.ToolResultPart{models.JSONPart(map[string]any{"path": "a.txt"})},
	})

	raw = client.next(models.ActionPromptResponse)
	var resp models.PromptResponseAction
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Output == nil || resp.Output.Type == models.OutputTypeError {
		t.Fatalf("output = %+v", resp.Output)
	}
	if provider.Turns() != 2 {
		t.Errorf("provider turns = %d", provider.Turns())
	}
}

func TestGateway_CustomToolRegisteredPerSession(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn(envelope(`{"` + tools.NameField + `":"deploy_preview","env":"staging"}`)),
		llm.TextTurn(endTurn()),
	)
	client := dialServer(t, Config{Provider: provider})

	state := testSession()
	state.CustomToolDefinitions = map[string]models.CustomToolDefinition{
		"deploy_preview": {
			Description: "Deploy a preview environment",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"env":{"type":"string"}},"required":["env"]}`),
		},
	}
	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-3",
		Prompt:       "deploy",
		SessionState: state,
	})

	raw := client.next(models.ActionToolCallRequest)
	var req models.ToolCallRequestAction
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.ToolName != "deploy_preview" {
		t.Errorf("toolName = %q", req.ToolName)
	}

	client.sendJSON(&models.ToolCallResponseAction{
		Type:      models.ActionToolCallResponse,
		RequestID: req.RequestID,
		Output:    []models.ToolResultPart{models.JSONPart(map[string]any{"status": "deployed"})},
	})
	client.next(models.ActionPromptResponse)
}

func TestGateway_PromptOverridesApplied(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn("done " + endTurn()),
	)
	client := dialServer(t, Config{Provider: provider})

	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-5",
		Prompt:       "hello",
		SessionState: testSession(),
		AgentDefinitions: []models.AgentTemplate{
			{ID: "helper", OutputMode: models.OutputLastMessage},
		},
		CustomToolDefinitions: map[string]models.CustomToolDefinition{
			"deploy_preview": {Description: "Deploy a preview environment"},
		},
		ProjectFiles:   map[string]string{"cmd/main.go": "package main\n"},
		KnowledgeFiles: map[string]string{"knowledge.md": "Use tabs."},
		MaxAgentSteps:  7,
	})

	raw := client.next(models.ActionPromptResponse)
	var resp models.PromptResponseAction
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	state := resp.SessionState
	if state == nil {
		t.Fatal("no session state returned")
	}
	if _, ok := state.AgentTemplates["helper"]; !ok {
		t.Error("agentDefinitions override not merged")
	}
	if _, ok := state.CustomToolDefinitions["deploy_preview"]; !ok {
		t.Error("customToolDefinitions override not merged")
	}
	if !strings.Contains(state.FileContext.FileTree, "cmd/") {
		t.Errorf("file tree not rebuilt from projectFiles: %q", state.FileContext.FileTree)
	}
	if state.KnowledgeFiles["knowledge.md"] != "Use tabs." {
		t.Errorf("knowledgeFiles = %v", state.KnowledgeFiles)
	}
	// 7 steps granted, one consumed by the single model turn.
	if got := state.MainAgentState.StepsRemaining; got != 6 {
		t.Errorf("stepsRemaining = %d, want 6", got)
	}
}

func TestGateway_MCPToolDiscoveryAndDelegation(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn(envelope(`{"`+tools.NameField+`":"jira_search","query":"open bugs"}`)),
		llm.TextTurn(endTurn()),
	)
	client := dialServer(t, Config{Provider: provider})

	state := testSession()
	state.MCPConfig = json.RawMessage(`{"servers":{"jira":{"url":"http://localhost:9090"}}}`)
	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-6",
		Prompt:       "find bugs",
		SessionState: state,
	})

	// The server asks for the catalog before the agent runs.
	raw := client.next(models.ActionRequestMCPToolData)
	var req models.RequestMCPToolDataAction
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if !strings.Contains(string(req.MCPConfig), "jira") {
		t.Errorf("mcpConfig = %s", req.MCPConfig)
	}
	client.sendJSON(&models.MCPToolDataAction{
		Type:      models.ActionMCPToolData,
		RequestID: req.RequestID,
		Tools: json.RawMessage(`[{
			"name": "jira_search",
			"description": "Search issues",
			"inputSchema": {"type":"object","properties":{"query":{"type":"string"}},"required":["query"]},
			"mcpConfig": {"server":"jira"}
		}]`),
	})

	// The discovered tool is delegated like any custom tool, tagged
	// with the server config that backs it.
	raw = client.next(models.ActionToolCallRequest)
	var call models.ToolCallRequestAction
	if err := json.Unmarshal(raw, &call); err != nil {
		t.Fatalf("unmarshal call: %v", err)
	}
	if call.ToolName != "jira_search" {
		t.Errorf("toolName = %q", call.ToolName)
	}
	if !strings.Contains(string(call.MCPConfig), "jira") {
		t.Errorf("call mcpConfig = %s", call.MCPConfig)
	}

	client.sendJSON(&models.ToolCallResponseAction{
		Type:      models.ActionToolCallResponse,
		RequestID: call.RequestID,
		Output:    []models.ToolResultPart{models.JSONPart(map[string]any{"issues": 3})},
	})
	client.next(models.ActionPromptResponse)
	if provider.Turns() != 2 {
		t.Errorf("provider turns = %d", provider.Turns())
	}
}

func TestGateway_RejectsBadAuthToken(t *testing.T) {
	provider := llm.NewScriptedProvider()
	client := dialServer(t, Config{Provider: provider, AuthToken: "secret"})

	client.sendJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     "prompt-4",
		Prompt:       "hi",
		AuthToken:    "wrong",
		SessionState: testSession(),
	})

	raw := client.next(models.ActionPromptError)
	var errAction models.PromptErrorAction
	if err := json.Unmarshal(raw, &errAction); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errAction.Message != "unauthorized" {
		t.Errorf("message = %q", errAction.Message)
	}
	if provider.Turns() != 0 {
		t.Errorf("provider consumed %d turns", provider.Turns())
	}
}

func TestGateway_RejectsPromptMissingRequiredFields(t *testing.T) {
	provider := llm.NewScriptedProvider()
	client := dialServer(t, Config{Provider: provider})

	// No promptId: fails frame validation before any pipeline assembly.
	_ = client.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"prompt","prompt":"hi"}`))

	raw := client.next(models.ActionPromptError)
	var errAction models.PromptErrorAction
	if err := json.Unmarshal(raw, &errAction); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !strings.Contains(errAction.Message, "invalid prompt action") {
		t.Errorf("message = %q", errAction.Message)
	}
	if provider.Turns() != 0 {
		t.Errorf("provider consumed %d turns", provider.Turns())
	}
}

func TestGateway_InitHandshake(t *testing.T) {
	client := dialServer(t, Config{Provider: llm.NewScriptedProvider()})

	client.sendJSON(&models.InitAction{
		Type:          models.ActionInit,
		FingerprintID: "fp-1",
	})
	client.next(models.ActionUsageResponse)
}
