package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codebuff/agent-runtime/internal/bridge"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// defaultTemplate is the agent used when the session has no templates
// yet.
var defaultTemplate = models.AgentTemplate{
	ID:    "base",
	Model: "",
	InstructionsPrompt: "You are a coding agent working in the user's project.\n" +
		"Project root: {{PROJECT_ROOT}}\n{{SYSTEM_INFO}}\n{{KNOWLEDGE_FILES}}",
	StepPrompt: "Steps left: {{REMAINING_STEPS}}. Use end_turn when you are finished.",
	OutputMode: models.OutputLastMessage,
}

type client struct {
	serverURL   string
	authToken   string
	sessionPath string
	root        string
}

// runPrompt sends one prompt and serves tool requests until the server
// finishes or fails the run.
func (c *client) runPrompt(ctx context.Context, prompt string) error {
	state, err := c.loadSession()
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.serverURL, err)
	}
	defer ws.Close()

	promptID := uuid.NewString()
	if err := ws.WriteJSON(&models.PromptAction{
		Type:         models.ActionPrompt,
		PromptID:     promptID,
		Prompt:       prompt,
		AuthToken:    c.authToken,
		SessionState: state,
	}); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}

	local := &bridge.LocalTools{Root: c.root}
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		done, err := c.handleFrame(ctx, ws, local, raw)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *client) handleFrame(ctx context.Context, ws *websocket.Conn, local *bridge.LocalTools, raw []byte) (bool, error) {
	actionType, err := models.ActionType(raw)
	if err != nil {
		return false, nil
	}

	switch actionType {
	case models.ActionResponseChunk:
		var frame models.ResponseChunkAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			return false, nil
		}
		printChunk(frame.Chunk, "")

	case models.ActionSubagentResponseChunk:
		var frame models.SubagentResponseChunkAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			return false, nil
		}
		printChunk(frame.Chunk, "  │ ")

	case models.ActionToolCallRequest:
		var req models.ToolCallRequestAction
		if err := json.Unmarshal(raw, &req); err != nil {
			return false, nil
		}
		output := local.Handle(ctx, req.ToolName, req.Input)
		return false, ws.WriteJSON(&models.ToolCallResponseAction{
			Type:      models.ActionToolCallResponse,
			RequestID: req.RequestID,
			Output:    output,
		})

	case models.ActionRequestMCPToolData:
		var req models.RequestMCPToolDataAction
		if err := json.Unmarshal(raw, &req); err != nil {
			return false, nil
		}
		// The CLI runs no MCP servers; report an empty catalog.
		return false, ws.WriteJSON(&models.MCPToolDataAction{
			Type:      models.ActionMCPToolData,
			RequestID: req.RequestID,
			Tools:     json.RawMessage(`[]`),
		})

	case models.ActionReadFiles:
		var req models.ReadFilesAction
		if err := json.Unmarshal(raw, &req); err != nil {
			return false, nil
		}
		return false, ws.WriteJSON(&models.ReadFilesResponseAction{
			Type:      models.ActionReadFilesResponse,
			RequestID: req.RequestID,
			Files:     local.ReadFiles(req.FilePaths),
		})

	case models.ActionHandleStepsLogChunk:
		var frame models.HandleStepsLogChunkAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			return false, nil
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", frame.Level, frame.Text)

	case models.ActionPromptError:
		var frame models.PromptErrorAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			return false, nil
		}
		return true, fmt.Errorf("prompt failed: %s", frame.Message)

	case models.ActionPromptResponse:
		var frame models.PromptResponseAction
		if err := json.Unmarshal(raw, &frame); err != nil {
			return true, fmt.Errorf("malformed prompt response: %w", err)
		}
		fmt.Println()
		if frame.Output != nil && frame.Output.Type == models.OutputTypeError {
			return true, fmt.Errorf("%s", frame.Output.Message)
		}
		if frame.Output != nil && frame.Output.Type == models.OutputTypeStructured {
			encoded, _ := json.MarshalIndent(frame.Output.Value, "", "  ")
			fmt.Println(string(encoded))
		}
		return true, c.saveSession(frame.SessionState)
	}
	return false, nil
}

func printChunk(chunk models.StreamChunk, prefix string) {
	switch chunk.Type {
	case models.ChunkText:
		fmt.Print(chunk.Text)
	case models.ChunkToolCall:
		fmt.Printf("\n%s[%s]\n", prefix, tools.DisplaySummary(chunk.ToolName, chunk.Input))
	case models.ChunkSubagentStart:
		fmt.Printf("\n%s── spawning %s ──\n", prefix, chunk.AgentType)
	case models.ChunkError:
		fmt.Fprintf(os.Stderr, "\n%serror: %s\n", prefix, chunk.Message)
	}
}

// loadSession restores the previous session state or builds a fresh
// one rooted at the project directory.
func (c *client) loadSession() (*models.SessionState, error) {
	raw, err := os.ReadFile(c.sessionPath)
	if err == nil {
		var state models.SessionState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("corrupt session file %s: %w", c.sessionPath, err)
		}
		return &state, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	root, err := filepath.Abs(c.root)
	if err != nil {
		return nil, err
	}
	state := &models.SessionState{
		MainAgentState: models.AgentState{
			AgentID:   uuid.NewString(),
			AgentType: defaultTemplate.ID,
		},
		AgentTemplates: map[string]models.AgentTemplate{
			defaultTemplate.ID: defaultTemplate,
		},
		FileContext: models.FileContext{
			ProjectRoot: root,
			CWD:         root,
		},
		SystemInfo: models.SystemInfo{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Shell:    os.Getenv("SHELL"),
			CPUs:     runtime.NumCPU(),
		},
	}
	if knowledge, err := os.ReadFile(filepath.Join(root, "knowledge.md")); err == nil {
		state.KnowledgeFiles = map[string]string{"knowledge.md": string(knowledge)}
	}
	return state, nil
}

func (c *client) saveSession(state *models.SessionState) error {
	if state == nil {
		return nil
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.sessionPath, raw, 0o644)
}
