package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codebuff/agent-runtime/internal/agent"
	"github.com/codebuff/agent-runtime/internal/bridge"
	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/orchestrator"
	"github.com/codebuff/agent-runtime/internal/sandbox"
	"github.com/codebuff/agent-runtime/internal/scheduler"
	"github.com/codebuff/agent-runtime/internal/session"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// conn is one websocket client. The read pump dispatches actions, the
// write pump serializes all outbound frames, and each prompt runs as
// its own goroutine tree.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// pending correlates client-delegated requests across prompts on
	// this connection.
	pending *bridge.Pending

	mu   sync.Mutex
	runs map[string]*promptRun
}

// promptRun tracks one in-flight prompt for cancellation.
type promptRun struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server:  s,
		ws:      ws,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  s.cfg.Logger,
		pending: bridge.NewPending(),
		runs:    make(map[string]*promptRun),
	}
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendAction marshals one outbound frame onto the write pump. Safe for
// concurrent use; it is the bridge's SendFunc.
func (c *conn) sendAction(action any) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *conn) dispatch(raw []byte) {
	actionType, err := models.ActionType(raw)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if err := validateInbound(actionType, raw); err != nil {
		c.logger.Warn("rejecting invalid frame", "type", actionType, "error", err)
		if actionType == models.ActionPrompt {
			var peek struct {
				PromptID string `json:"promptId"`
			}
			_ = json.Unmarshal(raw, &peek)
			c.fail(peek.PromptID, err.Error())
		}
		return
	}

	switch actionType {
	case models.ActionPrompt:
		var action models.PromptAction
		if err := json.Unmarshal(raw, &action); err != nil {
			c.logger.Warn("malformed prompt action", "error", err)
			return
		}
		go c.handlePrompt(&action)

	case models.ActionInit:
		var action models.InitAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return
		}
		c.handleInit(&action)

	case models.ActionToolCallResponse:
		var action models.ToolCallResponseAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return
		}
		payload, _ := json.Marshal(action.Output)
		if !c.pending.Resolve(action.RequestID, payload) {
			c.logger.Debug("late tool-call-response", "requestId", action.RequestID)
		}

	case models.ActionReadFilesResponse:
		var action models.ReadFilesResponseAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return
		}
		payload, _ := json.Marshal(action.Files)
		if !c.pending.Resolve(action.RequestID, payload) {
			c.logger.Debug("late read-files-response", "requestId", action.RequestID)
		}

	case models.ActionMCPToolData:
		var action models.MCPToolDataAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return
		}
		payload, _ := json.Marshal(struct {
			Tools json.RawMessage `json:"tools"`
			Error string          `json:"error,omitempty"`
		}{action.Tools, action.Error})
		if !c.pending.Resolve(action.RequestID, payload) {
			c.logger.Debug("late mcp-tool-data", "requestId", action.RequestID)
		}

	case models.ActionCancelUserInput:
		var action models.CancelUserInputAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return
		}
		c.cancelPrompt(action.PromptID)

	default:
		c.logger.Warn("unknown action type", "type", actionType)
	}
}

func (c *conn) handleInit(action *models.InitAction) {
	if !c.authorized(action.AuthToken) {
		_ = c.sendAction(&models.PromptErrorAction{
			Type:    models.ActionPromptError,
			Message: "unauthorized",
		})
		return
	}
	_ = c.sendAction(&models.UsageResponseAction{
		Type: models.ActionUsageResponse,
	})
}

func (c *conn) authorized(token string) bool {
	return c.server.cfg.AuthToken == "" || token == c.server.cfg.AuthToken
}

func (c *conn) cancelPrompt(promptID string) {
	c.mu.Lock()
	run, ok := c.runs[promptID]
	c.mu.Unlock()
	if !ok {
		return
	}
	run.cancelled.Store(true)
	run.cancel()
}

// handlePrompt assembles a full run pipeline for one prompt and drives
// the main agent to completion. Each prompt gets its own registry,
// executor, and orchestrator; the provider and the socket are shared.
func (c *conn) handlePrompt(action *models.PromptAction) {
	if !c.authorized(action.AuthToken) {
		c.fail(action.PromptID, "unauthorized")
		return
	}

	overrides := session.Overrides{
		CustomTools:    action.CustomToolDefinitions,
		ProjectFiles:   action.ProjectFiles,
		KnowledgeFiles: action.KnowledgeFiles,
		MaxAgentSteps:  action.MaxAgentSteps,
	}
	if len(action.AgentDefinitions) > 0 {
		overrides.AgentTemplates = make(map[string]models.AgentTemplate, len(action.AgentDefinitions))
		for _, def := range action.AgentDefinitions {
			overrides.AgentTemplates[def.ID] = def
		}
	}
	state, err := session.Prepare(action.SessionState, overrides)
	if err != nil {
		c.fail(action.PromptID, err.Error())
		return
	}

	registry := tools.NewRegistry()
	for name, def := range state.CustomToolDefinitions {
		def.Name = name
		if err := registry.RegisterCustom(def); err != nil {
			c.fail(action.PromptID, "invalid custom tool "+name+": "+err.Error())
			return
		}
	}

	runCtx, cancelRun := context.WithCancel(c.ctx)
	run := &promptRun{cancel: cancelRun}
	c.mu.Lock()
	c.runs[action.PromptID] = run
	c.mu.Unlock()
	defer func() {
		cancelRun()
		c.mu.Lock()
		delete(c.runs, action.PromptID)
		c.mu.Unlock()
	}()

	metrics := c.server.cfg.Metrics
	if metrics != nil {
		metrics.ActiveRuns.Inc()
		defer metrics.ActiveRuns.Dec()
	}

	mainAgentID := state.MainAgentState.AgentID
	emit := func(chunk models.StreamChunk) {
		c.observeChunk(chunk)
		if chunk.AgentID == "" || chunk.AgentID == mainAgentID {
			_ = c.sendAction(&models.ResponseChunkAction{
				Type:        models.ActionResponseChunk,
				UserInputID: action.PromptID,
				Chunk:       chunk,
			})
			return
		}
		_ = c.sendAction(&models.SubagentResponseChunkAction{
			Type:        models.ActionSubagentResponseChunk,
			UserInputID: action.PromptID,
			AgentID:     chunk.AgentID,
			AgentType:   chunk.AgentType,
			Chunk:       chunk,
		})
	}

	requester := bridge.NewRequester(c.sendAction, c.pending, action.PromptID, c.logger)
	if metrics != nil {
		requester.Observe = func(kind string, seconds float64) {
			metrics.ClientRequestDuration.WithLabelValues(kind).Observe(seconds)
		}
	}
	for name, def := range state.CustomToolDefinitions {
		requester.BindMCPConfig(name, def.MCPConfig)
	}
	if len(state.MCPConfig) > 0 {
		defs, err := requester.RequestMCPTools(runCtx, state.MCPConfig)
		if err != nil {
			c.fail(action.PromptID, "mcp tool discovery: "+err.Error())
			return
		}
		for _, def := range defs {
			if err := registry.RegisterCustom(def); err != nil {
				c.fail(action.PromptID, "invalid mcp tool "+def.Name+": "+err.Error())
				return
			}
		}
	}

	exec := executor.New(executor.Config{
		Registry:  registry,
		Client:    requester,
		WebSearch: c.server.cfg.WebSearch,
		Emit:      emit,
		Logger:    c.logger,
	})
	sched := scheduler.New(scheduler.Config{
		Provider: c.server.provider(),
		Registry: registry,
		Executor: exec,
		Emit:     emit,
		Logger:   c.logger,
	})
	loop := agent.NewLoop(agent.Config{
		Scheduler: sched,
		Executor:  exec,
		Sandboxes: sandbox.NewManager(c.logger),
		Emit:      emit,
		Logger:    c.logger,
		SandboxLog: func(agentID, level, text string) {
			_ = c.sendAction(&models.HandleStepsLogChunkAction{
				Type:        models.ActionHandleStepsLogChunk,
				UserInputID: action.PromptID,
				AgentID:     agentID,
				Level:       level,
				Text:        text,
			})
		},
	})
	rt := orchestrator.New(orchestrator.Config{
		Loop:       loop,
		Session:    state,
		Emit:       emit,
		Cancelled:  run.cancelled.Load,
		Logger:     c.logger,
		ChildSteps: c.server.cfg.ChildSteps,
	})
	exec.SetSpawner(rt)
	exec.SetParent(rt.Parent)

	c.logger.Info("prompt started",
		"promptId", action.PromptID,
		"agentId", mainAgentID,
	)
	start := time.Now()
	output := rt.RunMain(runCtx, action.Prompt, nil)
	c.logger.Info("prompt finished",
		"promptId", action.PromptID,
		"outputType", output.Type,
		"duration", time.Since(start),
	)
	if metrics != nil {
		metrics.PromptDuration.Observe(time.Since(start).Seconds())
		metrics.PromptCounter.WithLabelValues(promptStatus(output, run)).Inc()
	}

	_ = c.sendAction(&models.PromptResponseAction{
		Type:         models.ActionPromptResponse,
		PromptID:     action.PromptID,
		SessionState: state,
		Output:       output,
	})
}

func (c *conn) fail(promptID, message string) {
	if c.server.cfg.Metrics != nil {
		c.server.cfg.Metrics.PromptCounter.WithLabelValues("error").Inc()
	}
	_ = c.sendAction(&models.PromptErrorAction{
		Type:        models.ActionPromptError,
		UserInputID: promptID,
		Message:     message,
	})
}

func (c *conn) observeChunk(chunk models.StreamChunk) {
	metrics := c.server.cfg.Metrics
	if metrics == nil {
		return
	}
	switch chunk.Type {
	case models.ChunkToolResult:
		isError := false
		for _, part := range chunk.Output {
			if part.IsError() {
				isError = true
				break
			}
		}
		metrics.ObserveChunk(chunk.ToolName, isError)
	case models.ChunkSubagentStart:
		metrics.SubagentCounter.WithLabelValues(chunk.AgentType).Inc()
	}
}

func promptStatus(output *models.AgentOutput, run *promptRun) string {
	switch {
	case run.cancelled.Load():
		return "cancelled"
	case output != nil && output.Type == models.OutputTypeError:
		return "error"
	default:
		return "ok"
	}
}
