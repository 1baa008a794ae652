package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// DefaultToolTimeout applies to delegated calls without an override.
const DefaultToolTimeout = 30 * time.Second

// SendFunc writes one action to the connected client. Implementations
// must be safe for concurrent use.
type SendFunc func(action any) error

// Requester is the server side of the client tool bridge. It
// implements executor.ClientCaller for one connection.
type Requester struct {
	send        SendFunc
	pending     *Pending
	userInputID string
	logger      *slog.Logger

	mu         sync.RWMutex
	mcpConfigs map[string]json.RawMessage

	// Observe reports round-trip latency per request kind; optional.
	Observe func(kind string, seconds float64)
}

// NewRequester creates a requester bound to one prompt's user input id.
func NewRequester(send SendFunc, pending *Pending, userInputID string, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		send:        send,
		pending:     pending,
		userInputID: userInputID,
		logger:      logger,
	}
}

// CallTool delegates one tool call to the client and awaits its output.
// timeout is in seconds: nil means the default, negative disables.
func (r *Requester) CallTool(ctx context.Context, toolName string, input json.RawMessage, timeout *float64) ([]models.ToolResultPart, error) {
	requestID := uuid.NewString()
	ch := r.pending.Register(requestID)
	defer r.pending.Drop(requestID)

	r.mu.RLock()
	mcpConfig := r.mcpConfigs[toolName]
	r.mu.RUnlock()

	err := r.send(&models.ToolCallRequestAction{
		Type:        models.ActionToolCallRequest,
		RequestID:   requestID,
		UserInputID: r.userInputID,
		ToolName:    toolName,
		Input:       input,
		Timeout:     timeout,
		MCPConfig:   mcpConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("send tool-call-request: %w", err)
	}

	start := time.Now()
	raw, err := r.await(ctx, ch, resolveTimeout(timeout), toolName)
	if err != nil {
		return nil, err
	}
	if r.Observe != nil {
		r.Observe("tool-call", time.Since(start).Seconds())
	}

	var parts []models.ToolResultPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("malformed tool-call-response for %s: %w", toolName, err)
	}
	return parts, nil
}

// ReadFiles asks the client for file contents; nil entries mark files
// that do not exist.
func (r *Requester) ReadFiles(ctx context.Context, paths []string) (map[string]*string, error) {
	requestID := uuid.NewString()
	ch := r.pending.Register(requestID)
	defer r.pending.Drop(requestID)

	err := r.send(&models.ReadFilesAction{
		Type:      models.ActionReadFiles,
		RequestID: requestID,
		FilePaths: paths,
	})
	if err != nil {
		return nil, fmt.Errorf("send read-files: %w", err)
	}

	start := time.Now()
	raw, err := r.await(ctx, ch, DefaultToolTimeout, "read_files")
	if err != nil {
		return nil, err
	}
	if r.Observe != nil {
		r.Observe("read-files", time.Since(start).Seconds())
	}

	var files map[string]*string
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("malformed read-files-response: %w", err)
	}
	return files, nil
}

// MCPToolData is the payload a client returns for one tool catalog
// request.
type MCPToolData struct {
	Tools []models.CustomToolDefinition `json:"tools"`
	Error string                        `json:"error,omitempty"`
}

// RequestMCPTools asks the client to enumerate the tools its MCP
// servers expose and binds each tool's config for later delegation.
func (r *Requester) RequestMCPTools(ctx context.Context, config json.RawMessage) ([]models.CustomToolDefinition, error) {
	requestID := uuid.NewString()
	ch := r.pending.Register(requestID)
	defer r.pending.Drop(requestID)

	err := r.send(&models.RequestMCPToolDataAction{
		Type:      models.ActionRequestMCPToolData,
		RequestID: requestID,
		MCPConfig: config,
	})
	if err != nil {
		return nil, fmt.Errorf("send request-mcp-tool-data: %w", err)
	}

	start := time.Now()
	raw, err := r.await(ctx, ch, DefaultToolTimeout, "mcp tool discovery")
	if err != nil {
		return nil, err
	}
	if r.Observe != nil {
		r.Observe("mcp-tool-data", time.Since(start).Seconds())
	}

	var data MCPToolData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("malformed mcp-tool-data: %w", err)
	}
	if data.Error != "" {
		return nil, fmt.Errorf("mcp tool discovery failed: %s", data.Error)
	}
	for _, def := range data.Tools {
		cfg := def.MCPConfig
		if len(cfg) == 0 {
			cfg = config
		}
		r.BindMCPConfig(def.Name, cfg)
	}
	return data.Tools, nil
}

// BindMCPConfig routes future calls to toolName through the given MCP
// config.
func (r *Requester) BindMCPConfig(toolName string, config json.RawMessage) {
	if toolName == "" || len(config) == 0 {
		return
	}
	r.mu.Lock()
	if r.mcpConfigs == nil {
		r.mcpConfigs = make(map[string]json.RawMessage)
	}
	r.mcpConfigs[toolName] = config
	r.mu.Unlock()
}

func (r *Requester) await(ctx context.Context, ch <-chan json.RawMessage, timeout time.Duration, what string) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case raw := <-ch:
		return raw, nil
	case <-expired:
		return nil, fmt.Errorf("%s timed out after %s waiting for the client", what, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolveTimeout(timeout *float64) time.Duration {
	if timeout == nil {
		return DefaultToolTimeout
	}
	if *timeout < 0 {
		return 0
	}
	return time.Duration(*timeout * float64(time.Second))
}
