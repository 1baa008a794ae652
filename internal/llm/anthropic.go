package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/codebuff/agent-runtime/internal/streamparser"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// MaxRetries bounds stream-creation retries for transient
	// failures. Default: 3.
	MaxRetries int

	// RetryDelay is the initial backoff. Default: 1s.
	RetryDelay time.Duration

	// MaxTokens is the default response budget. Default: 8192.
	MaxTokens int
}

// AnthropicProvider streams completions from the Anthropic Messages
// API. Safe for concurrent use; each Stream call owns its goroutine.
type AnthropicProvider struct {
	client anthropic.Client
	config AnthropicConfig
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: missing API key")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 8192
	}
	if config.DefaultModel == "" {
		config.DefaultModel = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		config: config,
	}, nil
}

// Name identifies the provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream runs one model turn, emitting text and thinking deltas.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan streamparser.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan streamparser.Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			s := p.client.Messages.NewStreaming(ctx, params)
			if s.Err() == nil {
				stream = s
				break
			}
			if attempt >= p.config.MaxRetries {
				chunks <- streamparser.Chunk{
					Kind:    streamparser.ChunkError,
					Message: fmt.Sprintf("anthropic: max retries exceeded: %v", s.Err()),
				}
				return
			}
			backoff := p.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- streamparser.Chunk{Kind: streamparser.ChunkError, Message: ctx.Err().Error()}
				return
			case <-time.After(backoff):
			}
		}

		for stream.Next() {
			if ctx.Err() != nil {
				return
			}
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- streamparser.Chunk{Kind: streamparser.ChunkText, Text: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						chunks <- streamparser.Chunk{Kind: streamparser.ChunkReasoning, Text: delta.Thinking}
					}
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			chunks <- streamparser.Chunk{
				Kind:    streamparser.ChunkError,
				Message: fmt.Sprintf("anthropic: stream failed: %v", err),
			}
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content := flattenContent(msg)
		if content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			// user, system reminders, and tool results all reach the
			// model as user-visible text in the envelope protocol.
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params, nil
}
