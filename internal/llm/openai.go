package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codebuff/agent-runtime/internal/streamparser"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL
// makes it usable against any chat-completions-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// OpenAIProvider streams completions from a chat-completions API.
type OpenAIProvider struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: missing API key")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openai.GPT4Dot1
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Stream runs one model turn.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan streamparser.Chunk, error) {
	request := openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: true,
	}
	if request.Model == "" {
		request.Model = p.config.DefaultModel
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	} else if p.config.MaxTokens > 0 {
		request.MaxTokens = p.config.MaxTokens
	}

	if req.System != "" {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		content := flattenContent(msg)
		if content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: content,
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	chunks := make(chan streamparser.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					chunks <- streamparser.Chunk{
						Kind:    streamparser.ChunkError,
						Message: fmt.Sprintf("openai: stream failed: %v", err),
					}
				}
				return
			}
			for _, choice := range response.Choices {
				if choice.Delta.Content != "" {
					select {
					case chunks <- streamparser.Chunk{Kind: streamparser.ChunkText, Text: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return chunks, nil
}
