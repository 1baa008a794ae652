// Package llm defines the injected LLM provider surface and adapters
// for the Anthropic and OpenAI APIs. Tool calls travel inside the text
// stream as XML envelopes, so providers only need plain text/reasoning
// streaming; the stream parser does the rest.
package llm

import (
	"context"

	"github.com/codebuff/agent-runtime/internal/streamparser"
	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// Request is one model turn.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	MaxTokens int
}

// Provider streams one completion. The returned channel is closed when
// the turn ends; errors arrive as error-kind chunks. Implementations
// must honor ctx cancellation promptly.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan streamparser.Chunk, error)
}

// flatten renders message history into alternating role/content pairs
// for providers. Tool results are rendered in the echo envelope so the
// model sees them the same way the parser strips them.
func flattenContent(msg models.Message) string {
	if msg.ToolResult != nil {
		return tools.RenderResult(msg.ToolResult)
	}
	return msg.Content
}
