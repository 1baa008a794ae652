package llm

import (
	"context"
	"sync"

	"github.com/codebuff/agent-runtime/internal/streamparser"
)

// ScriptedProvider replays canned turns and records every request it
// receives. It exists for deterministic tests and local dry runs; the
// same prompt against the same session state must produce the same
// output, so the script is consumed strictly in order.
type ScriptedProvider struct {
	mu       sync.Mutex
	turns    [][]streamparser.Chunk
	next     int
	Requests []*Request
}

// NewScriptedProvider builds a provider replaying the given turns.
// Each turn is the chunk sequence for one Stream call; when the script
// is exhausted, further turns stream nothing.
func NewScriptedProvider(turns ...[]streamparser.Chunk) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// TextTurn is a convenience for a turn of single text chunks.
func TextTurn(texts ...string) []streamparser.Chunk {
	chunks := make([]streamparser.Chunk, 0, len(texts))
	for _, text := range texts {
		chunks = append(chunks, streamparser.Chunk{Kind: streamparser.ChunkText, Text: text})
	}
	return chunks
}

// Name identifies the provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Turns reports how many turns were consumed.
func (p *ScriptedProvider) Turns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Stream replays the next scripted turn.
func (p *ScriptedProvider) Stream(ctx context.Context, req *Request) (<-chan streamparser.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	var turn []streamparser.Chunk
	if p.next < len(p.turns) {
		turn = p.turns[p.next]
	}
	p.next++
	p.mu.Unlock()

	out := make(chan streamparser.Chunk)
	go func() {
		defer close(out)
		for _, chunk := range turn {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
