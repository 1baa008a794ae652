// Package streamparser extracts tool calls from an LLM token stream
// while forwarding plain text. Text emissions are prefix-monotonic: a
// tool-call envelope is never leaked as text, and text that could be
// the start of a delimiter is withheld until disambiguated.
package streamparser

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// ChunkKind identifies an incoming provider chunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkError     ChunkKind = "error"
)

// Chunk is one unit from the LLM provider stream.
type Chunk struct {
	Kind    ChunkKind
	Text    string
	Message string
}

// EventKind identifies a parser event.
type EventKind string

const (
	EventText          EventKind = "text"
	EventReasoning     EventKind = "reasoning"
	EventToolCall      EventKind = "toolCall"
	EventToolCallError EventKind = "toolCallError"
	EventStreamError   EventKind = "streamError"
)

// Event is one parser output: a text delta, a reasoning delta, a
// complete tool call, a malformed-call report, or a provider error.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *models.ToolCall
	Raw      string
	Reason   string
	Message  string
}

type parseState int

const (
	stateText parseState = iota
	stateToolCall
	stateToolResult
)

// Parser is a push-style incremental parser. Feed returns the events
// unlocked by each chunk; Finish flushes whatever remains. A parser
// serves exactly one LLM turn.
//
// The parser never stops itself: when a tool ends the step, the caller
// stops feeding chunks, so calls buffered in the same chunk (for
// example end_turn right after set_output) still parse.
type Parser struct {
	registry *tools.Registry

	buf   strings.Builder
	state parseState
}

// New creates a parser validating tool calls against registry.
func New(registry *tools.Registry) *Parser {
	return &Parser{registry: registry}
}

// Feed consumes one provider chunk.
func (p *Parser) Feed(chunk Chunk) []Event {
	switch chunk.Kind {
	case ChunkReasoning:
		if chunk.Text == "" {
			return nil
		}
		return []Event{{Kind: EventReasoning, Text: chunk.Text}}
	case ChunkError:
		return []Event{{Kind: EventStreamError, Message: chunk.Message}}
	}

	p.buf.WriteString(chunk.Text)
	return p.drain(false)
}

// Finish flushes buffered state at end of stream.
func (p *Parser) Finish() []Event {
	events := p.drain(true)
	remainder := p.buf.String()
	p.buf.Reset()
	switch p.state {
	case stateText:
		if remainder != "" {
			events = append(events, Event{Kind: EventText, Text: remainder})
		}
	case stateToolCall:
		events = append(events, Event{
			Kind:   EventToolCallError,
			Raw:    remainder,
			Reason: "Invalid JSON: unterminated tool call",
		})
	case stateToolResult:
		// Echoed results are stripped; an unterminated one is dropped.
	}
	return events
}

// drain repeatedly advances the state machine over the buffer.
func (p *Parser) drain(eof bool) []Event {
	var events []Event
	for {
		made, evs := p.advance(eof)
		events = append(events, evs...)
		if !made {
			return events
		}
	}
}

// advance makes at most one state transition. It reports whether any
// progress was made.
func (p *Parser) advance(eof bool) (bool, []Event) {
	buffered := p.buf.String()

	switch p.state {
	case stateText:
		callIdx := strings.Index(buffered, tools.ToolCallOpenTag)
		resultIdx := strings.Index(buffered, tools.ToolResultOpen)

		idx, tag, next := -1, "", stateText
		if callIdx >= 0 && (resultIdx < 0 || callIdx < resultIdx) {
			idx, tag, next = callIdx, tools.ToolCallOpenTag, stateToolCall
		} else if resultIdx >= 0 {
			idx, tag, next = resultIdx, tools.ToolResultOpen, stateToolResult
		}

		if idx >= 0 {
			var events []Event
			if idx > 0 {
				events = append(events, Event{Kind: EventText, Text: buffered[:idx]})
			}
			p.buf.Reset()
			p.buf.WriteString(buffered[idx+len(tag):])
			p.state = next
			return true, events
		}

		// No opening delimiter. Emit the safe prefix, withholding any
		// suffix that could still become a delimiter.
		hold := 0
		if !eof {
			hold = max(partialTagLen(buffered, tools.ToolCallOpenTag), partialTagLen(buffered, tools.ToolResultOpen))
		}
		safe := buffered[:len(buffered)-hold]
		if safe == "" {
			return false, nil
		}
		p.buf.Reset()
		p.buf.WriteString(buffered[len(safe):])
		return len(p.buf.String()) != len(buffered), []Event{{Kind: EventText, Text: safe}}

	case stateToolCall:
		end := strings.Index(buffered, tools.ToolCallCloseTag)
		if end < 0 {
			return false, nil
		}
		body := buffered[:end]
		p.buf.Reset()
		p.buf.WriteString(buffered[end+len(tools.ToolCallCloseTag):])
		p.state = stateText

		return true, []Event{p.parseBody(body)}

	case stateToolResult:
		end := strings.Index(buffered, tools.ToolResultClose)
		if end < 0 {
			return false, nil
		}
		p.buf.Reset()
		p.buf.WriteString(buffered[end+len(tools.ToolResultClose):])
		p.state = stateText
		return true, nil
	}
	return false, nil
}

// parseBody turns an envelope body into a tool call or a structured
// parse error. No partial state survives a malformed body.
func (p *Parser) parseBody(body string) Event {
	trimmed := strings.TrimSpace(body)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Event{Kind: EventToolCallError, Raw: body, Reason: "Invalid JSON: " + err.Error()}
	}

	rawName, ok := fields[tools.NameField]
	if !ok {
		return Event{Kind: EventToolCallError, Raw: body, Reason: "Tool call missing " + tools.NameField}
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil || name == "" {
		return Event{Kind: EventToolCallError, Raw: body, Reason: "Invalid " + tools.NameField}
	}
	delete(fields, tools.NameField)

	input, err := json.Marshal(fields)
	if err != nil {
		return Event{Kind: EventToolCallError, Raw: body, Reason: "Invalid JSON: " + err.Error()}
	}

	if _, ok := p.registry.Resolve(name); !ok {
		return Event{Kind: EventToolCallError, Raw: body, Reason: "Tool " + name + " not found"}
	}
	if err := p.registry.ValidateInput(name, input); err != nil {
		return Event{Kind: EventToolCallError, Raw: body, Reason: err.Error()}
	}

	return Event{
		Kind: EventToolCall,
		ToolCall: &models.ToolCall{
			ToolCallID: uuid.NewString(),
			ToolName:   name,
			Input:      input,
		},
	}
}

// partialTagLen returns the length of the longest proper prefix of tag
// found at the end of s.
func partialTagLen(s, tag string) int {
	limit := min(len(s), len(tag)-1)
	for k := limit; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
