// Package bridge connects the tool executor to the client over the
// wire protocol: the server side serializes tool-call and file requests
// and awaits correlated responses; the client side executes the local
// built-in tools against the real filesystem and shell.
package bridge

import (
	"encoding/json"
	"sync"
)

// Pending correlates request ids with their in-flight resolvers. All
// methods are safe for concurrent use; the websocket read pump resolves
// entries while run tasks wait on them.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

// NewPending creates an empty correlation table.
func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan json.RawMessage)}
}

// Register creates a resolver for requestID. The returned channel
// receives at most one payload.
func (p *Pending) Register(requestID string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers a response payload and drops the entry. Unknown ids
// (already timed out or never registered) report false.
func (p *Pending) Resolve(requestID string, payload json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	delete(p.waiters, requestID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// Drop evicts a resolver without delivering anything; callers use it on
// timeout so a late response is discarded instead of blocking.
func (p *Pending) Drop(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// Len reports the number of in-flight requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
