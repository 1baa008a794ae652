// Package sandbox hosts untrusted handleSteps generator source in an
// isolated JavaScript interpreter. One sandbox exists per runId; it is
// created lazily and must be removed on every run termination path.
package sandbox

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// LogSink receives logger calls made inside a sandbox so they can be
// forwarded as handlesteps-log-chunk events.
type LogSink func(level, text string)

// Manager owns the per-run sandbox registry. Entries are accessed only
// by their owning run task; the map itself is mutex-guarded because
// removal can race creation across runs.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Sandbox
	logger  *slog.Logger
}

// NewManager creates an empty sandbox registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries: make(map[string]*Sandbox),
		logger:  logger,
	}
}

// GetOrCreate returns the sandbox for runID, creating it from source
// on first use. Exactly one generator instance exists per run.
func (m *Manager) GetOrCreate(runID, source string, args models.StepperArgs, sink LogSink) (*Sandbox, error) {
	m.mu.Lock()
	if sb, ok := m.entries[runID]; ok {
		m.mu.Unlock()
		return sb, nil
	}
	m.mu.Unlock()

	sb, err := newSandbox(source, args, sink, m.logger.With("run_id", runID))
	if err != nil {
		return nil, fmt.Errorf("create sandbox for run %s: %w", runID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[runID]; ok {
		sb.Close()
		return existing, nil
	}
	m.entries[runID] = sb
	return sb, nil
}

// Remove disposes the sandbox for runID, if any. It is safe to call on
// every termination path.
func (m *Manager) Remove(runID string) {
	m.mu.Lock()
	sb, ok := m.entries[runID]
	delete(m.entries, runID)
	m.mu.Unlock()
	if ok {
		sb.Close()
	}
}

// Len reports the number of live sandboxes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
