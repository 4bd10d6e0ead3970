package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/internal/middleware"
)

// ExternalContext is everything the gateway must remember about a task to
// route its events back to the external platform: identity, resolved user
// config, the reply topics the agent was told to use, and the external
// correlation handles.
type ExternalContext struct {
	TargetAgent          string
	UserID               string
	UserIDForA2A         string
	UserConfig           middleware.UserConfig
	SessionID            string
	OriginalRequestID    string
	ReplyToTopic         string
	StatusTopic          string
	Streaming            bool
	InvokedWithArtifacts []string
	SubmittedAt          time.Time

	finalizing atomic.Bool
}

// BeginFinalize marks the task as finalizing. Signal-driven status updates
// are suppressed from this point on so nothing races past the terminal event.
func (c *ExternalContext) BeginFinalize() {
	c.finalizing.Store(true)
}

// Finalizing reports whether terminal delivery has started.
func (c *ExternalContext) Finalizing() bool {
	return c.finalizing.Load()
}

// streamBufferSuffix keys the per-task streaming text buffer, stored as an
// auxiliary entry alongside the task's context.
const streamBufferSuffix = "_stream_buffer"

// TaskContextManager is the thread-safe store of per-task external contexts
// plus their auxiliary stream buffers.
type TaskContextManager struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewTaskContextManager creates an empty manager.
func NewTaskContextManager() *TaskContextManager {
	return &TaskContextManager{entries: make(map[string]any)}
}

// Store records the context for a task id.
func (m *TaskContextManager) Store(taskID string, ec *ExternalContext) {
	m.mu.Lock()
	m.entries[taskID] = ec
	m.mu.Unlock()
}

// Get returns the context for a task id.
func (m *TaskContextManager) Get(taskID string) (*ExternalContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.entries[taskID].(*ExternalContext)
	return ec, ok
}

// Remove drops the context and any auxiliary entries for a task id.
func (m *TaskContextManager) Remove(taskID string) {
	m.mu.Lock()
	delete(m.entries, taskID)
	delete(m.entries, taskID+streamBufferSuffix)
	m.mu.Unlock()
}

// ClearAll drops every entry and returns how many task contexts were held.
func (m *TaskContextManager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.entries {
		if _, ok := v.(*ExternalContext); ok {
			n++
		}
		delete(m.entries, k)
	}
	return n
}

// Len returns the number of tracked task contexts.
func (m *TaskContextManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.entries {
		if _, ok := v.(*ExternalContext); ok {
			n++
		}
	}
	return n
}

// SetStreamBuffer replaces the held partial text for a task. An empty value
// removes the entry.
func (m *TaskContextManager) SetStreamBuffer(taskID, text string) {
	m.mu.Lock()
	if text == "" {
		delete(m.entries, taskID+streamBufferSuffix)
	} else {
		m.entries[taskID+streamBufferSuffix] = text
	}
	m.mu.Unlock()
}

// StreamBuffer returns the held partial text for a task.
func (m *TaskContextManager) StreamBuffer(taskID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, _ := m.entries[taskID+streamBufferSuffix].(string)
	return text
}

// TakeStreamBuffer returns and clears the held partial text for a task.
func (m *TaskContextManager) TakeStreamBuffer(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, _ := m.entries[taskID+streamBufferSuffix].(string)
	delete(m.entries, taskID+streamBufferSuffix)
	return text
}
