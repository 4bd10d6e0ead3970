// Package llm defines the streaming model-client contract the agent task
// core drives. Concrete providers live outside the mesh core; tests use
// scripted clients.
package llm

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/session"
)

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is a tool result fed back into the conversation. For
// long-running tools it may arrive inside the stream itself.
type FunctionResponse struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Request is one generation call: the model sees the session's filtered
// event view plus the available tools.
type Request struct {
	Model        string
	Instructions string
	Events       []session.Event
	Tools        []ToolDefinition
}

// Event is one chunk of a streamed generation. The stream channel closes
// after the last event; a non-nil Err ends the stream.
type Event struct {
	// InvocationID identifies the model invocation. The first event of a
	// stream carries it; later events may leave it empty.
	InvocationID string

	// TextDelta is an incremental piece of assistant text.
	TextDelta string

	// FunctionCalls requested by the model in this chunk.
	FunctionCalls []FunctionCall

	// FunctionResponses carried inline, typically early completions of
	// long-running tools.
	FunctionResponses []FunctionResponse

	// LongRunningToolIDs marks function-call ids whose responses arrive
	// out of band instead of synchronously.
	LongRunningToolIDs []string

	// Err terminates the stream with an error.
	Err error
}

// Client streams model generations.
type Client interface {
	// StreamGenerate starts a generation and returns its event stream.
	// Errors detectable before streaming begins are returned directly.
	StreamGenerate(ctx context.Context, req Request) (<-chan Event, error)
}
