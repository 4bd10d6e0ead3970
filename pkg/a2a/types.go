// Package a2a implements the agent-to-agent wire protocol used across the
// mesh: JSON-RPC envelopes, task and message types, and the topic taxonomy
// that routes them over the broker.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Terminal reports whether the state ends the task. Exactly one terminal
// event is emitted per task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Part kinds for the discriminated Part union.
const (
	PartKindText = "text"
	PartKindFile = "file"
	PartKindData = "data"
)

// Part is one unit of message content: text, a file, or structured data.
// The Kind field discriminates which member is populated.
type Part struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent carries a file either inline (base64 Bytes) or by reference
// (URI, possibly an artifact:// URI).
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart creates a structured data part.
func NewDataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// NewFilePartBytes creates a file part with inline base64 content.
func NewFilePartBytes(name, mimeType, b64 string) Part {
	return Part{Kind: PartKindFile, File: &FileContent{Name: name, MimeType: mimeType, Bytes: b64}}
}

// NewFilePartURI creates a file part referencing a URI.
func NewFilePartURI(name, mimeType, uri string) Part {
	return Part{Kind: PartKindFile, File: &FileContent{Name: name, MimeType: mimeType, URI: uri}}
}

// Message is a single conversational turn.
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the current status of a task, optionally with a message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID string         `json:"artifactId"`
	Name       string         `json:"name,omitempty"`
	Parts      []Part         `json:"parts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Event kinds used to discriminate result payloads.
const (
	KindTask           = "task"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// Task is the unit of request/response between mesh participants.
type Task struct {
	Kind          string         `json:"kind"`
	ID            string         `json:"id"`
	LogicalTaskID string         `json:"logicalTaskId,omitempty"`
	ParentTaskID  string         `json:"parentTaskId,omitempty"`
	ContextID     string         `json:"contextId,omitempty"`
	Status        TaskStatus     `json:"status"`
	History       []Message      `json:"history,omitempty"`
	Artifacts     []Artifact     `json:"artifacts,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskStatusUpdateEvent is a non-terminal (or, with Final, terminal-adjacent)
// progress notification for a task.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent announces a new or updated artifact for a task.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentCard is an agent's self-description, republished periodically on the
// discovery topic. Liveness is last-heard-within-TTL.
type AgentCard struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	InputModes   []string       `json:"inputModes,omitempty"`
	PeerAgents   []string       `json:"peerAgents,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DecodeEvent parses a JSON-RPC result payload into one of *Task,
// *TaskStatusUpdateEvent, or *TaskArtifactUpdateEvent based on its kind.
func DecodeEvent(raw json.RawMessage) (any, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("event payload is not an object: %w", err)
	}
	switch probe.Kind {
	case KindTask:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}
		return &t, nil
	case KindStatusUpdate:
		var e TaskStatusUpdateEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decoding status update: %w", err)
		}
		return &e, nil
	case KindArtifactUpdate:
		var e TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decoding artifact update: %w", err)
		}
		return &e, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", probe.Kind)
}
