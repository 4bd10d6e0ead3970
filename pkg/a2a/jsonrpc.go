package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSON-RPC method names carried on the wire.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksCancel   = "tasks/cancel"
	MethodSandboxInvoke = "sandbox/invoke"
)

// JSON-RPC error codes used by the mesh.
const (
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeNotFound        = -32001
	CodeConflict        = -32002
	CodeDenied          = -32003
	CodeOperationFailed = -32004
	CodeInternalError   = -32603
)

// Broker user-property keys (case-sensitive).
const (
	PropClientID    = "clientId"
	PropUserID      = "userId"
	PropReplyTo     = "replyTo"
	PropStatusTopic = "a2aStatusTopic"
	PropUserConfig  = "a2aUserConfig"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MessageSendParams are the params of message/send and message/stream.
// Metadata carries out-of-band routing hints such as parentTaskId.
type MessageSendParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataKeyParentTaskID marks a request as a subtask of another task.
// Root-vs-subtask detection (deferred compaction notifications, cancellation
// fan-out) keys off its presence.
const MetadataKeyParentTaskID = "parentTaskId"

// CancelParams are the params of tasks/cancel.
type CancelParams struct {
	TaskID string `json:"taskId"`
}

// NewRequest builds a request with a fresh UUID id and marshaled params.
func NewRequest(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return &Request{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: raw}, nil
}

// NewResponse builds a success response carrying result.
func NewResponse(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ParseRequest decodes and validates a request envelope.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed request envelope: %w", err)
	}
	if req.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("request is missing an id")
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request is missing a method")
	}
	return &req, nil
}

// ParseResponse decodes and validates a response envelope.
func ParseResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("malformed response envelope: %w", err)
	}
	if resp.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", resp.JSONRPC)
	}
	return &resp, nil
}
