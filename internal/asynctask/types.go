// Package asynctask tracks human-in-the-loop task groups: a stimulus
// fans out into pending tasks awaiting user form responses, and the
// aggregated result is published back to the orchestrator once every
// task has completed or timed out.
package asynctask

import (
	"context"
	"errors"
	"time"
)

// Statuses shared by tasks and groups.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusTimedOut  = "timed_out"
)

// ErrNotFound is returned for unknown task or group ids.
var ErrNotFound = errors.New("async task not found")

// AsyncResponse is one requested human action inside a stimulus.
type AsyncResponse struct {
	AsyncResponseID string         `json:"async_response_id"`
	ActionName      string         `json:"action_name"`
	ActionParams    map[string]any `json:"action_params,omitempty"`
	ActionIdx       int            `json:"action_idx"`
	ActionListID    string         `json:"action_list_id"`
	Originator      string         `json:"originator"`
	UserForm        map[string]any `json:"user_form,omitempty"`
	ApproverList    []string       `json:"approver_list,omitempty"`
}

// Task is one pending human task.
type Task struct {
	TaskID       string         `json:"task_id"`
	TaskGroupID  string         `json:"task_group_id"`
	Async        AsyncResponse  `json:"async_response"`
	CreationTime time.Time      `json:"creation_time"`
	TimeoutTime  time.Time      `json:"timeout_time"`
	Status       string         `json:"status"`
	UserResponse map[string]any `json:"user_response,omitempty"`
}

// TaskGroup aggregates the tasks spawned by one stimulus.
type TaskGroup struct {
	TaskGroupID   string                    `json:"task_group_id"`
	StimulusUUID  string                    `json:"stimulus_uuid"`
	SessionID     string                    `json:"session_id"`
	GatewayID     string                    `json:"gateway_id"`
	StimulusState map[string]any            `json:"stimulus_state,omitempty"`
	UserResponses map[string]map[string]any `json:"user_responses"`
	TaskIDs       []string                  `json:"task_id_list"`
	CreationTime  time.Time                 `json:"creation_time"`
	Status        string                    `json:"status"`
}

// PendingForm is the projection returned to gateways polling for work.
type PendingForm struct {
	TaskID       string         `json:"task_id"`
	SessionID    string         `json:"session_id"`
	StimulusUUID string         `json:"stimulus_uuid"`
	UserForm     map[string]any `json:"user_form,omitempty"`
}

// Store is the persistence contract. Each operation is atomic with
// respect to the entity it touches.
type Store interface {
	PutGroup(ctx context.Context, group *TaskGroup) error
	GetGroup(ctx context.Context, groupID string) (*TaskGroup, error)
	PutTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListPendingTasks(ctx context.Context) ([]*Task, error)
	ListGroupTasks(ctx context.Context, groupID string) ([]*Task, error)
}
