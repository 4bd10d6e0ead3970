package asynctask

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Service drives the task-group state machine and owns the timeout
// sweeper. Aggregated results are published directly on the
// orchestrator async-response topic, never returned to callers.
type Service struct {
	store     Store
	bus       broker.Broker
	namespace string
	cfg       config.AsyncConfig
	logger    *logger.Logger
	now       func() time.Time
	done      chan struct{}
}

// NewService wires the async human-task service.
func NewService(store Store, bus broker.Broker, namespace string, cfg config.AsyncConfig, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		namespace: namespace,
		cfg:       cfg,
		logger:    log.WithComponent("async-service"),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the periodic timeout sweeper.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sweepTimeouts(ctx); err != nil {
					s.logger.Error("timeout sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Service) Stop() {
	close(s.done)
}

// userResponsePayload is the wire form of a human response arriving on
// the gateway's user-response topic.
type userResponsePayload struct {
	TaskID   string         `json:"task_id"`
	FormData map[string]any `json:"form_data"`
}

// SubscribeUserResponses binds the service to a gateway's user-response
// topic on the bus.
func (s *Service) SubscribeUserResponses(gatewayID string) (broker.Subscription, error) {
	topic := a2a.AsyncUserResponseTopic(s.namespace, gatewayID)
	return s.bus.Subscribe(topic, func(ctx context.Context, msg *broker.Message) error {
		var payload userResponsePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.logger.Warn("dropping malformed user response", "topic", msg.Topic, "error", err)
			msg.Ack()
			return nil
		}
		if err := s.HandleUserResponse(ctx, payload.TaskID, payload.FormData); err != nil {
			s.logger.Error("user response failed", "taskId", payload.TaskID, "error", err)
		}
		msg.Ack()
		return nil
	})
}

// CreateTaskGroup persists one pending task per async response, then
// the group itself with status pending.
func (s *Service) CreateTaskGroup(ctx context.Context, stimulusUUID, sessionID, gatewayID string, stimulusState map[string]any, responses []AsyncResponse) (*TaskGroup, error) {
	if len(responses) == 0 {
		return nil, fmt.Errorf("task group needs at least one async response")
	}
	now := s.now()
	group := &TaskGroup{
		TaskGroupID:   uuid.NewString(),
		StimulusUUID:  stimulusUUID,
		SessionID:     sessionID,
		GatewayID:     gatewayID,
		StimulusState: stimulusState,
		UserResponses: make(map[string]map[string]any),
		CreationTime:  now,
		Status:        StatusPending,
	}
	for _, resp := range responses {
		task := &Task{
			TaskID:       uuid.NewString(),
			TaskGroupID:  group.TaskGroupID,
			Async:        resp,
			CreationTime: now,
			TimeoutTime:  now.Add(s.cfg.TaskTimeout()),
			Status:       StatusPending,
		}
		if err := s.store.PutTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persisting task: %w", err)
		}
		group.TaskIDs = append(group.TaskIDs, task.TaskID)
	}
	if err := s.store.PutGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("persisting task group: %w", err)
	}
	s.logger.Info("created task group",
		"groupId", group.TaskGroupID, "tasks", len(group.TaskIDs), "gateway", gatewayID)
	return group, nil
}

// HandleUserResponse completes one pending task with the submitted form
// data and finalises the group when it was the last outstanding task.
func (s *Service) HandleUserResponse(ctx context.Context, taskID string, formData map[string]any) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusPending {
		return fmt.Errorf("task %s is %s, not pending", taskID, task.Status)
	}
	task.Status = StatusCompleted
	task.UserResponse = formData
	if err := s.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}

	group, err := s.store.GetGroup(ctx, task.TaskGroupID)
	if err != nil {
		return err
	}
	if group.UserResponses == nil {
		group.UserResponses = make(map[string]map[string]any)
	}
	group.UserResponses[taskID] = formData
	if err := s.store.PutGroup(ctx, group); err != nil {
		return fmt.Errorf("updating group %s: %w", group.TaskGroupID, err)
	}
	return s.finalizeIfDone(ctx, group)
}

// sweepTimeouts marks every overdue pending task timed out and
// finalises any group that became fully done.
func (s *Service) sweepTimeouts(ctx context.Context) error {
	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	touched := make(map[string]struct{})
	for _, task := range pending {
		if !task.TimeoutTime.Before(now) {
			continue
		}
		task.Status = StatusTimedOut
		if err := s.store.PutTask(ctx, task); err != nil {
			return fmt.Errorf("timing out task %s: %w", task.TaskID, err)
		}
		s.logger.Warn("task timed out", "taskId", task.TaskID, "groupId", task.TaskGroupID)
		touched[task.TaskGroupID] = struct{}{}
	}
	for groupID := range touched {
		group, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := s.finalizeIfDone(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// finalizeIfDone publishes the aggregate and marks the group completed
// when every task is completed or timed out.
func (s *Service) finalizeIfDone(ctx context.Context, group *TaskGroup) error {
	if group.Status != StatusPending {
		return nil
	}
	tasks, err := s.store.ListGroupTasks(ctx, group.TaskGroupID)
	if err != nil {
		return err
	}
	anyTimedOut := false
	for _, task := range tasks {
		switch task.Status {
		case StatusPending:
			return nil
		case StatusTimedOut:
			anyTimedOut = true
		}
	}

	payload, err := json.Marshal(s.aggregate(group, tasks, anyTimedOut))
	if err != nil {
		return fmt.Errorf("encoding aggregate for group %s: %w", group.TaskGroupID, err)
	}
	topic := a2a.OrchestratorAsyncResponseTopic(s.namespace)
	if err := s.bus.Publish(ctx, topic, payload, nil); err != nil {
		return fmt.Errorf("publishing aggregate for group %s: %w", group.TaskGroupID, err)
	}

	group.Status = StatusCompleted
	if err := s.store.PutGroup(ctx, group); err != nil {
		return fmt.Errorf("closing group %s: %w", group.TaskGroupID, err)
	}
	s.logger.Info("task group completed",
		"groupId", group.TaskGroupID, "timedOut", anyTimedOut)
	return nil
}

func (s *Service) aggregate(group *TaskGroup, tasks []*Task, timedOut bool) map[string]any {
	results := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, map[string]any{
			"action_name":       task.Async.ActionName,
			"action_params":     task.Async.ActionParams,
			"action_idx":        task.Async.ActionIdx,
			"action_list_id":    task.Async.ActionListID,
			"originator":        task.Async.Originator,
			"async_response_id": task.Async.AsyncResponseID,
			"user_response":     task.UserResponse,
		})
	}
	return map[string]any{
		"task_group_id":   group.TaskGroupID,
		"stimulus_uuid":   group.StimulusUUID,
		"session_id":      group.SessionID,
		"gateway_id":      group.GatewayID,
		"stimulus_state":  group.StimulusState,
		"timed_out":       timedOut,
		"async_responses": results,
	}
}

// GetPendingForms projects the pending tasks of one gateway that the
// identity may approve.
func (s *Service) GetPendingForms(ctx context.Context, gatewayID, identity string) ([]PendingForm, error) {
	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []PendingForm
	for _, task := range pending {
		if !approverMatch(task.Async.ApproverList, identity) {
			continue
		}
		group, err := s.store.GetGroup(ctx, task.TaskGroupID)
		if err != nil {
			return nil, err
		}
		if group.GatewayID != gatewayID {
			continue
		}
		out = append(out, PendingForm{
			TaskID:       task.TaskID,
			SessionID:    group.SessionID,
			StimulusUUID: group.StimulusUUID,
			UserForm:     task.Async.UserForm,
		})
	}
	return out, nil
}

func approverMatch(approvers []string, identity string) bool {
	for _, a := range approvers {
		if a == identity {
			return true
		}
	}
	return false
}
