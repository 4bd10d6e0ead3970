package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/metrics"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// correlationSeparator joins the parent task id and the peer's own task id
// inside a sub-task id. The peer derives its task id from the segment
// after the separator; cancellation strips the prefix the same way.
const correlationSeparator = ":"

func stripCorrelation(subTaskID string) string {
	if idx := strings.LastIndex(subTaskID, correlationSeparator); idx >= 0 {
		return subTaskID[idx+1:]
	}
	return subTaskID
}

// peerCallTool delegates part of a task to another agent. It is
// long-running: the request is published and the driver pauses until the
// peer's terminal event lands on the peer-response subscription.
type peerCallTool struct {
	agent *Agent
}

func (p *peerCallTool) Name() string { return "call_peer_agent" }

func (p *peerCallTool) Description() string {
	return "Delegate a sub-request to a named peer agent and wait for its result. " +
		"Args: agent (peer name), message (request text)."
}

func (p *peerCallTool) LongRunning() bool { return true }

func (p *peerCallTool) Invoke(ctx context.Context, tctx *TaskContext, callID string, args map[string]any) (map[string]any, error) {
	peer, _ := args["agent"].(string)
	message, _ := args["message"].(string)
	if peer == "" || message == "" {
		return nil, fmt.Errorf("call_peer_agent needs agent and message arguments")
	}
	if _, ok := p.agent.registry.Get(peer); !ok {
		return nil, fmt.Errorf("peer agent %q is not known or not live", peer)
	}

	a := p.agent
	subTaskID := tctx.TaskID + correlationSeparator + uuid.NewString()
	st := peerSubTask{
		Peer:           peer,
		FunctionCallID: callID,
		ToolName:       p.Name(),
		InvocationID:   tctx.InvocationID(),
	}
	tctx.registerPeerSubTask(subTaskID, st)
	a.mu.Lock()
	a.subIndex[subTaskID] = tctx.TaskID
	a.mu.Unlock()

	req, err := a2a.NewRequest(a2a.MethodMessageSend, a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart(message)}},
		Metadata: map[string]any{
			a2a.MetadataKeyParentTaskID: tctx.TaskID,
		},
	})
	if err != nil {
		a.unregisterSubTask(tctx, subTaskID, callID)
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		a.unregisterSubTask(tctx, subTaskID, callID)
		return nil, fmt.Errorf("encoding peer request: %w", err)
	}

	props := map[string]string{
		a2a.PropClientID: a.cfg.Name,
		a2a.PropUserID:   tctx.UserID,
		a2a.PropReplyTo:  a2a.PeerResponseTopic(a.namespace, a.cfg.Name, subTaskID),
	}
	if err := a.bus.Publish(ctx, a2a.AgentRequestTopic(a.namespace, peer), payload, props); err != nil {
		a.unregisterSubTask(tctx, subTaskID, callID)
		return nil, fmt.Errorf("publishing peer request: %w", err)
	}
	metrics.PeerSubTasks.WithLabelValues("pending").Inc()
	a.logger.Info("delegated to peer",
		"task_id", tctx.TaskID, "peer", peer, "sub_task_id", subTaskID)
	return nil, nil
}

func (a *Agent) unregisterSubTask(tctx *TaskContext, subTaskID, callID string) {
	tctx.mu.Lock()
	if st, ok := tctx.activePeerSubTasks[subTaskID]; ok {
		delete(tctx.activePeerSubTasks, subTaskID)
		tctx.expectedPeers[st.InvocationID]--
	}
	delete(tctx.pendingLongRunning, callID)
	tctx.mu.Unlock()
	a.mu.Lock()
	delete(a.subIndex, subTaskID)
	a.mu.Unlock()
}

// handlePeerResponse correlates one peer terminal event back to its parent
// task and re-enters the driver when the last delegation of the invocation
// has returned.
func (a *Agent) handlePeerResponse(ctx context.Context, msg *broker.Message) error {
	defer msg.Ack()

	prefix := a2a.PeerResponsePrefix(a.namespace, a.cfg.Name)
	if !strings.HasPrefix(msg.Topic, prefix) {
		return nil
	}
	subTaskID := msg.Topic[len(prefix):]

	a.mu.Lock()
	taskID, ok := a.subIndex[subTaskID]
	var tctx *TaskContext
	if ok {
		tctx = a.tasks[taskID]
		delete(a.subIndex, subTaskID)
	}
	a.mu.Unlock()
	if tctx == nil {
		metrics.EventsIgnored.Inc()
		a.logger.Debug("ignoring peer response without owner", "sub_task_id", subTaskID)
		return nil
	}

	payload := peerResponsePayload(msg.Payload)
	metrics.PeerSubTasks.WithLabelValues("returned").Inc()

	if tctx.Canceled() {
		a.logger.Debug("dropping peer response for canceled task",
			"task_id", tctx.TaskID, "sub_task_id", subTaskID)
		return nil
	}

	results, done := tctx.completePeerSubTask(subTaskID, payload)
	if !done {
		return nil
	}
	a.logger.Info("all peer responses arrived, resuming",
		"task_id", tctx.TaskID, "results", len(results))
	go a.continueTask(a.baseContext(), tctx, results)
	return nil
}

// peerResponsePayload reduces a peer's terminal envelope to a tool result
// payload. Errors and undecodable replies surface as error payloads so the
// model can react.
func peerResponsePayload(raw []byte) map[string]any {
	resp, err := a2a.ParseResponse(raw)
	if err != nil {
		return map[string]any{"error": "malformed peer response: " + err.Error()}
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message, "code": resp.Error.Code}
	}
	event, err := a2a.DecodeEvent(resp.Result)
	if err != nil {
		return map[string]any{"error": "undecodable peer response: " + err.Error()}
	}
	task, ok := event.(*a2a.Task)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("unexpected peer event %T", event)}
	}
	payload := map[string]any{"status": string(task.Status.State)}
	if task.Status.Message != nil {
		var text strings.Builder
		for _, p := range task.Status.Message.Parts {
			if p.Kind == a2a.PartKindText {
				text.WriteString(p.Text)
			}
		}
		payload["text"] = text.String()
	}
	return payload
}

// continueTask appends the merged tool-role event and re-enters the driver.
func (a *Agent) continueTask(ctx context.Context, tctx *TaskContext, results []peerResult) {
	if err := a.appendToolEvent(ctx, tctx, results); err != nil {
		a.logger.Error("persisting peer results failed", "task_id", tctx.TaskID, "error", err)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task could not persist peer results.")
		return
	}
	tctx.setPaused(false)
	a.execute(ctx, tctx)
}

// cancelPeerSubTasks fans tasks/cancel out to every outstanding delegation.
func (a *Agent) cancelPeerSubTasks(ctx context.Context, tctx *TaskContext) {
	for subTaskID, st := range tctx.takePeerSubTasks() {
		req, err := a2a.NewRequest(a2a.MethodTasksCancel, a2a.CancelParams{
			TaskID: stripCorrelation(subTaskID),
		})
		if err != nil {
			continue
		}
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		props := map[string]string{
			a2a.PropClientID: a.cfg.Name,
			a2a.PropUserID:   tctx.UserID,
		}
		if err := a.bus.Publish(ctx, a2a.AgentRequestTopic(a.namespace, st.Peer), payload, props); err != nil {
			a.logger.Warn("peer cancel publish failed",
				"task_id", tctx.TaskID, "peer", st.Peer, "error", err)
			continue
		}
		a.mu.Lock()
		delete(a.subIndex, subTaskID)
		a.mu.Unlock()
		a.logger.Info("canceled peer sub-task",
			"task_id", tctx.TaskID, "peer", st.Peer, "sub_task_id", subTaskID)
	}
}
