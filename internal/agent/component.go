package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/metrics"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Name implements apphost.Component.
func (a *Agent) Name() string {
	return "agent/" + a.cfg.Name
}

// Start subscribes the agent's request, peer-response, and discovery
// topics, and begins periodic card publication.
func (a *Agent) Start(ctx context.Context) error {
	a.baseCtx = ctx

	reqSub, err := a.bus.Subscribe(a2a.AgentRequestTopic(a.namespace, a.cfg.Name), a.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribing agent requests: %w", err)
	}
	a.subs = append(a.subs, reqSub)

	peerSub, err := a.bus.Subscribe(a2a.PeerResponseSubscription(a.namespace, a.cfg.Name), a.handlePeerResponse)
	if err != nil {
		a.Stop()
		return fmt.Errorf("subscribing peer responses: %w", err)
	}
	a.subs = append(a.subs, peerSub)

	discSub, err := a.bus.Subscribe(a2a.DiscoverySubscription(a.namespace), a.handleDiscovery)
	if err != nil {
		a.Stop()
		return fmt.Errorf("subscribing discovery: %w", err)
	}
	a.subs = append(a.subs, discSub)

	go a.publishCardLoop(ctx)
	a.logger.Info("agent started", "agent", a.cfg.Name, "model", a.cfg.Model)
	return nil
}

// Stop unsubscribes and stops the card publisher. Running tasks keep
// their contexts but can no longer receive events.
func (a *Agent) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	a.subs = nil
	a.logger.Info("agent stopped", "agent", a.cfg.Name)
}

func (a *Agent) baseContext() context.Context {
	if a.baseCtx != nil {
		return a.baseCtx
	}
	return context.Background()
}

// publishCardLoop republishes the agent card on the discovery topic so
// peers and gateways see the agent as live.
func (a *Agent) publishCardLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.CardPublishSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.publishCard(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.publishCard(ctx)
		case <-a.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) publishCard(ctx context.Context) {
	card := a2a.AgentCard{Name: a.cfg.Name}
	for name := range a.tools {
		card.Tools = append(card.Tools, name)
	}
	payload, err := json.Marshal(card)
	if err != nil {
		a.logger.Error("card encode failed", "error", err)
		return
	}
	topic := a2a.DiscoveryTopic(a.namespace, a.cfg.Name)
	if err := a.bus.Publish(ctx, topic, payload, nil); err != nil {
		a.logger.Warn("card publish failed", "error", err)
	}
}

func (a *Agent) handleDiscovery(_ context.Context, msg *broker.Message) error {
	defer msg.Ack()
	if err := a.registry.HandleCardPayload(msg.Payload); err != nil {
		a.logger.Warn("dropping malformed agent card", "topic", msg.Topic, "error", err)
	}
	return nil
}

// handleRequest accepts one A2A request from the agent's request topic.
// Malformed envelopes are acked and dropped; a task failure never nacks
// the transport.
func (a *Agent) handleRequest(_ context.Context, msg *broker.Message) error {
	defer msg.Ack()

	req, err := a2a.ParseRequest(msg.Payload)
	if err != nil {
		a.logger.Warn("dropping malformed request", "topic", msg.Topic, "error", err)
		return nil
	}
	metrics.EventsReceived.WithLabelValues("agent-request").Inc()

	switch req.Method {
	case a2a.MethodTasksCancel:
		a.handleCancel(req)
		return nil
	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		a.handleSend(req, msg.UserProperties)
		return nil
	default:
		a.logger.Warn("unsupported method", "method", req.Method)
		a.replyError(req, msg.UserProperties, a2a.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported", req.Method))
		return nil
	}
}

func (a *Agent) handleSend(req *a2a.Request, props map[string]string) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.logger.Warn("dropping request with bad params", "error", err)
		a.replyError(req, props, a2a.CodeInvalidRequest, "invalid message/send params: "+err.Error())
		return
	}

	replyTo := props[a2a.PropReplyTo]
	if replyTo == "" {
		a.logger.Warn("dropping request without replyTo", "request_id", req.ID)
		return
	}
	userID := props[a2a.PropUserID]
	var baseConfig middleware.UserConfig
	if raw := props[a2a.PropUserConfig]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &baseConfig); err != nil {
			a.replyError(req, props, a2a.CodeInvalidRequest, "malformed user config")
			return
		}
	}
	cr := middleware.Get().ConfigResolver()
	userConfig, err := cr.ResolveUserConfig(a.baseContext(), userID, baseConfig)
	if err != nil {
		a.replyError(req, props, a2a.CodeInternalError, "resolving user config: "+err.Error())
		return
	}
	vctx := middleware.ValidationContext{Resource: a.cfg.Name, ComponentType: "agent"}
	if err := cr.ValidateAgentAccess(a.baseContext(), a.cfg.Name, userConfig, vctx); err != nil {
		a.replyError(req, props, a2a.CodeDenied, err.Error())
		return
	}

	tctx := newTaskContext(taskIDFromReplyTo(replyTo))
	tctx.AppName = a.cfg.Name
	tctx.UserID = userID
	tctx.RequestID = req.ID
	tctx.ReplyTo = replyTo
	tctx.StatusTopic = props[a2a.PropStatusTopic]
	tctx.Streaming = req.Method == a2a.MethodMessageStream && tctx.StatusTopic != ""
	if parent, ok := params.Metadata[a2a.MetadataKeyParentTaskID].(string); ok {
		tctx.ParentTaskID = parent
	}
	if sid, ok := params.Metadata["sessionId"].(string); ok && sid != "" {
		tctx.SessionID = sid
	} else {
		tctx.SessionID = tctx.TaskID
	}

	a.trackTask(tctx)
	a.logger.Info("task accepted",
		"task_id", tctx.TaskID, "user_id", userID, "streaming", tctx.Streaming,
		"parent_task_id", tctx.ParentTaskID)
	go a.runTask(a.baseContext(), tctx, &params.Message)
}

// taskIDFromReplyTo derives the task id from the reply topic tail: the
// last path segment, then the part after the last correlation separator
// when the caller embedded one.
func taskIDFromReplyTo(replyTo string) string {
	tail := replyTo
	if idx := strings.LastIndex(tail, "/"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return stripCorrelation(tail)
}

func (a *Agent) handleCancel(req *a2a.Request) {
	var params a2a.CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.logger.Warn("dropping malformed cancel", "error", err)
		return
	}
	tctx, ok := a.task(params.TaskID)
	if !ok {
		metrics.EventsIgnored.Inc()
		a.logger.Debug("cancel for unknown task", "task_id", params.TaskID)
		return
	}
	a.logger.Info("cancel requested", "task_id", params.TaskID)
	tctx.Cancel()
	ctx := a.baseContext()
	a.cancelPeerSubTasks(ctx, tctx)
	// A paused task has no driver loop to observe the flag; finalize here.
	if tctx.Paused() {
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateCanceled, "The task was canceled.")
	}
}

func (a *Agent) replyError(req *a2a.Request, props map[string]string, code int, message string) {
	replyTo := props[a2a.PropReplyTo]
	if replyTo == "" {
		return
	}
	resp := a2a.NewErrorResponse(req.ID, code, message)
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := a.bus.Publish(a.baseContext(), replyTo, payload, map[string]string{
		a2a.PropClientID: a.cfg.Name,
	}); err != nil {
		a.logger.Warn("error reply publish failed", "topic", replyTo, "error", err)
	}
}
