// Package gateway implements the protocol-independent gateway core: task
// submission on behalf of external users, the bridge loop that drains
// broker events into per-task handling, and the event processing pipeline
// (artifact URI resolution, late embeds, signals, terminal flushing).
// Concrete gateways embed GatewayBase and supply a Sink for their platform.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/metrics"
	"github.com/agentmesh/agentmesh/internal/discovery"
	"github.com/agentmesh/agentmesh/internal/embeds"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// taskIDPrefix marks gateway-originated task ids on the wire.
const taskIDPrefix = "gdk-task-"

// Sink delivers processed events to the external platform. Implementations
// belong to concrete gateways (webhook, websocket, CLI); errors bubble back
// to the bridge loop, which nacks the delivery.
type Sink interface {
	SendStatusUpdate(ctx context.Context, ec *ExternalContext, event *a2a.TaskStatusUpdateEvent) error
	SendArtifactUpdate(ctx context.Context, ec *ExternalContext, event *a2a.TaskArtifactUpdateEvent) error
	SendFinal(ctx context.Context, ec *ExternalContext, task *a2a.Task) error
	SendError(ctx context.Context, ec *ExternalContext, rpcErr *a2a.RPCError) error
}

// GatewayBase is the shared core embedded by concrete gateways.
type GatewayBase struct {
	bus       broker.Broker
	cfg       config.GatewayConfig
	namespace string
	registry  *discovery.Registry
	artifacts *artifact.Service
	resolver  *embeds.Resolver
	sink      Sink
	contexts  *TaskContextManager
	logger    *logger.Logger

	queue chan *broker.Message
	subs  []broker.Subscription
	done  chan struct{}
	now   func() time.Time
}

// NewGatewayBase wires a gateway core. artifacts may be nil when the
// deployment has no artifact store; URI resolution and artifact embeds are
// then skipped.
func NewGatewayBase(bus broker.Broker, cfg config.GatewayConfig, namespace string,
	registry *discovery.Registry, artifacts *artifact.Service, sink Sink, log *logger.Logger) *GatewayBase {

	resolver := embeds.NewResolver("", "", cfg.EmbedResolveMaxDepth, log)
	if artifacts != nil {
		embeds.RegisterArtifactHandlers(resolver, artifacts)
	}
	// status_update embeds an agent left unresolved surface here as
	// signals, so intermediate updates still reach the external platform.
	resolver.Register(embeds.TypeStatusUpdate, embeds.PhaseLate,
		func(_ context.Context, expr string, _ *embeds.RequestContext) (string, *embeds.Signal, error) {
			return "", &embeds.Signal{Kind: embeds.SignalStatusUpdate, Data: expr}, nil
		})
	return &GatewayBase{
		bus:       bus,
		cfg:       cfg,
		namespace: namespace,
		registry:  registry,
		artifacts: artifacts,
		resolver:  resolver,
		sink:      sink,
		contexts:  NewTaskContextManager(),
		logger:    log.WithComponent("gateway"),
		queue:     make(chan *broker.Message, cfg.QueueDepth),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Contexts exposes the task context manager, mostly for concrete gateways
// and tests.
func (g *GatewayBase) Contexts() *TaskContextManager {
	return g.contexts
}

// Registry returns the discovery registry this gateway feeds.
func (g *GatewayBase) Registry() *discovery.Registry {
	return g.registry
}

// Start subscribes the gateway's topic space and launches the bridge loop.
func (g *GatewayBase) Start(ctx context.Context) error {
	patterns := []string{
		a2a.DiscoverySubscription(g.namespace),
		a2a.GatewayResponseSubscription(g.namespace, g.cfg.ID),
		a2a.GatewayStatusSubscription(g.namespace, g.cfg.ID),
	}
	for _, p := range patterns {
		sub, err := g.bus.Subscribe(p, g.enqueue)
		if err != nil {
			g.Stop()
			return fmt.Errorf("subscribing %s: %w", p, err)
		}
		g.subs = append(g.subs, sub)
	}
	go g.bridgeLoop(ctx)
	g.logger.Info("gateway started", "gateway", g.cfg.ID, "queue_depth", g.cfg.QueueDepth)
	return nil
}

// Stop drops subscriptions and stops the bridge loop. Tracked task contexts
// are cleared; in-flight tasks lose their delivery route.
func (g *GatewayBase) Stop() {
	for _, sub := range g.subs {
		sub.Unsubscribe() //nolint:errcheck
	}
	g.subs = nil
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	if n := g.contexts.ClearAll(); n > 0 {
		g.logger.Warn("dropped task contexts on shutdown", "count", n)
	}
}

// enqueue hands a delivery to the bridge loop. A full queue nacks the
// message so the broker redelivers it later instead of blocking the
// subscription callback.
func (g *GatewayBase) enqueue(_ context.Context, msg *broker.Message) error {
	select {
	case g.queue <- msg:
		return nil
	default:
		g.logger.Warn("bridge queue full, nacking", "topic", msg.Topic)
		msg.Nack()
		return nil
	}
}

// bridgeLoop is the single drainer of the bridge queue. Each item is acked
// after successful processing and nacked (with a backoff pause) on error.
func (g *GatewayBase) bridgeLoop(ctx context.Context) {
	backoff := time.Duration(g.cfg.NackBackoffMillis) * time.Millisecond
	for {
		select {
		case <-g.done:
			return
		case <-ctx.Done():
			return
		case msg := <-g.queue:
			if err := g.dispatch(ctx, msg); err != nil {
				g.logger.Error("event processing failed", "topic", msg.Topic, "error", err)
				msg.Nack()
				if backoff > 0 {
					time.Sleep(backoff)
				}
				continue
			}
			msg.Ack()
		}
	}
}

// dispatch routes one delivery by topic class. Malformed payloads and
// events without a tracked context are acked and dropped; only genuine
// processing failures return an error.
func (g *GatewayBase) dispatch(ctx context.Context, msg *broker.Message) error {
	discoveryPrefix := a2a.DiscoverySubscription(g.namespace)
	discoveryPrefix = strings.TrimSuffix(discoveryPrefix, a2a.WildcardTail)
	if strings.HasPrefix(msg.Topic, discoveryPrefix) {
		metrics.EventsReceived.WithLabelValues("discovery").Inc()
		if err := g.registry.HandleCardPayload(msg.Payload); err != nil {
			g.logger.Warn("dropping malformed agent card", "topic", msg.Topic, "error", err)
		}
		return nil
	}

	var taskID string
	var err error
	switch {
	case strings.HasPrefix(msg.Topic, a2a.GatewayResponsePrefix(g.namespace, g.cfg.ID)):
		metrics.EventsReceived.WithLabelValues("gateway_response").Inc()
		taskID, err = a2a.ExtractTaskID(a2a.GatewayResponsePrefix(g.namespace, g.cfg.ID), msg.Topic)
	case strings.HasPrefix(msg.Topic, a2a.GatewayStatusPrefix(g.namespace, g.cfg.ID)):
		metrics.EventsReceived.WithLabelValues("gateway_status").Inc()
		taskID, err = a2a.ExtractTaskID(a2a.GatewayStatusPrefix(g.namespace, g.cfg.ID), msg.Topic)
	default:
		metrics.EventsReceived.WithLabelValues("other").Inc()
		g.logger.Debug("ignoring event on unexpected topic", "topic", msg.Topic)
		return nil
	}
	if err != nil {
		g.logger.Warn("dropping event without task id", "topic", msg.Topic, "error", err)
		return nil
	}

	ec, ok := g.contexts.Get(taskID)
	if !ok {
		metrics.EventsIgnored.Inc()
		g.logger.Debug("ignoring event for unknown task", "task_id", taskID)
		return nil
	}

	resp, err := a2a.ParseResponse(msg.Payload)
	if err != nil {
		g.logger.Warn("dropping malformed event payload", "task_id", taskID, "error", err)
		return nil
	}
	if resp.Error != nil {
		return g.handleRPCError(ctx, taskID, ec, resp.Error)
	}
	event, err := a2a.DecodeEvent(resp.Result)
	if err != nil {
		g.logger.Warn("dropping undecodable event", "task_id", taskID, "error", err)
		return nil
	}
	return g.ProcessParsedEvent(ctx, taskID, ec, event)
}

// SubmitTask validates identity and access, stores the external context,
// and publishes the task request to the target agent. It returns the
// generated task id the caller correlates future events with.
func (g *GatewayBase) SubmitTask(ctx context.Context, targetAgent string, parts []a2a.Part, ec *ExternalContext) (string, error) {
	if ec == nil || ec.UserID == "" {
		return "", fmt.Errorf("permission denied: request carries no user identity")
	}
	cr := middleware.Get().ConfigResolver()
	userConfig, err := cr.ResolveUserConfig(ctx, ec.UserID, ec.UserConfig)
	if err != nil {
		return "", fmt.Errorf("resolving user config for %s: %w", ec.UserID, err)
	}
	vctx := middleware.ValidationContext{Resource: targetAgent, ComponentType: "gateway"}
	if err := cr.ValidateAgentAccess(ctx, targetAgent, userConfig, vctx); err != nil {
		return "", fmt.Errorf("permission denied for agent %s: %w", targetAgent, err)
	}

	submittedAt := g.now().UTC()
	stamped := make([]a2a.Part, 0, len(parts)+1)
	stamped = append(stamped, a2a.NewTextPart(
		fmt.Sprintf("Request received by %s at %s.", g.cfg.ID, submittedAt.Format(time.RFC3339))))
	stamped = append(stamped, parts...)

	taskID := taskIDPrefix + uuid.NewString()
	ec.TargetAgent = targetAgent
	ec.UserConfig = userConfig
	ec.SubmittedAt = submittedAt
	ec.ReplyToTopic = a2a.GatewayResponseTopic(g.namespace, g.cfg.ID, taskID)
	if ec.Streaming {
		ec.StatusTopic = a2a.GatewayStatusTopic(g.namespace, g.cfg.ID, taskID)
	}
	g.contexts.Store(taskID, ec)

	method := a2a.MethodMessageSend
	if ec.Streaming {
		method = a2a.MethodMessageStream
	}
	req, err := a2a.NewRequest(method, a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser, Parts: stamped},
	})
	if err != nil {
		g.contexts.Remove(taskID)
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		g.contexts.Remove(taskID)
		return "", fmt.Errorf("encoding task request: %w", err)
	}

	props := map[string]string{
		a2a.PropClientID: g.cfg.ID,
		a2a.PropUserID:   ec.a2aUserID(),
		a2a.PropReplyTo:  ec.ReplyToTopic,
	}
	if rawConfig, err := json.Marshal(userConfig); err == nil && len(userConfig) > 0 {
		props[a2a.PropUserConfig] = string(rawConfig)
	}
	if ec.Streaming {
		props[a2a.PropStatusTopic] = ec.StatusTopic
	}

	if err := g.bus.Publish(ctx, a2a.AgentRequestTopic(g.namespace, targetAgent), payload, props); err != nil {
		g.contexts.Remove(taskID)
		return "", fmt.Errorf("publishing task request: %w", err)
	}
	g.logger.Info("task submitted", "task_id", taskID, "agent", targetAgent,
		"user_id", ec.UserID, "streaming", ec.Streaming)
	return taskID, nil
}

func (c *ExternalContext) a2aUserID() string {
	if c.UserIDForA2A != "" {
		return c.UserIDForA2A
	}
	return c.UserID
}

// CancelTask asks the task's agent to cancel. The gateway keeps the context
// until the agent's terminal canceled event arrives.
func (g *GatewayBase) CancelTask(ctx context.Context, taskID string) error {
	ec, ok := g.contexts.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s is not tracked by this gateway", taskID)
	}
	req, err := a2a.NewRequest(a2a.MethodTasksCancel, a2a.CancelParams{TaskID: taskID})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding cancel request: %w", err)
	}
	props := map[string]string{
		a2a.PropClientID: g.cfg.ID,
		a2a.PropUserID:   ec.a2aUserID(),
	}
	return g.bus.Publish(ctx, a2a.AgentRequestTopic(g.namespace, ec.TargetAgent), payload, props)
}

// ProcessParsedEvent runs the per-event pipeline: URI resolution, late
// embed resolution, signal fan-out, drop rules, and terminal flushing.
func (g *GatewayBase) ProcessParsedEvent(ctx context.Context, taskID string, ec *ExternalContext, event any) error {
	switch ev := event.(type) {
	case *a2a.TaskStatusUpdateEvent:
		return g.handleStatusUpdate(ctx, taskID, ec, ev)
	case *a2a.TaskArtifactUpdateEvent:
		g.processParts(ctx, taskID, ec, ev.Artifact.Parts)
		return g.sink.SendArtifactUpdate(ctx, ec, ev)
	case *a2a.Task:
		return g.handleTerminal(ctx, taskID, ec, ev)
	default:
		return fmt.Errorf("unsupported event type %T for task %s", event, taskID)
	}
}

func (g *GatewayBase) handleRPCError(ctx context.Context, taskID string, ec *ExternalContext, rpcErr *a2a.RPCError) error {
	ec.BeginFinalize()
	g.logger.Warn("task failed with rpc error", "task_id", taskID,
		"code", rpcErr.Code, "message", rpcErr.Message)
	metrics.TaskTerminal.WithLabelValues(string(a2a.TaskStateFailed)).Inc()
	err := g.sink.SendError(ctx, ec, rpcErr)
	g.contexts.Remove(taskID)
	return err
}

func (g *GatewayBase) handleStatusUpdate(ctx context.Context, taskID string, ec *ExternalContext, ev *a2a.TaskStatusUpdateEvent) error {
	modified := false
	if ev.Status.Message != nil {
		modified = g.processParts(ctx, taskID, ec, ev.Status.Message.Parts)
	}
	if g.statusUpdateEmpty(ev) && !modified && !ev.Final {
		g.logger.Debug("dropping empty intermediate status update", "task_id", taskID)
		return nil
	}
	return g.sink.SendStatusUpdate(ctx, ec, ev)
}

func (g *GatewayBase) statusUpdateEmpty(ev *a2a.TaskStatusUpdateEvent) bool {
	if ev.Status.Message == nil {
		return true
	}
	for _, p := range ev.Status.Message.Parts {
		switch p.Kind {
		case a2a.PartKindText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		case a2a.PartKindFile, a2a.PartKindData:
			return false
		}
	}
	return true
}

// handleTerminal delivers the task's terminal event. Any buffered partial
// streaming text is flushed as a non-final update first, so the external
// platform never loses trailing output.
func (g *GatewayBase) handleTerminal(ctx context.Context, taskID string, ec *ExternalContext, task *a2a.Task) error {
	ec.BeginFinalize()

	if held := g.contexts.TakeStreamBuffer(taskID); held != "" {
		resolved, _ := g.resolver.ResolveLate(ctx, held, g.requestContext(taskID, ec))
		if strings.TrimSpace(resolved) != "" {
			flush := &a2a.TaskStatusUpdateEvent{
				Kind:   a2a.KindStatusUpdate,
				TaskID: taskID,
				Status: a2a.TaskStatus{
					State:     a2a.TaskStateWorking,
					Message:   &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(resolved)}},
					Timestamp: g.now().UTC(),
				},
			}
			if err := g.sink.SendStatusUpdate(ctx, ec, flush); err != nil {
				return err
			}
		}
	}

	if task.Status.Message != nil {
		g.processParts(ctx, taskID, ec, task.Status.Message.Parts)
	}
	for i := range task.Artifacts {
		g.processParts(ctx, taskID, ec, task.Artifacts[i].Parts)
	}

	if err := g.sink.SendFinal(ctx, ec, task); err != nil {
		return err
	}
	metrics.TaskTerminal.WithLabelValues(string(task.Status.State)).Inc()
	g.contexts.Remove(taskID)
	g.logger.Info("task finished", "task_id", taskID, "state", string(task.Status.State))
	return nil
}

// processParts resolves artifact URIs and late embeds in place and fans out
// any signals. It reports whether any part's content changed.
func (g *GatewayBase) processParts(ctx context.Context, taskID string, ec *ExternalContext, parts []a2a.Part) bool {
	rctx := g.requestContext(taskID, ec)
	modified := false
	for i := range parts {
		p := &parts[i]
		switch p.Kind {
		case a2a.PartKindText:
			resolved, signals, changed := g.resolveTextChunk(ctx, taskID, rctx, p.Text)
			if changed {
				p.Text = resolved
				modified = true
			}
			g.emitSignals(ctx, taskID, ec, signals)
		case a2a.PartKindFile:
			if g.resolveFilePart(ctx, taskID, ec, rctx, p) {
				modified = true
			}
		}
	}
	return modified
}

// resolveTextChunk resolves late embeds in one text chunk, holding back a
// trailing partial embed in the stream buffer so delimiters spanning chunks
// can complete on the next delivery.
func (g *GatewayBase) resolveTextChunk(ctx context.Context, taskID string, rctx *embeds.RequestContext, text string) (string, []embeds.Signal, bool) {
	full := g.contexts.TakeStreamBuffer(taskID) + text
	ready, held := g.resolver.SplitIncomplete(full)
	g.contexts.SetStreamBuffer(taskID, held)
	resolved, signals := g.resolver.ResolveLate(ctx, ready, rctx)
	return resolved, signals, resolved != text
}

// resolveFilePart inlines artifact:// references when enabled and resolves
// late embeds inside text-typed inline files.
func (g *GatewayBase) resolveFilePart(ctx context.Context, taskID string, ec *ExternalContext, rctx *embeds.RequestContext, p *a2a.Part) bool {
	if p.File == nil {
		return false
	}
	modified := false
	if g.cfg.ResolveArtifactURIs && g.artifacts != nil &&
		strings.HasPrefix(p.File.URI, "artifact://") {
		data, meta, err := g.artifacts.ResolveURI(ctx, p.File.URI)
		if err != nil {
			g.logger.Warn("artifact uri resolution failed, forwarding as-is",
				"task_id", taskID, "uri", p.File.URI, "error", err)
		} else {
			p.File.Bytes = base64.StdEncoding.EncodeToString(data)
			p.File.URI = ""
			if p.File.MimeType == "" {
				p.File.MimeType = meta.MimeType
			}
			if p.File.Name == "" {
				p.File.Name = meta.Filename
			}
			modified = true
		}
	}
	if p.File.Bytes != "" {
		raw, err := base64.StdEncoding.DecodeString(p.File.Bytes)
		if err == nil && g.resolver.IsContainer(p.File.MimeType, string(raw)) {
			resolved, signals := g.resolver.ResolveLate(ctx, string(raw), rctx)
			g.emitSignals(ctx, taskID, ec, signals)
			if resolved != string(raw) {
				p.File.Bytes = base64.StdEncoding.EncodeToString([]byte(resolved))
				modified = true
			}
		}
	}
	return modified
}

// emitSignals turns status-update signals into intermediate updates unless
// the task is already finalizing.
func (g *GatewayBase) emitSignals(ctx context.Context, taskID string, ec *ExternalContext, signals []embeds.Signal) {
	for _, sig := range signals {
		if sig.Kind != embeds.SignalStatusUpdate {
			continue
		}
		if ec.Finalizing() {
			g.logger.Debug("suppressing signal during finalization", "task_id", taskID)
			continue
		}
		update := &a2a.TaskStatusUpdateEvent{
			Kind:   a2a.KindStatusUpdate,
			TaskID: taskID,
			Status: a2a.TaskStatus{
				State:     a2a.TaskStateWorking,
				Message:   &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(sig.Data)}},
				Timestamp: g.now().UTC(),
			},
			Metadata: map[string]any{"source": "gateway_signal"},
		}
		if err := g.sink.SendStatusUpdate(ctx, ec, update); err != nil {
			g.logger.Warn("failed to deliver signal update", "task_id", taskID, "error", err)
		}
	}
}

func (g *GatewayBase) requestContext(taskID string, ec *ExternalContext) *embeds.RequestContext {
	return &embeds.RequestContext{
		TaskID:    taskID,
		UserID:    ec.a2aUserID(),
		SessionID: ec.SessionID,
	}
}
