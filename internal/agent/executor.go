package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/discovery"
	"github.com/agentmesh/agentmesh/internal/embeds"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Agent is one mesh agent: it serves its request topic, drives tasks
// through the model and tools, delegates to peers, and persists every turn
// in the session store.
type Agent struct {
	bus       broker.Broker
	cfg       config.AgentConfig
	namespace string
	sessions  session.Service
	artifacts *artifact.Service
	client    llm.Client
	resolver  *embeds.Resolver
	registry  *discovery.Registry
	logger    *logger.Logger

	summarizer Summarizer
	validator  Validator
	tools      map[string]Tool

	mu       sync.Mutex
	tasks    map[string]*TaskContext
	subIndex map[string]string

	compactMu        sync.Mutex
	compactLocks     map[string]*sync.Mutex
	pendingSummaries map[string]string

	subs    []broker.Subscription
	done    chan struct{}
	baseCtx context.Context
	now     func() time.Time
}

// NewAgent wires an agent. artifacts may be nil; the default summarizer
// runs over the same model client.
func NewAgent(bus broker.Broker, cfg config.AgentConfig, namespace string,
	sessions session.Service, artifacts *artifact.Service, client llm.Client,
	log *logger.Logger) *Agent {

	a := &Agent{
		bus:              bus,
		cfg:              cfg,
		namespace:        namespace,
		sessions:         sessions,
		artifacts:        artifacts,
		client:           client,
		resolver:         embeds.NewResolver("", "", 0, log),
		registry:         discovery.NewRegistry(time.Duration(cfg.CardTTLSeconds)*time.Second, log),
		logger:           log.WithComponent("agent"),
		summarizer:       &llmSummarizer{client: client, model: cfg.Model},
		tools:            make(map[string]Tool),
		tasks:            make(map[string]*TaskContext),
		subIndex:         make(map[string]string),
		compactLocks:     make(map[string]*sync.Mutex),
		pendingSummaries: make(map[string]string),
		done:             make(chan struct{}),
		now:              time.Now,
	}
	a.RegisterTool(&peerCallTool{agent: a})
	return a
}

// RegisterTool adds a tool; re-registering a name replaces it.
func (a *Agent) RegisterTool(t Tool) {
	a.tools[t.Name()] = t
}

// SetSummarizer replaces the compaction summarizer.
func (a *Agent) SetSummarizer(s Summarizer) {
	a.summarizer = s
}

// SetValidator installs a response validator; rejected responses re-enter
// the driver with feedback, bounded by validationMaxRetries.
func (a *Agent) SetValidator(v Validator) {
	a.validator = v
}

// Registry returns the agent's view of discovered peers.
func (a *Agent) Registry() *discovery.Registry {
	return a.registry
}

func (a *Agent) task(taskID string) (*TaskContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tctx, ok := a.tasks[taskID]
	return tctx, ok
}

func (a *Agent) trackTask(tctx *TaskContext) {
	a.mu.Lock()
	a.tasks[tctx.TaskID] = tctx
	a.mu.Unlock()
}

func (a *Agent) forgetTask(tctx *TaskContext) {
	a.mu.Lock()
	delete(a.tasks, tctx.TaskID)
	for sub, owner := range a.subIndex {
		if owner == tctx.TaskID {
			delete(a.subIndex, sub)
		}
	}
	a.mu.Unlock()
}

// runTask is the entry point of a freshly accepted task: persist the
// context-setting and user events, then execute the driver.
func (a *Agent) runTask(ctx context.Context, tctx *TaskContext, message *a2a.Message) {
	sess, err := a.ensureSession(ctx, tctx)
	if err != nil {
		a.logger.Error("session setup failed", "task_id", tctx.TaskID, "error", err)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task could not open its session.")
		return
	}

	contextEvent := session.Event{
		Author:    "system",
		Timestamp: a.now().UTC(),
		Actions: &session.EventActions{StateDelta: map[string]any{
			"a2a_context": map[string]any{
				"task_id":   tctx.TaskID,
				"user_id":   tctx.UserID,
				"reply_to":  tctx.ReplyTo,
				"streaming": tctx.Streaming,
			},
		}},
	}
	if _, err := session.AppendEventWithRetry(ctx, a.sessions, sess, contextEvent); err != nil {
		a.logger.Error("context event append failed", "task_id", tctx.TaskID, "error", err)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task could not persist its context.")
		return
	}

	userEvent := session.Event{
		Author:    "user",
		Content:   message,
		Timestamp: a.now().UTC(),
	}
	if _, err := session.AppendEventWithRetry(ctx, a.sessions, sess, userEvent); err != nil {
		a.logger.Error("user event append failed", "task_id", tctx.TaskID, "error", err)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task could not persist the request.")
		return
	}

	a.execute(ctx, tctx)
}

func (a *Agent) ensureSession(ctx context.Context, tctx *TaskContext) (*session.Session, error) {
	sess, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return a.sessions.CreateSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
	}
	return sess, err
}

// execute runs the compaction-wrapped driver and maps its outcome onto
// terminal semantics. A paused return leaves the task waiting for peer
// responses; everything else finalizes exactly once.
func (a *Agent) execute(ctx context.Context, tctx *TaskContext) {
	paused, err := a.driveWithCompaction(ctx, tctx)
	switch {
	case err == nil && paused:
		tctx.setPaused(true)
		a.logger.Debug("task paused for long-running tools", "task_id", tctx.TaskID)
	case err == nil:
		if a.validator != nil {
			if verr := a.validator(tctx.FinalText()); verr != nil &&
				tctx.bumpValidationRetries() <= a.validationMaxRetries() {
				a.retryWithValidationFeedback(ctx, tctx, verr)
				return
			}
		}
		a.finalizeSuccess(ctx, tctx)
	case errors.Is(err, errTaskCanceled):
		a.cancelPeerSubTasks(ctx, tctx)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateCanceled, "The task was canceled.")
	case errors.Is(err, ErrLLMCallsExceeded):
		a.cancelPeerSubTasks(ctx, tctx)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed,
			"The task exceeded its model call limit and was stopped.")
	case errors.Is(err, errInsufficientHistory):
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, insufficientHistoryMessage)
	case errors.Is(err, errCompactionExhausted):
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, compactionExhaustedMessage)
	default:
		a.logger.Error("task failed", "task_id", tctx.TaskID, "error", err)
		a.cancelPeerSubTasks(ctx, tctx)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task failed: "+err.Error())
	}
}

func (a *Agent) validationMaxRetries() int {
	if a.cfg.ValidationMaxRetries > 0 {
		return a.cfg.ValidationMaxRetries
	}
	return 2
}

// retryWithValidationFeedback appends the validator's complaint as a user
// event and re-enters the driver.
func (a *Agent) retryWithValidationFeedback(ctx context.Context, tctx *TaskContext, verr error) {
	sess, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
	if err == nil {
		feedback := session.Event{
			Author: "user",
			Content: &a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart(
				"Your previous response failed validation: " + verr.Error() +
					". Please correct it and answer again.")}},
			Timestamp: a.now().UTC(),
		}
		_, err = session.AppendEventWithRetry(ctx, a.sessions, sess, feedback)
	}
	if err != nil {
		a.logger.Error("validation feedback append failed", "task_id", tctx.TaskID, "error", err)
		a.finalizeTerminal(ctx, tctx, a2a.TaskStateFailed, "The task could not persist validation feedback.")
		return
	}
	a.logger.Info("response failed validation, retrying",
		"task_id", tctx.TaskID, "attempt", tctx.validationRetries, "error", verr)
	a.execute(ctx, tctx)
}

// driveWithCompaction retries the driver across context-overflow errors,
// compacting between attempts, bounded to maxCompactionRetries.
func (a *Agent) driveWithCompaction(ctx context.Context, tctx *TaskContext) (bool, error) {
	for attempt := 0; ; attempt++ {
		sess, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
		if err != nil {
			return false, fmt.Errorf("loading session: %w", err)
		}
		paused, err := a.driveOnce(ctx, tctx, sess)
		if err == nil || !IsContextLimitError(err) {
			return paused, err
		}
		if attempt >= maxCompactionRetries-1 {
			return false, fmt.Errorf("%w: %v", errCompactionExhausted, err)
		}
		a.logger.Info("context limit hit, compacting",
			"task_id", tctx.TaskID, "session_id", tctx.SessionID, "attempt", attempt+1)
		if cerr := a.compact(ctx, tctx); cerr != nil {
			return false, cerr
		}
	}
}

// driveOnce runs a single model turn: stream events, execute tools, and
// either pause (long-running tools outstanding), recurse (sync responses
// collected), or return for finalization.
func (a *Agent) driveOnce(ctx context.Context, tctx *TaskContext, sess *session.Session) (bool, error) {
	if tctx.Canceled() {
		return false, errTaskCanceled
	}
	if calls := tctx.bumpLLMCalls(); calls > a.cfg.MaxLLMCallsPerTask {
		return false, ErrLLMCallsExceeded
	}
	if a.cfg.TestCompactionTokenLimit > 0 {
		if total := sessionTokens(sess.Events); total > a.cfg.TestCompactionTokenLimit {
			return false, fmt.Errorf("synthetic overflow at %d tokens: token limit", total)
		}
	}

	stream, err := a.client.StreamGenerate(ctx, llm.Request{
		Model:  a.cfg.Model,
		Events: sess.Events,
		Tools:  a.toolDefinitions(),
	})
	if err != nil {
		return false, err
	}

	var (
		turnText      strings.Builder
		syncResponses []peerResult
	)
	for ev := range stream {
		if ev.Err != nil {
			return false, ev.Err
		}
		tctx.setInvocationID(ev.InvocationID)
		for _, id := range ev.LongRunningToolIDs {
			tctx.markPending(id)
		}
		if ev.TextDelta != "" {
			if err := a.streamText(ctx, tctx, ev.TextDelta, &turnText); err != nil {
				return false, err
			}
		}
		for _, fc := range ev.FunctionCalls {
			result, handled := a.invokeTool(ctx, tctx, fc)
			if handled {
				syncResponses = append(syncResponses, result)
			}
		}
		for _, fr := range ev.FunctionResponses {
			if tctx.clearPending(fr.ID) {
				syncResponses = append(syncResponses,
					peerResult{FunctionCallID: fr.ID, ToolName: fr.Name, Payload: fr.Payload})
			}
		}
		if tctx.Canceled() {
			return false, errTaskCanceled
		}
	}

	if turnText.Len() > 0 {
		text := turnText.String()
		tctx.setFinalText(text)
		modelEvent := session.Event{
			InvocationID: tctx.InvocationID(),
			Author:       a.cfg.Name,
			Content:      &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}},
			Timestamp:    a.now().UTC(),
		}
		if _, err := session.AppendEventWithRetry(ctx, a.sessions, sess, modelEvent); err != nil {
			return false, fmt.Errorf("persisting model turn: %w", err)
		}
	}

	if tctx.pendingCount() > 0 {
		tctx.recordSyncResults(syncResponses)
		return true, nil
	}
	if len(syncResponses) > 0 {
		if err := a.appendToolEvent(ctx, tctx, syncResponses); err != nil {
			return false, err
		}
		fresh, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
		if err != nil {
			return false, fmt.Errorf("reloading session: %w", err)
		}
		return a.driveOnce(ctx, tctx, fresh)
	}
	return false, nil
}

// invokeTool dispatches one function call. Synchronous results (including
// tool errors, which the model gets a chance to react to) come back with
// handled=true; long-running tools register their bookkeeping themselves.
func (a *Agent) invokeTool(ctx context.Context, tctx *TaskContext, fc llm.FunctionCall) (peerResult, bool) {
	tool, ok := a.tools[fc.Name]
	if !ok {
		return peerResult{FunctionCallID: fc.ID, ToolName: fc.Name,
			Payload: map[string]any{"error": fmt.Sprintf("unknown tool %q", fc.Name)}}, true
	}
	if tool.LongRunning() {
		tctx.markPending(fc.ID)
		if _, err := tool.Invoke(ctx, tctx, fc.ID, fc.Args); err != nil {
			tctx.clearPending(fc.ID)
			return peerResult{FunctionCallID: fc.ID, ToolName: fc.Name,
				Payload: map[string]any{"error": err.Error()}}, true
		}
		return peerResult{}, false
	}
	payload, err := tool.Invoke(ctx, tctx, fc.ID, fc.Args)
	if err != nil {
		payload = map[string]any{"error": err.Error()}
	}
	return peerResult{FunctionCallID: fc.ID, ToolName: fc.Name, Payload: payload}, true
}

// appendToolEvent persists a tool-role event carrying the merged function
// responses, in order.
func (a *Agent) appendToolEvent(ctx context.Context, tctx *TaskContext, results []peerResult) error {
	parts := make([]a2a.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, a2a.NewDataPart(map[string]any{
			"id":      r.FunctionCallID,
			"name":    r.ToolName,
			"payload": r.Payload,
		}))
	}
	sess, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
	if err != nil {
		return fmt.Errorf("loading session for tool event: %w", err)
	}
	toolEvent := session.Event{
		InvocationID: tctx.InvocationID(),
		Author:       "tool",
		Content:      &a2a.Message{Role: a2a.RoleSystem, Parts: parts},
		Timestamp:    a.now().UTC(),
	}
	if _, err := session.AppendEventWithRetry(ctx, a.sessions, sess, toolEvent); err != nil {
		return fmt.Errorf("persisting tool responses: %w", err)
	}
	return nil
}

// streamText resolves and publishes one text delta, holding any open embed
// suffix in the task's streaming buffer.
func (a *Agent) streamText(ctx context.Context, tctx *TaskContext, delta string, turn *strings.Builder) error {
	combined := tctx.takeStreamBuffer(delta)
	ready, held := a.resolver.SplitIncomplete(combined)
	tctx.setStreamBuffer(held)
	if ready == "" {
		return nil
	}
	resolved, signals := a.resolver.ResolveEarly(ctx, ready, a.requestContext(tctx))
	for _, sig := range signals {
		if sig.Kind != embeds.SignalStatusUpdate {
			continue
		}
		if err := a.publishStatusText(ctx, tctx, sig.Data, map[string]any{"source": "agent_signal"}); err != nil {
			return err
		}
	}
	if resolved == "" {
		return nil
	}
	turn.WriteString(resolved)
	return a.publishStatusText(ctx, tctx, resolved, nil)
}

// flushStreamBuffer publishes any held partial text before a terminal
// event and folds it into the final text.
func (a *Agent) flushStreamBuffer(ctx context.Context, tctx *TaskContext) {
	held := tctx.takeStreamBuffer("")
	if held == "" {
		return
	}
	resolved, _ := a.resolver.ResolveEarly(ctx, held, a.requestContext(tctx))
	if resolved == "" {
		return
	}
	tctx.setFinalText(tctx.FinalText() + resolved)
	if err := a.publishStatusText(ctx, tctx, resolved, nil); err != nil {
		a.logger.Warn("stream buffer flush failed", "task_id", tctx.TaskID, "error", err)
	}
}

// finalizeSuccess emits the deferred compaction notification (root tasks
// only), flushes the stream buffer, and publishes the terminal Task.
func (a *Agent) finalizeSuccess(ctx context.Context, tctx *TaskContext) {
	if tctx.ParentTaskID == "" {
		if summary := a.takePendingSummary(tctx); summary != "" {
			notice := "**" + summaryNotificationHeading + "**\n\n" + summary
			if err := a.publishStatusText(ctx, tctx, notice, map[string]any{"source": "compaction_notice"}); err != nil {
				a.logger.Warn("compaction notice publish failed", "task_id", tctx.TaskID, "error", err)
			}
		}
	}
	a.finalizeTerminal(ctx, tctx, a2a.TaskStateCompleted, tctx.FinalText())
}

// finalizeTerminal publishes the task's single terminal event and drops
// the task from tracking. Safe to call from racing paths; only the first
// caller wins.
func (a *Agent) finalizeTerminal(ctx context.Context, tctx *TaskContext, state a2a.TaskState, text string) {
	if !tctx.beginFinalize() {
		return
	}
	a.flushStreamBuffer(ctx, tctx)

	task := a2a.Task{
		Kind:         a2a.KindTask,
		ID:           tctx.TaskID,
		ParentTaskID: tctx.ParentTaskID,
		ContextID:    tctx.SessionID,
		Status: a2a.TaskStatus{
			State:     state,
			Timestamp: a.now().UTC(),
		},
	}
	if text != "" {
		task.Status.Message = &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}}
	}
	if err := a.publishResult(ctx, tctx, tctx.ReplyTo, task); err != nil {
		a.logger.Error("terminal event publish failed",
			"task_id", tctx.TaskID, "state", string(state), "error", err)
	}
	a.forgetTask(tctx)
	a.logger.Info("task finalized", "task_id", tctx.TaskID, "state", string(state))
}

func (a *Agent) publishStatusText(ctx context.Context, tctx *TaskContext, text string, metadata map[string]any) error {
	if tctx.StatusTopic == "" {
		return nil
	}
	update := a2a.TaskStatusUpdateEvent{
		Kind:   a2a.KindStatusUpdate,
		TaskID: tctx.TaskID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateWorking,
			Message:   &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}},
			Timestamp: a.now().UTC(),
		},
		Metadata: metadata,
	}
	return a.publishResult(ctx, tctx, tctx.StatusTopic, update)
}

func (a *Agent) publishResult(ctx context.Context, tctx *TaskContext, topic string, result any) error {
	resp, err := a2a.NewResponse(tctx.RequestID, result)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return a.bus.Publish(ctx, topic, payload, map[string]string{
		a2a.PropClientID: a.cfg.Name,
		a2a.PropUserID:   tctx.UserID,
	})
}

func (a *Agent) toolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(a.tools))
	for _, t := range a.tools {
		defs = append(defs, llm.ToolDefinition{Name: t.Name(), Description: t.Description()})
	}
	return defs
}

func (a *Agent) requestContext(tctx *TaskContext) *embeds.RequestContext {
	return &embeds.RequestContext{
		TaskID:    tctx.TaskID,
		UserID:    tctx.UserID,
		SessionID: tctx.SessionID,
	}
}
