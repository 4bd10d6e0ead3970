package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/discovery"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const testNamespace = "test/"

// captureSink records everything the gateway would hand to an external
// platform.
type captureSink struct {
	mu        sync.Mutex
	statuses  []*a2a.TaskStatusUpdateEvent
	artifacts []*a2a.TaskArtifactUpdateEvent
	finals    []*a2a.Task
	errors    []*a2a.RPCError
}

func (s *captureSink) SendStatusUpdate(_ context.Context, _ *ExternalContext, ev *a2a.TaskStatusUpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ev
	s.statuses = append(s.statuses, &clone)
	return nil
}

func (s *captureSink) SendArtifactUpdate(_ context.Context, _ *ExternalContext, ev *a2a.TaskArtifactUpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ev
	s.artifacts = append(s.artifacts, &clone)
	return nil
}

func (s *captureSink) SendFinal(_ context.Context, _ *ExternalContext, task *a2a.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *task
	s.finals = append(s.finals, &clone)
	return nil
}

func (s *captureSink) SendError(_ context.Context, _ *ExternalContext, rpcErr *a2a.RPCError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rpcErr)
	return nil
}

func (s *captureSink) counts() (statuses, artifacts, finals, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses), len(s.artifacts), len(s.finals), len(s.errors)
}

func (s *captureSink) statusTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.statuses {
		if ev.Status.Message == nil {
			out = append(out, "")
			continue
		}
		text := ""
		for _, p := range ev.Status.Message.Parts {
			if p.Kind == a2a.PartKindText {
				text += p.Text
			}
		}
		out = append(out, text)
	}
	return out
}

func newTestGateway(t *testing.T) (*GatewayBase, *captureSink, broker.Broker, *artifact.Service) {
	t.Helper()
	log := logger.Default()
	bus := broker.NewMemoryBroker(log)
	t.Cleanup(bus.Close)

	artifacts := artifact.NewService(artifact.NewMemoryStore(), testNamespace, "gw-test",
		artifact.ScopeNamespace, nil, log)
	sink := &captureSink{}
	cfg := config.GatewayConfig{
		ID:                   "gw-test",
		QueueDepth:           32,
		ResolveArtifactURIs:  true,
		NackBackoffMillis:    1,
		EmbedResolveMaxDepth: 3,
	}
	gw := NewGatewayBase(bus, cfg, testNamespace,
		discovery.NewRegistry(time.Minute, log), artifacts, sink, log)
	return gw, sink, bus, artifacts
}

// trackTask plants a context directly, bypassing SubmitTask, so event
// processing can be tested in isolation.
func trackTask(gw *GatewayBase, taskID string) *ExternalContext {
	ec := &ExternalContext{
		TargetAgent: "helper",
		UserID:      "alice",
		SessionID:   "sess-1",
	}
	gw.Contexts().Store(taskID, ec)
	return ec
}

func publishEvent(t *testing.T, bus broker.Broker, topic string, event any) {
	t.Helper()
	resp, err := a2a.NewResponse("req-1", event)
	require.NoError(t, err)
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), topic, payload, nil))
}

func statusEvent(taskID, text string) *a2a.TaskStatusUpdateEvent {
	return &a2a.TaskStatusUpdateEvent{
		Kind:   a2a.KindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{
			State:   a2a.TaskStateWorking,
			Message: &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}},
		},
	}
}

func terminalTask(taskID string, state a2a.TaskState, text string) *a2a.Task {
	task := &a2a.Task{
		Kind:   a2a.KindTask,
		ID:     taskID,
		Status: a2a.TaskStatus{State: state},
	}
	if text != "" {
		task.Status.Message = &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}}
	}
	return task
}

func TestSubmitTaskPublishesRequest(t *testing.T) {
	gw, _, bus, _ := newTestGateway(t)

	var (
		mu       sync.Mutex
		received []*broker.Message
	)
	_, err := bus.Subscribe(a2a.AgentRequestTopic(testNamespace, "helper"),
		func(_ context.Context, msg *broker.Message) error {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	ec := &ExternalContext{UserID: "alice", SessionID: "sess-1"}
	taskID, err := gw.SubmitTask(context.Background(), "helper",
		[]a2a.Part{a2a.NewTextPart("summarize the report")}, ec)
	require.NoError(t, err)
	assert.Contains(t, taskID, taskIDPrefix)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	assert.Equal(t, "gw-test", msg.UserProperties[a2a.PropClientID])
	assert.Equal(t, "alice", msg.UserProperties[a2a.PropUserID])
	assert.Equal(t, a2a.GatewayResponseTopic(testNamespace, "gw-test", taskID),
		msg.UserProperties[a2a.PropReplyTo])
	assert.Empty(t, msg.UserProperties[a2a.PropStatusTopic])

	req, err := a2a.ParseRequest(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, a2a.MethodMessageSend, req.Method)

	var params a2a.MessageSendParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	require.Len(t, params.Message.Parts, 2)
	assert.Contains(t, params.Message.Parts[0].Text, "Request received by gw-test")
	assert.Equal(t, "summarize the report", params.Message.Parts[1].Text)

	stored, ok := gw.Contexts().Get(taskID)
	require.True(t, ok)
	assert.Equal(t, "helper", stored.TargetAgent)
}

func TestSubmitTaskStreamingSetsStatusTopic(t *testing.T) {
	gw, _, bus, _ := newTestGateway(t)

	done := make(chan *broker.Message, 1)
	_, err := bus.Subscribe(a2a.AgentRequestTopic(testNamespace, "helper"),
		func(_ context.Context, msg *broker.Message) error {
			done <- msg
			return nil
		})
	require.NoError(t, err)

	ec := &ExternalContext{UserID: "alice", Streaming: true}
	taskID, err := gw.SubmitTask(context.Background(), "helper", nil, ec)
	require.NoError(t, err)

	select {
	case msg := <-done:
		req, err := a2a.ParseRequest(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, a2a.MethodMessageStream, req.Method)
		assert.Equal(t, a2a.GatewayStatusTopic(testNamespace, "gw-test", taskID),
			msg.UserProperties[a2a.PropStatusTopic])
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the agent topic")
	}
}

func TestSubmitTaskRejectsMissingIdentity(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)

	_, err := gw.SubmitTask(context.Background(), "helper", nil, &ExternalContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Zero(t, gw.Contexts().Len())
}

type denyingResolver struct{}

func (denyingResolver) ResolveUserConfig(_ context.Context, _ string, base middleware.UserConfig) (middleware.UserConfig, error) {
	return base, nil
}

func (denyingResolver) ValidateAgentAccess(_ context.Context, agent string, _ middleware.UserConfig, _ middleware.ValidationContext) error {
	return fmt.Errorf("agent %s is off limits", agent)
}

func (denyingResolver) ValidateOperationConfig(_ context.Context, _ middleware.UserConfig, _ middleware.OperationSpec, _ middleware.ValidationContext) error {
	return nil
}

func TestSubmitTaskDeniedByResolver(t *testing.T) {
	t.Cleanup(middleware.Get().ResetBindings)
	middleware.Get().BindConfigResolver(denyingResolver{})

	gw, _, _, _ := newTestGateway(t)
	_, err := gw.SubmitTask(context.Background(), "helper", nil, &ExternalContext{UserID: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "off limits")
	assert.Zero(t, gw.Contexts().Len())
}

func TestBridgeDeliversExactlyOneTerminal(t *testing.T) {
	gw, sink, bus, _ := newTestGateway(t)
	require.NoError(t, gw.Start(context.Background()))
	defer gw.Stop()

	taskID := "gdk-task-term"
	trackTask(gw, taskID)
	replyTopic := a2a.GatewayResponseTopic(testNamespace, "gw-test", taskID)

	publishEvent(t, bus, replyTopic, statusEvent(taskID, "working on it"))
	publishEvent(t, bus, replyTopic, terminalTask(taskID, a2a.TaskStateCompleted, "all done"))

	require.Eventually(t, func() bool {
		_, _, finals, _ := sink.counts()
		return finals == 1
	}, 2*time.Second, 10*time.Millisecond)

	statuses, _, finals, errs := sink.counts()
	assert.Equal(t, 1, statuses)
	assert.Equal(t, 1, finals)
	assert.Zero(t, errs)

	_, tracked := gw.Contexts().Get(taskID)
	assert.False(t, tracked, "terminal event must remove the context")

	// A straggler after the terminal is ignored, not redelivered.
	publishEvent(t, bus, replyTopic, statusEvent(taskID, "too late"))
	time.Sleep(100 * time.Millisecond)
	statuses, _, finals, _ = sink.counts()
	assert.Equal(t, 1, statuses)
	assert.Equal(t, 1, finals)
}

func TestUnknownTaskEventsIgnored(t *testing.T) {
	gw, sink, bus, _ := newTestGateway(t)
	require.NoError(t, gw.Start(context.Background()))
	defer gw.Stop()

	replyTopic := a2a.GatewayResponseTopic(testNamespace, "gw-test", "gdk-task-ghost")
	publishEvent(t, bus, replyTopic, statusEvent("gdk-task-ghost", "hello?"))
	time.Sleep(100 * time.Millisecond)

	statuses, artifacts, finals, errs := sink.counts()
	assert.Zero(t, statuses+artifacts+finals+errs)
}

func TestRPCErrorFinalizesTask(t *testing.T) {
	gw, sink, bus, _ := newTestGateway(t)
	require.NoError(t, gw.Start(context.Background()))
	defer gw.Stop()

	taskID := "gdk-task-err"
	trackTask(gw, taskID)

	resp := a2a.NewErrorResponse("req-1", a2a.CodeInternalError, "agent exploded")
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(),
		a2a.GatewayResponseTopic(testNamespace, "gw-test", taskID), payload, nil))

	require.Eventually(t, func() bool {
		_, _, _, errs := sink.counts()
		return errs == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, a2a.CodeInternalError, sink.errors[0].Code)
	sink.mu.Unlock()
	_, tracked := gw.Contexts().Get(taskID)
	assert.False(t, tracked)
}

func TestEmptyIntermediateStatusDropped(t *testing.T) {
	gw, sink, _, _ := newTestGateway(t)
	taskID := "gdk-task-empty"
	ec := trackTask(gw, taskID)

	empty := &a2a.TaskStatusUpdateEvent{
		Kind:   a2a.KindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking},
	}
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, empty))

	whitespace := statusEvent(taskID, "   \n")
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, whitespace))

	statuses, _, _, _ := sink.counts()
	assert.Zero(t, statuses)

	// A final empty update is still forwarded.
	finalEmpty := &a2a.TaskStatusUpdateEvent{
		Kind:   a2a.KindStatusUpdate,
		TaskID: taskID,
		Final:  true,
		Status: a2a.TaskStatus{State: a2a.TaskStateInputRequired},
	}
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, finalEmpty))
	statuses, _, _, _ = sink.counts()
	assert.Equal(t, 1, statuses)
}

func TestLateEmbedResolutionInStatusText(t *testing.T) {
	gw, sink, _, artifacts := newTestGateway(t)
	_, err := artifacts.Save(context.Background(), "alice", "sess-1", "notes.txt",
		[]byte("remember the milk"), "text/plain")
	require.NoError(t, err)

	taskID := "gdk-task-embed"
	ec := trackTask(gw, taskID)

	ev := statusEvent(taskID, "Here: «artifact_content:notes.txt» done")
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, ev))

	texts := sink.statusTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "Here: remember the milk done", texts[0])
}

func TestStatusUpdateSignalEmitsIntermediateUpdate(t *testing.T) {
	gw, sink, _, _ := newTestGateway(t)
	taskID := "gdk-task-signal"
	ec := trackTask(gw, taskID)

	ev := statusEvent(taskID, "«status_update:Fetching records»The records:")
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, ev))

	texts := sink.statusTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Fetching records", texts[0])
	assert.Equal(t, "The records:", texts[1])

	sink.mu.Lock()
	assert.Equal(t, map[string]any{"source": "gateway_signal"}, sink.statuses[0].Metadata)
	sink.mu.Unlock()
}

func TestSignalsSuppressedWhileFinalizing(t *testing.T) {
	gw, sink, _, _ := newTestGateway(t)
	taskID := "gdk-task-suppress"
	ec := trackTask(gw, taskID)

	final := terminalTask(taskID, a2a.TaskStateCompleted, "«status_update:never show this»Done.")
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, final))

	statuses, _, finals, _ := sink.counts()
	assert.Zero(t, statuses, "signals inside the terminal event stay suppressed")
	assert.Equal(t, 1, finals)

	sink.mu.Lock()
	assert.Equal(t, "Done.", sink.finals[0].Status.Message.Parts[0].Text)
	sink.mu.Unlock()
}

func TestPartialEmbedHeldAcrossChunks(t *testing.T) {
	gw, sink, _, artifacts := newTestGateway(t)
	_, err := artifacts.Save(context.Background(), "alice", "sess-1", "notes.txt",
		[]byte("milk"), "text/plain")
	require.NoError(t, err)

	taskID := "gdk-task-chunks"
	ec := trackTask(gw, taskID)

	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec,
		statusEvent(taskID, "Buy «artifact_con")))
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec,
		statusEvent(taskID, "tent:notes.txt» today")))

	texts := sink.statusTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Buy ", texts[0])
	assert.Equal(t, "milk today", texts[1])
}

func TestTerminalFlushesHeldBuffer(t *testing.T) {
	gw, sink, _, _ := newTestGateway(t)
	taskID := "gdk-task-flush"
	ec := trackTask(gw, taskID)

	// The trailing chunk opens an embed that never closes.
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec,
		statusEvent(taskID, "tail text «datetime")))
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec,
		terminalTask(taskID, a2a.TaskStateCompleted, "")))

	texts := sink.statusTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, "tail text ", texts[0])
	assert.Equal(t, "«datetime", texts[1], "held text flushes before the terminal")

	_, _, finals, _ := sink.counts()
	assert.Equal(t, 1, finals)
	assert.Empty(t, gw.Contexts().StreamBuffer(taskID))
}

func TestArtifactURIResolvedToBytes(t *testing.T) {
	gw, sink, _, artifacts := newTestGateway(t)
	_, err := artifacts.Save(context.Background(), "alice", "sess-1", "chart.csv",
		[]byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)

	taskID := "gdk-task-uri"
	ec := trackTask(gw, taskID)

	uri := artifacts.URIFor("alice", "sess-1", "chart.csv", nil)
	ev := &a2a.TaskArtifactUpdateEvent{
		Kind:   a2a.KindArtifactUpdate,
		TaskID: taskID,
		Artifact: a2a.Artifact{
			ArtifactID: "art-1",
			Parts:      []a2a.Part{a2a.NewFilePartURI("chart.csv", "", uri)},
		},
	}
	require.NoError(t, gw.ProcessParsedEvent(context.Background(), taskID, ec, ev))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.artifacts, 1)
	file := sink.artifacts[0].Artifact.Parts[0].File
	require.NotNil(t, file)
	assert.Empty(t, file.URI)
	decoded, err := base64.StdEncoding.DecodeString(file.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(decoded))
	assert.Equal(t, "text/csv", file.MimeType)
}

func TestDiscoveryEventsFeedRegistry(t *testing.T) {
	gw, _, bus, _ := newTestGateway(t)
	require.NoError(t, gw.Start(context.Background()))
	defer gw.Stop()

	card, err := json.Marshal(a2a.AgentCard{Name: "helper", Description: "does things"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(),
		a2a.DiscoveryTopic(testNamespace, "helper"), card, nil))

	require.Eventually(t, func() bool {
		_, ok := gw.Registry().Get("helper")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelTaskPublishesCancelRequest(t *testing.T) {
	gw, _, bus, _ := newTestGateway(t)
	taskID := "gdk-task-cancel"
	trackTask(gw, taskID)

	done := make(chan *broker.Message, 1)
	_, err := bus.Subscribe(a2a.AgentRequestTopic(testNamespace, "helper"),
		func(_ context.Context, msg *broker.Message) error {
			done <- msg
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, gw.CancelTask(context.Background(), taskID))

	select {
	case msg := <-done:
		req, err := a2a.ParseRequest(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, a2a.MethodTasksCancel, req.Method)
		var params a2a.CancelParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, taskID, params.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel request never published")
	}

	assert.Error(t, gw.CancelTask(context.Background(), "gdk-task-unknown"))
}

func TestContextManagerAuxEntries(t *testing.T) {
	m := NewTaskContextManager()
	m.Store("t1", &ExternalContext{UserID: "alice"})
	m.SetStreamBuffer("t1", "partial «emb")

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, "partial «emb", m.StreamBuffer("t1"))

	m.Remove("t1")
	assert.Empty(t, m.StreamBuffer("t1"))
	_, ok := m.Get("t1")
	assert.False(t, ok)

	m.Store("t2", &ExternalContext{})
	m.SetStreamBuffer("t2", "x")
	assert.Equal(t, 1, m.ClearAll())
	assert.Zero(t, m.Len())
	assert.Empty(t, m.StreamBuffer("t2"))
}
