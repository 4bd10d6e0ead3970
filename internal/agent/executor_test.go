package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const testNamespace = "test/"

// scriptedClient plays back one scripted event sequence per model call.
type scriptedClient struct {
	mu    sync.Mutex
	turns []func(req llm.Request) []llm.Event
	calls int
}

func (c *scriptedClient) StreamGenerate(_ context.Context, req llm.Request) (<-chan llm.Event, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()
	if idx >= len(c.turns) {
		return nil, fmt.Errorf("unscripted model call %d", idx+1)
	}
	events := c.turns[idx](req)
	ch := make(chan llm.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textTurn(invocationID string, deltas ...string) func(llm.Request) []llm.Event {
	return func(llm.Request) []llm.Event {
		events := []llm.Event{{InvocationID: invocationID}}
		for _, d := range deltas {
			events = append(events, llm.Event{TextDelta: d})
		}
		return events
	}
}

// agentHarness wires one agent on a memory broker with capture
// subscriptions on the reply and status topic trees.
type agentHarness struct {
	t        *testing.T
	bus      *broker.MemoryBroker
	sessions *session.MemoryService
	client   *scriptedClient
	agent    *Agent

	mu       sync.Mutex
	statuses []a2a.TaskStatusUpdateEvent
	finals   []a2a.Task
	rpcErrs  []*a2a.RPCError
}

func newAgentHarness(t *testing.T, cfg config.AgentConfig, turns ...func(llm.Request) []llm.Event) *agentHarness {
	t.Helper()
	log := logger.Default()
	h := &agentHarness{
		t:        t,
		bus:      broker.NewMemoryBroker(log),
		sessions: session.NewMemoryService(log),
		client:   &scriptedClient{turns: turns},
	}
	t.Cleanup(h.bus.Close)

	if cfg.Name == "" {
		cfg.Name = "planner"
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.MaxLLMCallsPerTask == 0 {
		cfg.MaxLLMCallsPerTask = 5
	}
	if cfg.CompactionThreshold == 0 {
		cfg.CompactionThreshold = 0.25
	}
	if cfg.CardPublishSeconds == 0 {
		cfg.CardPublishSeconds = 3600
	}
	if cfg.CardTTLSeconds == 0 {
		cfg.CardTTLSeconds = 3600
	}
	h.agent = NewAgent(h.bus, cfg, testNamespace, h.sessions, nil, h.client, log)

	_, err := h.bus.Subscribe(testNamespace+"reply/>", func(_ context.Context, msg *broker.Message) error {
		defer msg.Ack()
		resp, err := a2a.ParseResponse(msg.Payload)
		if err != nil {
			return err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if resp.Error != nil {
			h.rpcErrs = append(h.rpcErrs, resp.Error)
			return nil
		}
		event, err := a2a.DecodeEvent(resp.Result)
		if err != nil {
			return err
		}
		if task, ok := event.(*a2a.Task); ok {
			h.finals = append(h.finals, *task)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = h.bus.Subscribe(testNamespace+"status/>", func(_ context.Context, msg *broker.Message) error {
		defer msg.Ack()
		resp, err := a2a.ParseResponse(msg.Payload)
		if err != nil {
			return err
		}
		event, err := a2a.DecodeEvent(resp.Result)
		if err != nil {
			return err
		}
		if update, ok := event.(*a2a.TaskStatusUpdateEvent); ok {
			h.mu.Lock()
			h.statuses = append(h.statuses, *update)
			h.mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)
	return h
}

func (h *agentHarness) replyTopic(taskID string) string {
	return testNamespace + "reply/" + taskID
}

func (h *agentHarness) statusTopic(taskID string) string {
	return testNamespace + "status/" + taskID
}

func (h *agentHarness) send(taskID, text string, streaming bool) {
	h.t.Helper()
	method := a2a.MethodMessageSend
	props := map[string]string{
		a2a.PropClientID: "gw-test",
		a2a.PropUserID:   "alice",
		a2a.PropReplyTo:  h.replyTopic(taskID),
	}
	if streaming {
		method = a2a.MethodMessageStream
		props[a2a.PropStatusTopic] = h.statusTopic(taskID)
	}
	req, err := a2a.NewRequest(method, a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart(text)}},
	})
	require.NoError(h.t, err)
	payload, err := json.Marshal(req)
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Publish(context.Background(),
		a2a.AgentRequestTopic(testNamespace, h.agent.cfg.Name), payload, props))
}

func (h *agentHarness) cancel(taskID string) {
	h.t.Helper()
	req, err := a2a.NewRequest(a2a.MethodTasksCancel, a2a.CancelParams{TaskID: taskID})
	require.NoError(h.t, err)
	payload, err := json.Marshal(req)
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Publish(context.Background(),
		a2a.AgentRequestTopic(testNamespace, h.agent.cfg.Name), payload, nil))
}

func (h *agentHarness) waitFinal(n int) []a2a.Task {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		if len(h.finals) >= n {
			out := append([]a2a.Task(nil), h.finals...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		select {
		case <-deadline:
			h.t.Fatalf("timed out waiting for %d terminal events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *agentHarness) statusTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, s := range h.statuses {
		if s.Status.Message != nil {
			for _, p := range s.Status.Message.Parts {
				if p.Kind == a2a.PartKindText {
					out = append(out, p.Text)
				}
			}
		}
	}
	return out
}

func messageText(m *a2a.Message) string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == a2a.PartKindText {
			out += p.Text
		}
	}
	return out
}

func TestStreamingTaskCompletes(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		textTurn("inv-1", "Hel", "lo ", "there."))

	h.send("task-s1", "greet me", true)
	finals := h.waitFinal(1)

	task := finals[0]
	assert.Equal(t, a2a.KindTask, task.Kind)
	assert.Equal(t, "task-s1", task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "Hel"+"lo "+"there.", messageText(task.Status.Message))

	// Each delta was forwarded as a working status update before the
	// terminal event.
	assert.Equal(t, []string{"Hel", "lo ", "there."}, h.statusTexts())
	assert.Equal(t, 1, h.client.callCount())
}

func TestNonStreamingTaskEmitsNoStatuses(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{}, textTurn("inv-1", "quiet answer"))

	h.send("task-q1", "hello", false)
	finals := h.waitFinal(1)

	assert.Equal(t, a2a.TaskStateCompleted, finals[0].Status.State)
	assert.Equal(t, "quiet answer", messageText(finals[0].Status.Message))
	assert.Empty(t, h.statusTexts())
}

func TestSessionRecordsUserAndModelTurns(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{}, textTurn("inv-1", "noted"))

	h.send("task-h1", "remember this", false)
	h.waitFinal(1)

	sess, err := h.sessions.GetSession(context.Background(), "planner", "alice", "task-h1")
	require.NoError(t, err)

	var authors []string
	for _, e := range sess.Events {
		authors = append(authors, e.Author)
	}
	assert.Equal(t, []string{"system", "user", "planner"}, authors)
	assert.Equal(t, "remember this", messageText(sess.Events[1].Content))
	assert.Equal(t, "noted", messageText(sess.Events[2].Content))
	assert.Equal(t, "inv-1", sess.Events[2].InvocationID)
}

type recordingTool struct {
	mu    sync.Mutex
	calls []map[string]any
	reply map[string]any
}

func (r *recordingTool) Name() string        { return "lookup" }
func (r *recordingTool) Description() string { return "Looks things up." }
func (r *recordingTool) LongRunning() bool   { return false }

func (r *recordingTool) Invoke(_ context.Context, _ *TaskContext, _ string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	return r.reply, nil
}

func TestSyncToolRoundTrip(t *testing.T) {
	tool := &recordingTool{reply: map[string]any{"answer": "42"}}
	h := newAgentHarness(t, config.AgentConfig{},
		func(llm.Request) []llm.Event {
			return []llm.Event{
				{InvocationID: "inv-1"},
				{FunctionCalls: []llm.FunctionCall{{ID: "fc-1", Name: "lookup", Args: map[string]any{"q": "meaning"}}}},
			}
		},
		func(req llm.Request) []llm.Event {
			// The tool event must be visible on the recursive call.
			last := req.Events[len(req.Events)-1]
			if last.Author != "tool" {
				return []llm.Event{{Err: fmt.Errorf("expected tool event, got author %q", last.Author)}}
			}
			return []llm.Event{{InvocationID: "inv-1"}, {TextDelta: "The answer is 42."}}
		})
	h.agent.RegisterTool(tool)

	h.send("task-t1", "what is the meaning?", false)
	finals := h.waitFinal(1)

	assert.Equal(t, a2a.TaskStateCompleted, finals[0].Status.State)
	assert.Equal(t, "The answer is 42.", messageText(finals[0].Status.Message))
	assert.Equal(t, 2, h.client.callCount())
	require.Len(t, tool.calls, 1)
	assert.Equal(t, "meaning", tool.calls[0]["q"])
}

func TestUnknownToolSurfacesErrorToModel(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		func(llm.Request) []llm.Event {
			return []llm.Event{
				{InvocationID: "inv-1"},
				{FunctionCalls: []llm.FunctionCall{{ID: "fc-1", Name: "no_such_tool"}}},
			}
		},
		func(req llm.Request) []llm.Event {
			last := req.Events[len(req.Events)-1]
			payload := last.Content.Parts[0].Data["payload"].(map[string]any)
			if _, ok := payload["error"]; !ok {
				return []llm.Event{{Err: fmt.Errorf("expected error payload")}}
			}
			return []llm.Event{{TextDelta: "I cannot do that."}}
		})

	h.send("task-t2", "use a tool", false)
	finals := h.waitFinal(1)
	assert.Equal(t, a2a.TaskStateCompleted, finals[0].Status.State)
	assert.Equal(t, "I cannot do that.", messageText(finals[0].Status.Message))
}

func TestLLMCallLimitFailsTask(t *testing.T) {
	loop := func(llm.Request) []llm.Event {
		return []llm.Event{
			{InvocationID: "inv-1"},
			{FunctionCalls: []llm.FunctionCall{{ID: "fc", Name: "lookup"}}},
		}
	}
	h := newAgentHarness(t, config.AgentConfig{MaxLLMCallsPerTask: 2}, loop, loop)
	h.agent.RegisterTool(&recordingTool{reply: map[string]any{"ok": true}})

	h.send("task-l1", "loop forever", false)
	finals := h.waitFinal(1)

	assert.Equal(t, a2a.TaskStateFailed, finals[0].Status.State)
	assert.Contains(t, messageText(finals[0].Status.Message), "model call limit")
	assert.Equal(t, 2, h.client.callCount())
}

func TestValidationRetryThenSuccess(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		textTurn("inv-1", "bad answer"),
		func(req llm.Request) []llm.Event {
			// The validator's feedback lands as a user event.
			last := req.Events[len(req.Events)-1]
			if last.Author != "user" {
				return []llm.Event{{Err: fmt.Errorf("expected feedback event, got %q", last.Author)}}
			}
			return []llm.Event{{InvocationID: "inv-2"}, {TextDelta: "good answer"}}
		})
	h.agent.SetValidator(func(text string) error {
		if text == "bad answer" {
			return fmt.Errorf("answer rejected")
		}
		return nil
	})

	h.send("task-v1", "answer carefully", false)
	finals := h.waitFinal(1)

	assert.Equal(t, a2a.TaskStateCompleted, finals[0].Status.State)
	assert.Equal(t, "good answer", messageText(finals[0].Status.Message))
	assert.Equal(t, 2, h.client.callCount())
}

func TestValidationRetriesExhaustedKeepsLastAnswer(t *testing.T) {
	bad := textTurn("inv", "still bad")
	h := newAgentHarness(t, config.AgentConfig{ValidationMaxRetries: 1}, bad, bad)
	h.agent.SetValidator(func(string) error { return fmt.Errorf("never good enough") })

	h.send("task-v2", "try anyway", false)
	finals := h.waitFinal(1)

	// After the retry budget the last response ships despite the verdict.
	assert.Equal(t, a2a.TaskStateCompleted, finals[0].Status.State)
	assert.Equal(t, "still bad", messageText(finals[0].Status.Message))
	assert.Equal(t, 2, h.client.callCount())
}

func TestModelStreamErrorFailsTask(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		func(llm.Request) []llm.Event {
			return []llm.Event{{TextDelta: "partial"}, {Err: fmt.Errorf("upstream hiccup")}}
		})

	h.send("task-e1", "hello", false)
	finals := h.waitFinal(1)

	assert.Equal(t, a2a.TaskStateFailed, finals[0].Status.State)
	assert.Contains(t, messageText(finals[0].Status.Message), "upstream hiccup")
}

func TestRequestWithoutReplyToIsDropped(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{}, textTurn("inv-1", "never sent"))

	req, err := a2a.NewRequest(a2a.MethodMessageSend, a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart("hi")}},
	})
	require.NoError(t, err)
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(),
		a2a.AgentRequestTopic(testNamespace, "planner"), payload, nil))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.client.callCount())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.finals)
}

func TestUnsupportedMethodReturnsError(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{})

	req, err := a2a.NewRequest("tasks/resubmit", map[string]any{})
	require.NoError(t, err)
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(),
		a2a.AgentRequestTopic(testNamespace, "planner"), payload,
		map[string]string{a2a.PropReplyTo: h.replyTopic("task-x")}))

	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		if len(h.rpcErrs) > 0 {
			assert.Equal(t, a2a.CodeMethodNotFound, h.rpcErrs[0].Code)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for method-not-found error")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEmbedsResolvedInStream(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		textTurn("inv-1", "The id is «uuid:», done."))

	h.send("task-em1", "give me an id", true)
	finals := h.waitFinal(1)

	final := messageText(finals[0].Status.Message)
	assert.NotContains(t, final, "«")
	assert.Contains(t, final, "The id is ")
	assert.Contains(t, final, ", done.")
	// 36-char UUID substituted in place.
	assert.Len(t, final, len("The id is , done.")+36)
}

func TestStatusUpdateSignalPublishesIntermediate(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		textTurn("inv-1", "«status_update:thinking hard»Answer."))

	h.send("task-sig1", "think", true)
	finals := h.waitFinal(1)

	assert.Equal(t, "Answer.", messageText(finals[0].Status.Message))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.statuses)
	first := h.statuses[0]
	assert.Equal(t, "thinking hard", messageText(first.Status.Message))
	assert.Equal(t, "agent_signal", first.Metadata["source"])
}

func TestPartialEmbedHeldAcrossDeltas(t *testing.T) {
	h := newAgentHarness(t, config.AgentConfig{},
		func(llm.Request) []llm.Event {
			return []llm.Event{
				{InvocationID: "inv-1"},
				{TextDelta: "Start «da"},
				{TextDelta: "tetime:» end"},
			}
		})

	h.send("task-pe1", "when", true)
	finals := h.waitFinal(1)

	final := messageText(finals[0].Status.Message)
	assert.NotContains(t, final, "«")
	assert.Contains(t, final, "Start ")
	assert.Contains(t, final, " end")

	// The first forwarded chunk stops before the open delimiter.
	texts := h.statusTexts()
	require.NotEmpty(t, texts)
	assert.Equal(t, "Start ", texts[0])
}
