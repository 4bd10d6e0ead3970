// Package agent implements the task core: it drives one task end to end
// through LLM streaming, tool execution, peer delegation, context-window
// compaction, and session persistence, emitting A2A events along the way.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agentmesh/agentmesh/internal/session"
)

// ErrLLMCallsExceeded terminates a task that recursed past the configured
// per-task LLM call ceiling.
var ErrLLMCallsExceeded = errors.New("llm call limit exceeded for task")

// errTaskCanceled unwinds the driver loop when the cancellation flag is set.
var errTaskCanceled = errors.New("task canceled")

// errInsufficientHistory is raised by the compactor when no user-turn
// boundary would leave at least one complete user turn.
var errInsufficientHistory = errors.New("insufficient history to compact")

// contextLimitIndicators are the substrings that identify a model-side
// context overflow, matched case-insensitively.
var contextLimitIndicators = []string{
	"too many tokens",
	"maximum context length",
	"context length exceeded",
	"input is too long",
	"prompt is too long",
	"context_length_exceeded",
	"token limit",
}

// IsContextLimitError reports whether err is a model context overflow.
func IsContextLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range contextLimitIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// User-facing templates for compaction failure paths and the deferred
// post-compaction notification.
const (
	compactionExhaustedMessage = "**Unable to complete the request.**\n\n" +
		"The conversation has grown too long to process, and summarizing it " +
		"did not free enough room. Please retry with a shorter message or " +
		"start a new conversation."

	insufficientHistoryMessage = "**Unable to complete the request.**\n\n" +
		"The conversation is too short to summarize, but the latest message " +
		"no longer fits the model's context window. Please shorten the " +
		"message or start a new conversation."

	summaryNotificationHeading = "Summary of earlier messages"
)

// Tool is one callable capability of the agent. Long-running tools return
// immediately from Invoke; their results arrive out of band and are merged
// back into the driver loop later.
type Tool interface {
	Name() string
	Description() string
	LongRunning() bool

	// Invoke runs the tool. For synchronous tools the returned payload
	// becomes the function response fed back to the model; long-running
	// tools return a nil payload.
	Invoke(ctx context.Context, tctx *TaskContext, callID string, args map[string]any) (map[string]any, error)
}

// peerSubTask tracks one outstanding delegation to a peer agent.
type peerSubTask struct {
	Peer           string
	FunctionCallID string
	ToolName       string
	InvocationID   string
}

// peerResult is one returned delegation, kept in arrival order.
type peerResult struct {
	FunctionCallID string
	ToolName       string
	Payload        map[string]any
}

// TaskContext is the mutable execution state of one task.
type TaskContext struct {
	TaskID       string
	ParentTaskID string
	AppName      string
	UserID       string
	SessionID    string
	RequestID    string
	ReplyTo      string
	StatusTopic  string
	Streaming    bool

	mu                 sync.Mutex
	canceled           bool
	cancelCh           chan struct{}
	finalized          bool
	paused             bool
	invocationID       string
	llmCalls           int
	validationRetries  int
	streamBuffer       string
	finalText          string
	pendingLongRunning map[string]bool
	activePeerSubTasks map[string]peerSubTask
	parallelResults    map[string][]peerResult
	expectedPeers      map[string]int
	collectedSync      []peerResult
}

func newTaskContext(taskID string) *TaskContext {
	return &TaskContext{
		TaskID:             taskID,
		cancelCh:           make(chan struct{}),
		pendingLongRunning: make(map[string]bool),
		activePeerSubTasks: make(map[string]peerSubTask),
		parallelResults:    make(map[string][]peerResult),
		expectedPeers:      make(map[string]int),
	}
}

// Cancel sets the cancellation flag. Idempotent.
func (t *TaskContext) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	close(t.cancelCh)
}

// Canceled reports the cancellation flag.
func (t *TaskContext) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Done returns the channel closed on cancellation.
func (t *TaskContext) Done() <-chan struct{} {
	return t.cancelCh
}

// beginFinalize flips the finalized flag exactly once; the winner emits
// the task's single terminal event.
func (t *TaskContext) beginFinalize() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.finalized = true
	return true
}

func (t *TaskContext) setPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

// Paused reports whether the driver returned with long-running tools still
// outstanding.
func (t *TaskContext) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// InvocationID returns the active model invocation id.
func (t *TaskContext) InvocationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invocationID
}

func (t *TaskContext) setInvocationID(id string) {
	t.mu.Lock()
	if id != "" {
		t.invocationID = id
	}
	t.mu.Unlock()
}

// FinalText returns the text of the last model turn that produced any.
func (t *TaskContext) FinalText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalText
}

func (t *TaskContext) setFinalText(text string) {
	t.mu.Lock()
	if text != "" {
		t.finalText = text
	}
	t.mu.Unlock()
}

// takeStreamBuffer joins delta onto the held partial text and returns the
// combined value, clearing the buffer. The caller puts any still-open
// suffix back with setStreamBuffer.
func (t *TaskContext) takeStreamBuffer(delta string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	combined := t.streamBuffer + delta
	t.streamBuffer = ""
	return combined
}

func (t *TaskContext) setStreamBuffer(text string) {
	t.mu.Lock()
	t.streamBuffer = text
	t.mu.Unlock()
}

// takePeerSubTasks removes and returns the active delegations, used by
// cancellation fan-out so each sub-task is cancelled at most once.
func (t *TaskContext) takePeerSubTasks() map[string]peerSubTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.activePeerSubTasks
	t.activePeerSubTasks = make(map[string]peerSubTask)
	return out
}

func (t *TaskContext) bumpLLMCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.llmCalls++
	return t.llmCalls
}

func (t *TaskContext) bumpValidationRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.validationRetries++
	return t.validationRetries
}

func (t *TaskContext) markPending(id string) {
	t.mu.Lock()
	t.pendingLongRunning[id] = true
	t.mu.Unlock()
}

func (t *TaskContext) clearPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pendingLongRunning[id] {
		return false
	}
	delete(t.pendingLongRunning, id)
	return true
}

func (t *TaskContext) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingLongRunning)
}

// recordSyncResults keeps synchronous long-running responses collected
// before a pause, to be merged when the async responses land.
func (t *TaskContext) recordSyncResults(results []peerResult) {
	t.mu.Lock()
	t.collectedSync = append(t.collectedSync, results...)
	t.mu.Unlock()
}

// registerPeerSubTask tracks one delegation under the active invocation.
func (t *TaskContext) registerPeerSubTask(subTaskID string, st peerSubTask) {
	t.mu.Lock()
	t.activePeerSubTasks[subTaskID] = st
	t.expectedPeers[st.InvocationID]++
	t.pendingLongRunning[st.FunctionCallID] = true
	t.mu.Unlock()
}

// completePeerSubTask records one returned delegation. When it is the last
// outstanding one for its invocation, the merged result list (collected
// sync responses first, then async arrivals in order) is returned with
// done=true; the caller re-enters the driver exactly once.
func (t *TaskContext) completePeerSubTask(subTaskID string, payload map[string]any) (results []peerResult, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.activePeerSubTasks[subTaskID]
	if !ok {
		return nil, false
	}
	delete(t.activePeerSubTasks, subTaskID)
	delete(t.pendingLongRunning, st.FunctionCallID)
	t.parallelResults[st.InvocationID] = append(t.parallelResults[st.InvocationID],
		peerResult{FunctionCallID: st.FunctionCallID, ToolName: st.ToolName, Payload: payload})
	t.expectedPeers[st.InvocationID]--
	if t.expectedPeers[st.InvocationID] > 0 {
		return nil, false
	}
	results = append(results, t.collectedSync...)
	results = append(results, t.parallelResults[st.InvocationID]...)
	t.collectedSync = nil
	delete(t.parallelResults, st.InvocationID)
	delete(t.expectedPeers, st.InvocationID)
	return results, true
}

// Summarizer condenses a span of session events into replacement text.
type Summarizer interface {
	Summarize(ctx context.Context, events []session.Event) (string, error)
}

// Validator checks a finished model response; a non-nil error re-enters
// the driver with validation feedback, bounded by the configured retry
// ceiling.
type Validator func(text string) error
