package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentmesh/agentmesh/internal/common/metrics"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// maxCompactionRetries bounds context-overflow retries per driver entry.
const maxCompactionRetries = 3

// errCompactionExhausted marks a task that still overflowed after the
// retry budget.
var errCompactionExhausted = errors.New("context still exceeded after compaction retries")

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCount estimates tokens with the cl100k_base encoding, falling back
// to a bytes/4 heuristic when the encoding cannot be loaded (offline).
func tokenCount(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

func eventTokens(e *session.Event) int {
	if e.Content == nil {
		return 0
	}
	total := 0
	for _, p := range e.Content.Parts {
		switch p.Kind {
		case a2a.PartKindText:
			total += tokenCount(p.Text)
		case a2a.PartKindData:
			// Rough: tool payloads count by their keys and string values.
			for k, v := range p.Data {
				total += tokenCount(k)
				if s, ok := v.(string); ok {
					total += tokenCount(s)
				}
			}
		}
	}
	return total
}

// sessionTokens totals non-compaction events.
func sessionTokens(events []session.Event) int {
	total := 0
	for i := range events {
		if events[i].IsCompaction() {
			continue
		}
		total += eventTokens(&events[i])
	}
	return total
}

// findCompactionCutoff picks the user-turn boundary whose cumulative token
// count is closest to target. The boundary must compact at least one event
// and leave at least one complete user turn; otherwise the history is too
// short.
func findCompactionCutoff(events []session.Event, target int) (int, error) {
	cumulative := make([]int, len(events)+1)
	for i := range events {
		cumulative[i+1] = cumulative[i] + eventTokens(&events[i])
	}
	best, bestDiff := -1, 0
	for i := range events {
		if i == 0 || events[i].Author != "user" {
			continue
		}
		diff := cumulative[i] - target
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best == -1 {
		return 0, errInsufficientHistory
	}
	return best, nil
}

// sessionLock returns the per-session compaction lock, creating it under
// the master mutex.
func (a *Agent) sessionLock(sessionID string) *sync.Mutex {
	a.compactMu.Lock()
	defer a.compactMu.Unlock()
	lock, ok := a.compactLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		a.compactLocks[sessionID] = lock
	}
	return lock
}

func (a *Agent) summaryKey(tctx *TaskContext) string {
	return tctx.AppName + "\x00" + tctx.UserID + "\x00" + tctx.SessionID
}

func (a *Agent) setPendingSummary(tctx *TaskContext, summary string) {
	a.compactMu.Lock()
	a.pendingSummaries[a.summaryKey(tctx)] = summary
	a.compactMu.Unlock()
}

// takePendingSummary consumes the deferred notification. Only root tasks
// call it; subtasks leave the summary so the root emits the single
// user-visible notice.
func (a *Agent) takePendingSummary(tctx *TaskContext) string {
	a.compactMu.Lock()
	defer a.compactMu.Unlock()
	key := a.summaryKey(tctx)
	summary := a.pendingSummaries[key]
	delete(a.pendingSummaries, key)
	return summary
}

// compact replaces the oldest span of the session with a summary event.
// The per-session lock serializes concurrent compactions: whoever waited
// reloads afterwards and usually finds the work already done.
func (a *Agent) compact(ctx context.Context, tctx *TaskContext) error {
	lock := a.sessionLock(tctx.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := a.sessions.GetSession(ctx, tctx.AppName, tctx.UserID, tctx.SessionID)
	if err != nil {
		return fmt.Errorf("loading session for compaction: %w", err)
	}

	var events []session.Event
	var previous *session.Compaction
	for _, e := range sess.Events {
		if e.IsCompaction() {
			previous = e.Actions.Compaction
			continue
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return errInsufficientHistory
	}

	total := sessionTokens(events)
	target := int(float64(total) * a.cfg.CompactionThreshold)
	cutoff, err := findCompactionCutoff(events, target)
	if err != nil {
		return err
	}

	toCompact := events[:cutoff]
	spanStart := toCompact[0].Timestamp
	spanEnd := events[cutoff-1].Timestamp

	// Progressive summarisation: fold the previous summary in so the new
	// one re-compresses instead of accreting.
	if previous != nil {
		prior := session.Event{
			Author: "model",
			Content: &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{
				a2a.NewTextPart("Summary of the conversation so far: " + previous.CompactedContent)}},
			Timestamp: previous.StartTimestamp,
		}
		toCompact = append([]session.Event{prior}, toCompact...)
	}

	summary, err := a.summarizer.Summarize(ctx, toCompact)
	if err != nil {
		return fmt.Errorf("summarizing %d events: %w", len(toCompact), err)
	}

	compaction := &session.Compaction{
		StartTimestamp:   spanStart,
		EndTimestamp:     spanEnd,
		CompactedContent: summary,
	}
	event := session.Event{
		InvocationID: tctx.InvocationID(),
		Author:       "system",
		Timestamp:    a.now().UTC(),
		Actions: &session.EventActions{
			Compaction: compaction,
			StateDelta: map[string]any{"compaction_time": compaction.End()},
		},
	}
	if _, err := session.AppendEventWithRetry(ctx, a.sessions, sess, event); err != nil {
		return fmt.Errorf("persisting compaction: %w", err)
	}

	metrics.CompactionsTriggered.Inc()
	a.setPendingSummary(tctx, summary)
	a.logger.Info("session compacted",
		"session_id", tctx.SessionID, "events", cutoff, "tokens", total, "target", target)
	return nil
}

// llmSummarizer is the default summarizer: one non-streaming pass over the
// same model client.
type llmSummarizer struct {
	client llm.Client
	model  string
}

func (s *llmSummarizer) Summarize(ctx context.Context, events []session.Event) (string, error) {
	stream, err := s.client.StreamGenerate(ctx, llm.Request{
		Model: s.model,
		Instructions: "Summarize the following conversation span concisely. " +
			"Keep decisions, names, and open questions; drop pleasantries.",
		Events: events,
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for ev := range stream {
		if ev.Err != nil {
			return "", ev.Err
		}
		out.WriteString(ev.TextDelta)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("summarizer produced no text")
	}
	return out.String(), nil
}
