// Package session provides the append-only per-(app, user, session) event
// log behind the agent task core, with optimistic-concurrency appends and a
// read view that hides compacted-away events.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// staleMarker is the implementation-neutral substring callers may match on.
const staleMarker = "earlier than the update_time in the storage_session"

// ErrStaleSession is returned by AppendEvent when the in-hand session is
// older than storage. Callers refresh and retry via AppendEventWithRetry.
var ErrStaleSession = errors.New("session update_time is " + staleMarker)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Compaction marks a span of history replaced by a summary. Compaction
// events stay on disk as ghosts; the filtering reader skips the span.
type Compaction struct {
	StartTimestamp   time.Time `json:"startTimestamp"`
	EndTimestamp     time.Time `json:"endTimestamp"`
	CompactedContent string    `json:"compactedContent"`
}

// End returns the compaction cutoff, clamped so end >= start. Producers may
// emit inverted bounds; consumers clamp.
func (c *Compaction) End() time.Time {
	if c.EndTimestamp.Before(c.StartTimestamp) {
		return c.StartTimestamp
	}
	return c.EndTimestamp
}

// EventActions carries side effects attached to an event.
type EventActions struct {
	StateDelta map[string]any `json:"stateDelta,omitempty"`
	Compaction *Compaction    `json:"compaction,omitempty"`
}

// Event is one entry of the session log.
type Event struct {
	InvocationID string        `json:"invocationId"`
	Author       string        `json:"author"`
	Content      *a2a.Message  `json:"content,omitempty"`
	Actions      *EventActions `json:"actions,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Branch       string        `json:"branch,omitempty"`
}

// IsCompaction reports whether the event is a compaction ghost.
func (e *Event) IsCompaction() bool {
	return e.Actions != nil && e.Actions.Compaction != nil
}

// Session is the in-hand view of one event log. Events holds the filtered
// view when returned by GetSession.
type Session struct {
	AppName        string    `json:"appName"`
	UserID         string    `json:"userId"`
	ID             string    `json:"id"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
	Events         []Event   `json:"events"`
}

// Service is the session store contract. Both the in-memory and the SQL
// implementation satisfy it.
type Service interface {
	// CreateSession creates a session; empty id allocates one.
	CreateSession(ctx context.Context, appName, userID, id string) (*Session, error)

	// GetSession returns the session with its filtered event view.
	GetSession(ctx context.Context, appName, userID, id string) (*Session, error)

	// AppendEvent persists event and returns it with its stored timestamp.
	// Returns ErrStaleSession when sess.LastUpdateTime is older than storage.
	AppendEvent(ctx context.Context, sess *Session, event Event) (Event, error)

	// ListSessions returns all sessions for (appName, userID), without events.
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)

	// DeleteSession removes a session and its events.
	DeleteSession(ctx context.Context, appName, userID, id string) error
}

// maxAppendRetries bounds stale-session refresh attempts.
const maxAppendRetries = 3

// AppendEventWithRetry wraps AppendEvent with the stale-session retry
// protocol: on ErrStaleSession the session is refreshed from storage and
// the append retried, up to 3 attempts.
func AppendEventWithRetry(ctx context.Context, svc Service, sess *Session, event Event) (Event, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		stored, err := svc.AppendEvent(ctx, sess, event)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrStaleSession) {
			return Event{}, err
		}
		lastErr = err
		fresh, gerr := svc.GetSession(ctx, sess.AppName, sess.UserID, sess.ID)
		if gerr != nil {
			return Event{}, fmt.Errorf("refreshing stale session: %w", gerr)
		}
		*sess = *fresh
	}
	return Event{}, fmt.Errorf("append still stale after %d attempts: %w", maxAppendRetries, lastErr)
}

// FilterEvents applies the compaction read view: the latest compaction
// event is the cursor, and every non-compaction event strictly before its
// clamped end timestamp is suppressed. Applied at read time only.
func FilterEvents(events []Event) []Event {
	var cursor *Compaction
	for i := range events {
		if events[i].IsCompaction() {
			cursor = events[i].Actions.Compaction
		}
	}
	if cursor == nil {
		return events
	}
	end := cursor.End()
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if !e.IsCompaction() && e.Timestamp.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}
