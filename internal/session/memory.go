package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// MemoryService is the in-memory session store used by dev mode and tests.
type MemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*storedSession
	logger   *logger.Logger
	now      func() time.Time
}

type storedSession struct {
	appName        string
	userID         string
	id             string
	lastUpdateTime time.Time
	events         []Event
}

// NewMemoryService creates an empty in-memory store.
func NewMemoryService(log *logger.Logger) *MemoryService {
	return &MemoryService{
		sessions: make(map[string]*storedSession),
		logger:   log.WithComponent("session-memory"),
		now:      time.Now,
	}
}

func sessionKey(appName, userID, id string) string {
	return appName + "\x00" + userID + "\x00" + id
}

// CreateSession creates a session; empty id allocates one.
func (s *MemoryService) CreateSession(_ context.Context, appName, userID, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(appName, userID, id)
	if _, exists := s.sessions[key]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	stored := &storedSession{
		appName:        appName,
		userID:         userID,
		id:             id,
		lastUpdateTime: s.now(),
	}
	s.sessions[key] = stored
	return stored.view(), nil
}

// GetSession returns the session with its filtered event view.
func (s *MemoryService) GetSession(_ context.Context, appName, userID, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionKey(appName, userID, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, appName, userID, id)
	}
	return stored.view(), nil
}

// AppendEvent persists event under optimistic concurrency: an in-hand
// session older than storage is rejected with ErrStaleSession.
func (s *MemoryService) AppendEvent(_ context.Context, sess *Session, event Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sessionKey(sess.AppName, sess.UserID, sess.ID)]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, sess.AppName, sess.UserID, sess.ID)
	}
	if sess.LastUpdateTime.Before(stored.lastUpdateTime) {
		return Event{}, fmt.Errorf("%w (session=%s)", ErrStaleSession, sess.ID)
	}

	// Stored timestamps are non-decreasing.
	ts := s.now()
	if ts.Before(stored.lastUpdateTime) {
		ts = stored.lastUpdateTime
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ts
	}
	stored.events = append(stored.events, event)
	stored.lastUpdateTime = ts
	sess.LastUpdateTime = ts
	sess.Events = append(sess.Events, event)
	return event, nil
}

// ListSessions returns all sessions for (appName, userID), without events.
func (s *MemoryService) ListSessions(_ context.Context, appName, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, stored := range s.sessions {
		if stored.appName == appName && stored.userID == userID {
			out = append(out, &Session{
				AppName:        stored.appName,
				UserID:         stored.userID,
				ID:             stored.id,
				LastUpdateTime: stored.lastUpdateTime,
			})
		}
	}
	return out, nil
}

// DeleteSession removes a session and its events.
func (s *MemoryService) DeleteSession(_ context.Context, appName, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(appName, userID, id)
	if _, ok := s.sessions[key]; !ok {
		return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, appName, userID, id)
	}
	delete(s.sessions, key)
	return nil
}

// RawEvents returns the unfiltered log for observability and tests.
func (s *MemoryService) RawEvents(appName, userID, id string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionKey(appName, userID, id)]
	if !ok {
		return nil
	}
	return append([]Event(nil), stored.events...)
}

// Touch advances the stored last_update_time without the caller's session
// seeing it. Test helper for forcing stale-session conflicts.
func (s *MemoryService) Touch(appName, userID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sessions[sessionKey(appName, userID, id)]; ok {
		stored.lastUpdateTime = s.now().Add(time.Microsecond)
	}
}

func (st *storedSession) view() *Session {
	return &Session{
		AppName:        st.appName,
		UserID:         st.userID,
		ID:             st.id,
		LastUpdateTime: st.lastUpdateTime,
		Events:         FilterEvents(append([]Event(nil), st.events...)),
	}
}
