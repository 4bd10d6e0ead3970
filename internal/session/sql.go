package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// SQLService persists sessions in SQLite via sqlx. Timestamps are stored
// as integer nanoseconds so the optimistic-concurrency comparison is exact.
type SQLService struct {
	db     *sqlx.DB
	url    string
	logger *logger.Logger
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	app_name         TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	id               TEXT NOT NULL,
	last_update_time INTEGER NOT NULL,
	PRIMARY KEY (app_name, user_id, id)
);
CREATE TABLE IF NOT EXISTS events (
	app_name      TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	invocation_id TEXT NOT NULL,
	author        TEXT NOT NULL,
	content_json  TEXT,
	actions_json  TEXT,
	timestamp     INTEGER NOT NULL,
	branch        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (app_name, user_id, session_id, seq),
	FOREIGN KEY (app_name, user_id, session_id)
		REFERENCES sessions(app_name, user_id, id) ON DELETE CASCADE
);
`

// NewSQLService opens (or creates) the store at url, runs migrations, and
// fires registered post-migration hooks with the DB URL.
func NewSQLService(ctx context.Context, url string, log *logger.Logger) (*SQLService, error) {
	db, err := sqlx.Open("sqlite3", url)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging session store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating session store: %w", err)
	}
	if err := middleware.Get().RunPostMigrationHooks(ctx, url); err != nil {
		db.Close()
		return nil, fmt.Errorf("post-migration hooks: %w", err)
	}
	return &SQLService{
		db:     db,
		url:    url,
		logger: log.WithComponent("session-sql"),
		now:    time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *SQLService) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	AppName        string `db:"app_name"`
	UserID         string `db:"user_id"`
	ID             string `db:"id"`
	LastUpdateTime int64  `db:"last_update_time"`
}

type eventRow struct {
	Seq          int64          `db:"seq"`
	InvocationID string         `db:"invocation_id"`
	Author       string         `db:"author"`
	ContentJSON  sql.NullString `db:"content_json"`
	ActionsJSON  sql.NullString `db:"actions_json"`
	Timestamp    int64          `db:"timestamp"`
	Branch       string         `db:"branch"`
}

// CreateSession creates a session; empty id allocates one.
func (s *SQLService) CreateSession(ctx context.Context, appName, userID, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (app_name, user_id, id, last_update_time) VALUES (?, ?, ?, ?)`,
		appName, userID, id, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	return &Session{AppName: appName, UserID: userID, ID: id, LastUpdateTime: now}, nil
}

// GetSession returns the session with its filtered event view.
func (s *SQLService) GetSession(ctx context.Context, appName, userID, id string) (*Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT app_name, user_id, id, last_update_time FROM sessions
		 WHERE app_name = ? AND user_id = ? AND id = ?`, appName, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, appName, userID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	var eventRows []eventRow
	err = s.db.SelectContext(ctx, &eventRows,
		`SELECT seq, invocation_id, author, content_json, actions_json, timestamp, branch
		 FROM events WHERE app_name = ? AND user_id = ? AND session_id = ? ORDER BY seq`,
		appName, userID, id)
	if err != nil {
		return nil, fmt.Errorf("loading events for session %s: %w", id, err)
	}

	events := make([]Event, 0, len(eventRows))
	for _, er := range eventRows {
		ev, err := er.toEvent()
		if err != nil {
			return nil, fmt.Errorf("decoding event %d of session %s: %w", er.Seq, id, err)
		}
		events = append(events, ev)
	}

	return &Session{
		AppName:        row.AppName,
		UserID:         row.UserID,
		ID:             row.ID,
		LastUpdateTime: time.Unix(0, row.LastUpdateTime),
		Events:         FilterEvents(events),
	}, nil
}

// AppendEvent persists event under optimistic concurrency.
func (s *SQLService) AppendEvent(ctx context.Context, sess *Session, event Event) (Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var stored int64
	err = tx.GetContext(ctx, &stored,
		`SELECT last_update_time FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		sess.AppName, sess.UserID, sess.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, sess.AppName, sess.UserID, sess.ID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("checking session freshness: %w", err)
	}
	if sess.LastUpdateTime.UnixNano() < stored {
		return Event{}, fmt.Errorf("%w (session=%s)", ErrStaleSession, sess.ID)
	}

	ts := s.now()
	if ts.UnixNano() < stored {
		ts = time.Unix(0, stored)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ts
	}

	contentJSON, actionsJSON, err := encodeEvent(event)
	if err != nil {
		return Event{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (app_name, user_id, session_id, seq, invocation_id, author,
		                     content_json, actions_json, timestamp, branch)
		 SELECT ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		sess.AppName, sess.UserID, sess.ID, event.InvocationID, event.Author,
		contentJSON, actionsJSON, event.Timestamp.UnixNano(), event.Branch,
		sess.AppName, sess.UserID, sess.ID)
	if err != nil {
		return Event{}, fmt.Errorf("inserting event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_update_time = ? WHERE app_name = ? AND user_id = ? AND id = ?`,
		ts.UnixNano(), sess.AppName, sess.UserID, sess.ID)
	if err != nil {
		return Event{}, fmt.Errorf("updating session time: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("committing append: %w", err)
	}

	sess.LastUpdateTime = ts
	sess.Events = append(sess.Events, event)
	return event, nil
}

// ListSessions returns all sessions for (appName, userID), without events.
func (s *SQLService) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT app_name, user_id, id, last_update_time FROM sessions
		 WHERE app_name = ? AND user_id = ? ORDER BY id`, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Session{
			AppName:        r.AppName,
			UserID:         r.UserID,
			ID:             r.ID,
			LastUpdateTime: time.Unix(0, r.LastUpdateTime),
		})
	}
	return out, nil
}

// DeleteSession removes a session and its events.
func (s *SQLService) DeleteSession(ctx context.Context, appName, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`, appName, userID, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, appName, userID, id)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`, appName, userID, id)
	if err != nil {
		return fmt.Errorf("deleting events for session %s: %w", id, err)
	}
	return nil
}

func encodeEvent(event Event) (sql.NullString, sql.NullString, error) {
	var contentJSON, actionsJSON sql.NullString
	if event.Content != nil {
		raw, err := json.Marshal(event.Content)
		if err != nil {
			return contentJSON, actionsJSON, fmt.Errorf("encoding event content: %w", err)
		}
		contentJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if event.Actions != nil {
		raw, err := json.Marshal(event.Actions)
		if err != nil {
			return contentJSON, actionsJSON, fmt.Errorf("encoding event actions: %w", err)
		}
		actionsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	return contentJSON, actionsJSON, nil
}

func (er *eventRow) toEvent() (Event, error) {
	ev := Event{
		InvocationID: er.InvocationID,
		Author:       er.Author,
		Timestamp:    time.Unix(0, er.Timestamp),
		Branch:       er.Branch,
	}
	if er.ContentJSON.Valid {
		var msg a2a.Message
		if err := json.Unmarshal([]byte(er.ContentJSON.String), &msg); err != nil {
			return Event{}, err
		}
		ev.Content = &msg
	}
	if er.ActionsJSON.Valid {
		var actions EventActions
		if err := json.Unmarshal([]byte(er.ActionsJSON.String), &actions); err != nil {
			return Event{}, err
		}
		ev.Actions = &actions
	}
	return ev, nil
}
