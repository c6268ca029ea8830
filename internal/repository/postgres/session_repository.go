package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolflow/internal/domain/session"
	"toolflow/internal/metrics"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

var _ session.Repository = (*SessionRepository)(nil)

// SessionRepository implements session.Repository using PostgreSQL.
// Events are ordered by their insertion sequence, not by timestamp, so
// events appended within the same clock tick keep their order.
type SessionRepository struct {
	db  DBTX
	log *logger.Logger
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{
		db:  db,
		log: logger.Get().With("component", "session_repository"),
	}
}

// observe records a query; errp is read when observe runs so it can be deferred.
func observe(operation string, start time.Time, errp *error) {
	err := *errp
	if err == sql.ErrNoRows {
		err = nil
	}
	metrics.RecordDBQuery("postgres", operation, time.Since(start), err)
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) (err error) {
	defer observe("create_session", time.Now(), &err)

	stateJSON, err := marshalState(sess.State)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, app_name, user_id, session_id, state, updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		sess.ID,
		sess.AppName,
		sess.UserID,
		sess.SessionID,
		stateJSON,
		sess.UpdatedAt,
		sess.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}

	return nil
}

// Get retrieves a session with optional event filtering
func (r *SessionRepository) Get(ctx context.Context, appName, userID, sessionID string, opts *session.GetOptions) (*session.Session, error) {
	if opts == nil {
		opts = &session.GetOptions{}
	}

	query := `
		SELECT id, app_name, user_id, session_id, state, updated_at, created_at
		FROM sessions
		WHERE app_name = $1 AND user_id = $2 AND session_id = $3
	`

	start := time.Now()
	var sess session.Session
	var stateJSON []byte

	err := r.db.QueryRowContext(ctx, query, appName, userID, sessionID).Scan(
		&sess.ID,
		&sess.AppName,
		&sess.UserID,
		&sess.SessionID,
		&stateJSON,
		&sess.UpdatedAt,
		&sess.CreatedAt,
	)
	observe("get_session", start, &err)

	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}

	if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal state")
	}

	events, err := r.GetEvents(ctx, sess.ID, &session.GetEventsOptions{
		Limit: opts.NumRecentEvents,
		After: opts.After,
	})
	if err != nil {
		return nil, err
	}
	sess.Events = events

	return &sess, nil
}

// List lists all sessions for an app/user
func (r *SessionRepository) List(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	query := `
		SELECT id, app_name, user_id, session_id, state, updated_at, created_at
		FROM sessions
		WHERE app_name = $1
	`
	args := []interface{}{appName}

	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}

	query += ` ORDER BY updated_at DESC`

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	observe("list_sessions", start, &err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		var sess session.Session
		var stateJSON []byte

		err := rows.Scan(
			&sess.ID,
			&sess.AppName,
			&sess.UserID,
			&sess.SessionID,
			&stateJSON,
			&sess.UpdatedAt,
			&sess.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}

		if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal state")
		}

		sess.Events = []*session.Event{}
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// Delete deletes a session and, by cascade, its events
func (r *SessionRepository) Delete(ctx context.Context, appName, userID, sessionID string) (err error) {
	defer observe("delete_session", time.Now(), &err)

	query := `
		DELETE FROM sessions
		WHERE app_name = $1 AND user_id = $2 AND session_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, appName, userID, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rows == 0 {
		return errors.Wrap(errors.ErrNotFound, "session not found")
	}

	return nil
}

// UpdateState updates session state
func (r *SessionRepository) UpdateState(ctx context.Context, appName, userID, sessionID string, state map[string]interface{}) (err error) {
	defer observe("update_state", time.Now(), &err)

	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET state = $1, updated_at = $2
		WHERE app_name = $3 AND user_id = $4 AND session_id = $5
	`

	_, err = r.db.ExecContext(ctx, query, stateJSON, time.Now(), appName, userID, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to update state")
	}

	return nil
}

// AppendEvent appends an event to a session
func (r *SessionRepository) AppendEvent(ctx context.Context, sessionUUID uuid.UUID, event *session.Event) (err error) {
	defer observe("append_event", time.Now(), &err)

	var contentJSON []byte
	if event.Content != nil {
		contentJSON, err = json.Marshal(event.Content)
		if err != nil {
			return errors.Wrap(err, "failed to marshal content")
		}
	}

	actionsJSON, err := json.Marshal(event.Actions)
	if err != nil {
		return errors.Wrap(err, "failed to marshal actions")
	}

	var longRunningJSON []byte
	if len(event.LongRunningToolIDs) > 0 {
		longRunningJSON, err = json.Marshal(event.LongRunningToolIDs)
		if err != nil {
			return errors.Wrap(err, "failed to marshal long-running tool ids")
		}
	}

	query := `
		INSERT INTO session_events (
			session_uuid, event_id, invocation_id, author, branch, content,
			turn_complete, actions, long_running_tool_ids, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		sessionUUID,
		event.ID,
		event.InvocationID,
		event.Author,
		event.Branch,
		contentJSON,
		event.TurnComplete,
		actionsJSON,
		longRunningJSON,
		event.Timestamp,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}

	_, err = r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, event.Timestamp, sessionUUID)
	if err != nil {
		return errors.Wrap(err, "failed to touch session")
	}

	return nil
}

// GetEvents retrieves events for a session in chronological order
func (r *SessionRepository) GetEvents(ctx context.Context, sessionUUID uuid.UUID, opts *session.GetEventsOptions) ([]*session.Event, error) {
	query, args := eventsQuery(sessionUUID, opts)

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	observe("get_events", start, &err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	}
	defer rows.Close()

	var events []*session.Event
	for rows.Next() {
		var event session.Event
		var contentJSON, actionsJSON, longRunningJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.InvocationID,
			&event.Author,
			&event.Branch,
			&contentJSON,
			&event.TurnComplete,
			&actionsJSON,
			&longRunningJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}

		if len(contentJSON) > 0 {
			if err := json.Unmarshal(contentJSON, &event.Content); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal content")
			}
		}

		if err := json.Unmarshal(actionsJSON, &event.Actions); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal actions")
		}

		if len(longRunningJSON) > 0 {
			if err := json.Unmarshal(longRunningJSON, &event.LongRunningToolIDs); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal long-running tool ids")
			}
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}

	// Fetched newest first for LIMIT
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, nil
}

// eventsQuery builds the newest-first event query for opts.
func eventsQuery(sessionUUID uuid.UUID, opts *session.GetEventsOptions) (string, []interface{}) {
	if opts == nil {
		opts = &session.GetEventsOptions{}
	}

	query := `
		SELECT event_id, invocation_id, author, branch, content,
		       turn_complete, actions, long_running_tool_ids, timestamp
		FROM session_events
		WHERE session_uuid = $1`
	args := []interface{}{sessionUUID}

	if !opts.After.IsZero() {
		args = append(args, opts.After)
		query += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}

	query += ` ORDER BY seq DESC`

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return query, args
}

// GetAppState retrieves application-level state
func (r *SessionRepository) GetAppState(ctx context.Context, appName string) (*session.AppState, error) {
	query := `SELECT app_name, state FROM app_states WHERE app_name = $1`

	var appState session.AppState
	var stateJSON []byte

	start := time.Now()
	err := r.db.QueryRowContext(ctx, query, appName).Scan(&appState.AppName, &stateJSON)
	observe("get_app_state", start, &err)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "app state not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get app state")
	}

	if err := json.Unmarshal(stateJSON, &appState.State); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal state")
	}

	return &appState, nil
}

// SetAppState sets application-level state
func (r *SessionRepository) SetAppState(ctx context.Context, appName string, state map[string]interface{}) (err error) {
	defer observe("set_app_state", time.Now(), &err)

	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO app_states (app_name, state)
		VALUES ($1, $2)
		ON CONFLICT (app_name) DO UPDATE SET state = EXCLUDED.state
	`

	if _, err = r.db.ExecContext(ctx, query, appName, stateJSON); err != nil {
		return errors.Wrap(err, "failed to set app state")
	}

	return nil
}

// GetUserState retrieves user-level state
func (r *SessionRepository) GetUserState(ctx context.Context, appName, userID string) (*session.UserState, error) {
	query := `SELECT app_name, user_id, state FROM user_states WHERE app_name = $1 AND user_id = $2`

	var userState session.UserState
	var stateJSON []byte

	start := time.Now()
	err := r.db.QueryRowContext(ctx, query, appName, userID).Scan(&userState.AppName, &userState.UserID, &stateJSON)
	observe("get_user_state", start, &err)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "user state not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user state")
	}

	if err := json.Unmarshal(stateJSON, &userState.State); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal state")
	}

	return &userState, nil
}

// SetUserState sets user-level state
func (r *SessionRepository) SetUserState(ctx context.Context, appName, userID string, state map[string]interface{}) (err error) {
	defer observe("set_user_state", time.Now(), &err)

	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_states (app_name, user_id, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_name, user_id) DO UPDATE SET state = EXCLUDED.state
	`

	if _, err = r.db.ExecContext(ctx, query, appName, userID, stateJSON); err != nil {
		return errors.Wrap(err, "failed to set user state")
	}

	return nil
}

func marshalState(state map[string]interface{}) ([]byte, error) {
	if state == nil {
		state = map[string]interface{}{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal state")
	}
	return data, nil
}
