package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"toolflow/internal/domain/session"
	"toolflow/pkg/errors"
)

var _ session.Repository = (*SessionRepository)(nil)

const keyPrefix = "toolflow"

// storedSession is the JSON form of a session without its events.
type storedSession struct {
	ID        uuid.UUID              `json:"id"`
	AppName   string                 `json:"app_name"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	State     map[string]interface{} `json:"state"`
	UpdatedAt time.Time              `json:"updated_at"`
	CreatedAt time.Time              `json:"created_at"`
}

// SessionRepository implements session.Repository using Redis. A session is
// a JSON document plus a list of JSON events; both expire ttl after the
// last write. App and user state never expire.
type SessionRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionRepository creates a new Redis session repository. ttl <= 0 keeps sessions forever.
func NewSessionRepository(client *redis.Client, ttl time.Duration) *SessionRepository {
	if ttl < 0 {
		ttl = 0
	}
	return &SessionRepository{client: client, ttl: ttl}
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(toStored(sess))
	if err != nil {
		return errors.Wrapf(err, "failed to marshal session: session_id=%s", sess.SessionID)
	}

	key := r.sessionKey(sess.AppName, sess.UserID, sess.SessionID)
	created, err := r.client.SetNX(ctx, key, data, r.ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to save session to redis: session_id=%s", sess.SessionID)
	}
	if !created {
		return errors.Wrapf(errors.ErrInvalidInput, "session %s already exists", sess.SessionID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.uuidKey(sess.ID), key, r.ttl)
		pipe.SAdd(ctx, r.indexKey(sess.AppName), sess.UserID+"/"+sess.SessionID)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to index session: session_id=%s", sess.SessionID)
	}

	return nil
}

// Get retrieves a session with optional event filtering
func (r *SessionRepository) Get(ctx context.Context, appName, userID, sessionID string, opts *session.GetOptions) (*session.Session, error) {
	stored, err := r.load(ctx, r.sessionKey(appName, userID, sessionID))
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &session.GetOptions{}
	}

	sess := stored.toSession()
	sess.Events, err = r.GetEvents(ctx, sess.ID, &session.GetEventsOptions{
		Limit: opts.NumRecentEvents,
		After: opts.After,
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// List lists the sessions of an app, optionally narrowed to one user
func (r *SessionRepository) List(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	members, err := r.client.SMembers(ctx, r.indexKey(appName)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list sessions: app=%s", appName)
	}

	var sessions []*session.Session
	for _, member := range members {
		key := fmt.Sprintf("%s:session:%s/%s", keyPrefix, appName, member)
		stored, err := r.load(ctx, key)
		if errors.Is(err, errors.ErrNotFound) {
			// expired
			r.client.SRem(ctx, r.indexKey(appName), member)
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID != "" && stored.UserID != userID {
			continue
		}

		sess := stored.toSession()
		sess.Events = []*session.Event{}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

// Delete removes a session and its events
func (r *SessionRepository) Delete(ctx context.Context, appName, userID, sessionID string) error {
	key := r.sessionKey(appName, userID, sessionID)
	stored, err := r.load(ctx, key)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key, r.eventsKey(stored.ID), r.uuidKey(stored.ID))
		pipe.SRem(ctx, r.indexKey(appName), userID+"/"+sessionID)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete session from redis: session_id=%s", sessionID)
	}

	return nil
}

// UpdateState replaces the persisted session-level state
func (r *SessionRepository) UpdateState(ctx context.Context, appName, userID, sessionID string, state map[string]interface{}) error {
	key := r.sessionKey(appName, userID, sessionID)
	stored, err := r.load(ctx, key)
	if err != nil {
		return err
	}

	stored.State = state
	stored.UpdatedAt = time.Now()
	return r.save(ctx, key, stored)
}

// AppendEvent appends an event to the session log and refreshes the TTL
func (r *SessionRepository) AppendEvent(ctx context.Context, sessionUUID uuid.UUID, event *session.Event) error {
	key, err := r.client.Get(ctx, r.uuidKey(sessionUUID)).Result()
	if err == redis.Nil {
		return errors.Wrap(errors.ErrNotFound, "session not found")
	}
	if err != nil {
		return errors.Wrapf(err, "failed to resolve session %s", sessionUUID)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal event %s", event.ID)
	}

	eventsKey := r.eventsKey(sessionUUID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, eventsKey, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, eventsKey, r.ttl)
			pipe.Expire(ctx, key, r.ttl)
			pipe.Expire(ctx, r.uuidKey(sessionUUID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to append event %s", event.ID)
	}

	return nil
}

// GetEvents returns the events of a session in chronological order
func (r *SessionRepository) GetEvents(ctx context.Context, sessionUUID uuid.UUID, opts *session.GetEventsOptions) ([]*session.Event, error) {
	start := int64(0)
	if opts != nil && opts.Limit > 0 && opts.After.IsZero() {
		start = -int64(opts.Limit)
	}

	raw, err := r.client.LRange(ctx, r.eventsKey(sessionUUID), start, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read events of session %s", sessionUUID)
	}

	events := make([]*session.Event, 0, len(raw))
	for _, item := range raw {
		var event session.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event")
		}
		events = append(events, &event)
	}

	return session.RecentEvents(events, opts), nil
}

// GetAppState retrieves application-level state
func (r *SessionRepository) GetAppState(ctx context.Context, appName string) (*session.AppState, error) {
	state, err := r.loadState(ctx, r.appStateKey(appName))
	if err != nil {
		return nil, errors.Wrapf(err, "app state: app=%s", appName)
	}
	return &session.AppState{AppName: appName, State: state}, nil
}

// SetAppState replaces application-level state
func (r *SessionRepository) SetAppState(ctx context.Context, appName string, state map[string]interface{}) error {
	return r.saveState(ctx, r.appStateKey(appName), state)
}

// GetUserState retrieves user-level state
func (r *SessionRepository) GetUserState(ctx context.Context, appName, userID string) (*session.UserState, error) {
	state, err := r.loadState(ctx, r.userStateKey(appName, userID))
	if err != nil {
		return nil, errors.Wrapf(err, "user state: app=%s user=%s", appName, userID)
	}
	return &session.UserState{AppName: appName, UserID: userID, State: state}, nil
}

// SetUserState replaces user-level state
func (r *SessionRepository) SetUserState(ctx context.Context, appName, userID string, state map[string]interface{}) error {
	return r.saveState(ctx, r.userStateKey(appName, userID), state)
}

func (r *SessionRepository) load(ctx context.Context, key string) (*storedSession, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get session from redis: key=%s", key)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal session: key=%s", key)
	}
	return &stored, nil
}

func (r *SessionRepository) save(ctx context.Context, key string, stored *storedSession) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal session: key=%s", key)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to save session to redis: key=%s", key)
	}
	return nil
}

func (r *SessionRepository) loadState(ctx context.Context, key string) (map[string]interface{}, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *SessionRepository) saveState(ctx context.Context, key string, state map[string]interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal state: key=%s", key)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to save state to redis: key=%s", key)
	}
	return nil
}

func (r *SessionRepository) sessionKey(appName, userID, sessionID string) string {
	return fmt.Sprintf("%s:session:%s/%s/%s", keyPrefix, appName, userID, sessionID)
}

func (r *SessionRepository) eventsKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:events:%s", keyPrefix, id)
}

func (r *SessionRepository) uuidKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:session_uuid:%s", keyPrefix, id)
}

func (r *SessionRepository) indexKey(appName string) string {
	return fmt.Sprintf("%s:sessions:%s", keyPrefix, appName)
}

func (r *SessionRepository) appStateKey(appName string) string {
	return fmt.Sprintf("%s:app_state:%s", keyPrefix, appName)
}

func (r *SessionRepository) userStateKey(appName, userID string) string {
	return fmt.Sprintf("%s:user_state:%s/%s", keyPrefix, appName, userID)
}

func toStored(sess *session.Session) *storedSession {
	return &storedSession{
		ID:        sess.ID,
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		State:     sess.State,
		UpdatedAt: sess.UpdatedAt,
		CreatedAt: sess.CreatedAt,
	}
}

func (s *storedSession) toSession() *session.Session {
	state := s.State
	if state == nil {
		state = make(map[string]interface{})
	}
	return &session.Session{
		ID:        s.ID,
		AppName:   s.AppName,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		State:     state,
		UpdatedAt: s.UpdatedAt,
		CreatedAt: s.CreatedAt,
	}
}
