package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"toolflow/internal/domain/session"
	"toolflow/pkg/errors"
)

var _ session.Repository = (*SessionRepository)(nil)

// SessionRepository is an in-process session.Repository. It is the default
// conversation store and the one used by unit tests.
type SessionRepository struct {
	mu        sync.RWMutex
	sessions  map[string]*session.Session
	byUUID    map[uuid.UUID]string
	events    map[uuid.UUID][]*session.Event
	appState  map[string]map[string]interface{}
	userState map[string]map[string]interface{}
}

// NewSessionRepository creates an empty in-memory repository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions:  make(map[string]*session.Session),
		byUUID:    make(map[uuid.UUID]string),
		events:    make(map[uuid.UUID][]*session.Event),
		appState:  make(map[string]map[string]interface{}),
		userState: make(map[string]map[string]interface{}),
	}
}

func sessionKey(appName, userID, sessionID string) string {
	return appName + "/" + userID + "/" + sessionID
}

func userKey(appName, userID string) string {
	return appName + "/" + userID
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey(sess.AppName, sess.UserID, sess.SessionID)
	if _, ok := r.sessions[key]; ok {
		return errors.Wrapf(errors.ErrInvalidInput, "session %s already exists", sess.SessionID)
	}

	stored := *sess
	stored.State = copyState(sess.State)
	stored.Events = nil
	r.sessions[key] = &stored
	r.byUUID[sess.ID] = key
	r.events[sess.ID] = nil

	return nil
}

// Get returns a copy of the session with its (optionally filtered) events
func (r *SessionRepository) Get(ctx context.Context, appName, userID, sessionID string, opts *session.GetOptions) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.sessions[sessionKey(appName, userID, sessionID)]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}

	if opts == nil {
		opts = &session.GetOptions{}
	}

	sess := *stored
	sess.State = copyState(stored.State)
	events := session.RecentEvents(r.events[stored.ID], &session.GetEventsOptions{
		Limit: opts.NumRecentEvents,
		After: opts.After,
	})
	sess.Events = append([]*session.Event(nil), events...)

	return &sess, nil
}

// List returns the sessions of an app, optionally narrowed to one user
func (r *SessionRepository) List(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*session.Session
	for _, stored := range r.sessions {
		if stored.AppName != appName || (userID != "" && stored.UserID != userID) {
			continue
		}
		sess := *stored
		sess.State = copyState(stored.State)
		sess.Events = []*session.Event{}
		out = append(out, &sess)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out, nil
}

// Delete removes a session and its events
func (r *SessionRepository) Delete(ctx context.Context, appName, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey(appName, userID, sessionID)
	stored, ok := r.sessions[key]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "session not found")
	}

	delete(r.sessions, key)
	delete(r.byUUID, stored.ID)
	delete(r.events, stored.ID)

	return nil
}

// UpdateState replaces the persisted session-level state
func (r *SessionRepository) UpdateState(ctx context.Context, appName, userID, sessionID string, state map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionKey(appName, userID, sessionID)]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "session not found")
	}

	stored.State = copyState(state)
	return nil
}

// AppendEvent appends an event to the session log
func (r *SessionRepository) AppendEvent(ctx context.Context, sessionUUID uuid.UUID, event *session.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byUUID[sessionUUID]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "session not found")
	}

	r.events[sessionUUID] = append(r.events[sessionUUID], event)
	r.sessions[key].UpdatedAt = event.Timestamp

	return nil
}

// GetEvents returns the events of a session in chronological order
func (r *SessionRepository) GetEvents(ctx context.Context, sessionUUID uuid.UUID, opts *session.GetEventsOptions) ([]*session.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byUUID[sessionUUID]; !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}

	events := session.RecentEvents(r.events[sessionUUID], opts)
	return append([]*session.Event(nil), events...), nil
}

// GetAppState retrieves application-level state
func (r *SessionRepository) GetAppState(ctx context.Context, appName string) (*session.AppState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.appState[appName]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "app state not found")
	}

	return &session.AppState{AppName: appName, State: copyState(state)}, nil
}

// SetAppState replaces application-level state
func (r *SessionRepository) SetAppState(ctx context.Context, appName string, state map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appState[appName] = copyState(state)
	return nil
}

// GetUserState retrieves user-level state
func (r *SessionRepository) GetUserState(ctx context.Context, appName, userID string) (*session.UserState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.userState[userKey(appName, userID)]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "user state not found")
	}

	return &session.UserState{AppName: appName, UserID: userID, State: copyState(state)}, nil
}

// SetUserState replaces user-level state
func (r *SessionRepository) SetUserState(ctx context.Context, appName, userID string, state map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userState[userKey(appName, userID)] = copyState(state)
	return nil
}

func copyState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
