package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the conversation store: sessions, their append-only event
// logs, and the app/user state shared between sessions.
type Repository interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, appName, userID, sessionID string, opts *GetOptions) (*Session, error)
	List(ctx context.Context, appName, userID string) ([]*Session, error)
	Delete(ctx context.Context, appName, userID, sessionID string) error
	UpdateState(ctx context.Context, appName, userID, sessionID string, state map[string]interface{}) error

	AppendEvent(ctx context.Context, sessionUUID uuid.UUID, event *Event) error
	GetEvents(ctx context.Context, sessionUUID uuid.UUID, opts *GetEventsOptions) ([]*Event, error)

	GetAppState(ctx context.Context, appName string) (*AppState, error)
	SetAppState(ctx context.Context, appName string, state map[string]interface{}) error
	GetUserState(ctx context.Context, appName, userID string) (*UserState, error)
	SetUserState(ctx context.Context, appName, userID string, state map[string]interface{}) error
}

// GetOptions provides filtering options for Get operation
type GetOptions struct {
	NumRecentEvents int
	After           time.Time
}

// GetEventsOptions provides filtering options for event retrieval
type GetEventsOptions struct {
	Limit int
	After time.Time
}

// RecentEvents applies opts to an already chronological event slice.
// Stores that cannot filter server-side share it.
func RecentEvents(events []*Event, opts *GetEventsOptions) []*Event {
	if opts == nil {
		return events
	}

	filtered := events
	if !opts.After.IsZero() {
		filtered = make([]*Event, 0, len(events))
		for _, e := range events {
			if !e.Timestamp.Before(opts.After) {
				filtered = append(filtered, e)
			}
		}
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}

	return filtered
}
