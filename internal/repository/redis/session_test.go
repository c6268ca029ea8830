package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/domain/session"
	"toolflow/internal/testsupport"
	"toolflow/pkg/errors"
)

func newTestRepository(t *testing.T) *SessionRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	return NewSessionRepository(testsupport.NewRedisClient(t), time.Hour)
}

func TestSessionRepository_RoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	svc := session.NewService(repo)

	sess, err := svc.CreateSession(ctx, "app", "u1", "s1", map[string]interface{}{"mode": "chat"})
	require.NoError(t, err)

	_, err = svc.CreateSession(ctx, "app", "u1", "s1", nil)
	assert.Error(t, err, "duplicate session")

	call := session.NewEvent("e-1", "root_agent")
	call.Content = genai.NewContentFromParts([]*genai.Part{
		{FunctionCall: &genai.FunctionCall{ID: "adk-1", Name: "update_state"}},
	}, genai.RoleModel)
	require.NoError(t, svc.AppendEvent(ctx, sess, call))

	response := session.NewEvent("e-1", "root_agent")
	response.Actions.StateDelta = map[string]interface{}{"x": 1.0}
	require.NoError(t, svc.AppendEvent(ctx, sess, response))

	got, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "adk-1", got.Events[0].FunctionCalls()[0].ID)
	assert.Equal(t, 1.0, got.State["x"])
	assert.Equal(t, "chat", got.State["mode"])

	recent, err := repo.GetEvents(ctx, sess.ID, &session.GetEventsOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, response.ID, recent[0].ID)

	listed, err := repo.List(ctx, "app", "u1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "s1", listed[0].SessionID)

	require.NoError(t, repo.Delete(ctx, "app", "u1", "s1"))
	_, err = repo.Get(ctx, "app", "u1", "s1", nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSessionRepository_AppendToUnknownSession(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.AppendEvent(context.Background(), uuid.New(), session.NewEvent("e-1", "user"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSessionRepository_SharedState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.GetAppState(ctx, "app")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, repo.SetAppState(ctx, "app", map[string]interface{}{"tier": "pro"}))
	app, err := repo.GetAppState(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "pro", app.State["tier"])

	require.NoError(t, repo.SetUserState(ctx, "app", "u1", map[string]interface{}{"lang": "en"}))
	user, err := repo.GetUserState(ctx, "app", "u1")
	require.NoError(t, err)
	assert.Equal(t, "en", user.State["lang"])
}
