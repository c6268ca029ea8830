package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents"
	"toolflow/internal/agents/functions"
	"toolflow/internal/api/health"
	"toolflow/internal/consumers"
	"toolflow/internal/domain/session"
	"toolflow/internal/repository/memory"
	"toolflow/internal/tools"
	"toolflow/internal/tools/builtin"
	"toolflow/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Nop()
	os.Exit(m.Run())
}

type scriptedModel struct {
	mu      sync.Mutex
	replies []*genai.Content
}

func (m *scriptedModel) GenerateContent(ctx context.Context, req *agents.ModelRequest) (*genai.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return genai.NewContentFromText("done", genai.RoleModel), nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

func callContent(name string, args map[string]interface{}) *genai.Content {
	return genai.NewContentFromParts([]*genai.Part{
		{FunctionCall: &genai.FunctionCall{Name: name, Args: args}},
	}, genai.RoleModel)
}

func newTestServer(t *testing.T, replies ...*genai.Content) http.Handler {
	t.Helper()

	registry := tools.NewRegistry()
	builtin.RegisterAll(registry)

	sessions := session.NewService(memory.NewSessionRepository())
	dispatcher := functions.NewDispatcher(config.DispatcherConfig{MaxConcurrency: 2, SyncInline: true}, functions.Deps{})
	flow := agents.NewFlow(sessions, registry, dispatcher)
	agent := &agents.Agent{Name: "assistant", Model: &scriptedModel{replies: replies}}

	handler := NewSessionHandler(sessions, flow, agent, consumers.NewResponseConsumer(nil, sessions, flow, agent))
	srv := NewServer(ServerConfig{ServiceName: "toolflow", Version: "test"}, health.New(logger.Get(), "toolflow", "test", nil), handler, logger.Get())
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func createSession(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/sessions", map[string]interface{}{
		"app_name": "app", "user_id": "u1", "session_id": "s1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSessionAPI_CreateAndGet(t *testing.T) {
	h := newTestServer(t)
	createSession(t, h)

	rec := do(t, h, http.MethodGet, "/v1/sessions/app/u1/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Empty(t, got.Events)
}

func TestSessionAPI_Errors(t *testing.T) {
	h := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/sessions/app/u1/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sessions", map[string]interface{}{"app_name": "app"}).Code)

	createSession(t, h)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sessions/app/u1/s1/run", map[string]interface{}{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sessions/app/u1/s1/responses", map[string]interface{}{}).Code)
}

func TestSessionAPI_RunExecutesTools(t *testing.T) {
	h := newTestServer(t, callContent("save_memory", map[string]interface{}{"key": "color", "value": "blue"}))
	createSession(t, h)

	rec := do(t, h, http.MethodPost, "/v1/sessions/app/u1/s1/run", runRequest{Message: "remember blue"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run.Events, 4)
	assert.Equal(t, "save_memory", run.Events[2].FunctionResponses()[0].Name)
	assert.True(t, run.Events[3].TurnComplete)

	rec = do(t, h, http.MethodGet, "/v1/sessions/app/u1/s1", nil)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "blue", got.State["memory:color"])
}

func TestSessionAPI_LateResponseResumes(t *testing.T) {
	h := newTestServer(t, callContent("request_approval", map[string]interface{}{"action": "refund"}))
	createSession(t, h)

	rec := do(t, h, http.MethodPost, "/v1/sessions/app/u1/s1/run", runRequest{Message: "refund me"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run.Events, 2, "the run pauses on the open approval")
	call := run.Events[1].FunctionCalls()[0]
	assert.Equal(t, []string{call.ID}, run.Events[1].LongRunningToolIDs)

	rec = do(t, h, http.MethodPost, "/v1/sessions/app/u1/s1/responses", lateResponseRequest{
		Responses: []consumers.ResponsePayload{{ID: call.ID, Name: call.Name, Response: map[string]interface{}{"approved": true}}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/sessions/app/u1/s1", nil)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Events, 4)
	assert.Equal(t, call.ID, got.Events[2].FunctionResponses()[0].ID)
	assert.Equal(t, "done", got.Events[3].Content.Parts[0].Text)
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"toolflow"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/live", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)
}
