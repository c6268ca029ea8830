package api

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/genai"

	"toolflow/internal/agents"
	"toolflow/internal/consumers"
	"toolflow/internal/domain/session"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// ResponseProcessor records late function responses. Implemented by
// consumers.ResponseConsumer.
type ResponseProcessor interface {
	Process(ctx context.Context, payload *consumers.LateResponse) error
}

// SessionHandler exposes conversations over HTTP: create, inspect, send a
// user message and deliver late function responses.
type SessionHandler struct {
	sessions  *session.Service
	flow      *agents.Flow
	agent     *agents.Agent
	responses ResponseProcessor
	log       *logger.Logger
}

// NewSessionHandler creates a session handler serving agent.
func NewSessionHandler(sessions *session.Service, flow *agents.Flow, agent *agents.Agent, responses ResponseProcessor) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		flow:      flow,
		agent:     agent,
		responses: responses,
		log:       logger.Get().With("component", "session_api"),
	}
}

// Register mounts the handler's routes on mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.HandleCreate)
	mux.HandleFunc("GET /v1/sessions/{app}/{user}/{session}", h.HandleGet)
	mux.HandleFunc("POST /v1/sessions/{app}/{user}/{session}/run", h.HandleRun)
	mux.HandleFunc("POST /v1/sessions/{app}/{user}/{session}/responses", h.HandleResponses)
}

type createSessionRequest struct {
	AppName   string                 `json:"app_name"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id,omitempty"`
	State     map[string]interface{} `json:"state,omitempty"`
}

type sessionResponse struct {
	AppName   string                 `json:"app_name"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	State     map[string]interface{} `json:"state"`
	Events    []*session.Event       `json:"events"`
}

type runRequest struct {
	Message string `json:"message"`
}

type eventsResponse struct {
	Events []*session.Event `json:"events"`
}

type lateResponseRequest struct {
	InvocationID string                      `json:"invocation_id,omitempty"`
	Responses    []consumers.ResponsePayload `json:"responses"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		AppName:   s.AppName,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		State:     s.State,
		Events:    s.Events,
	}
}

// HandleCreate creates a session.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "invalid JSON body"))
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), req.AppName, req.UserID, req.SessionID, req.State)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// HandleGet returns a session with its history.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.load(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// HandleRun sends a user message to the agent and returns the events the
// run recorded.
func (h *SessionHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "message is required"))
		return
	}

	sess, err := h.load(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	recorded, err := h.flow.Run(r.Context(), sess, h.agent, genai.NewContentFromText(req.Message, genai.RoleUser))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eventsResponse{Events: recorded})
}

// HandleResponses delivers late function responses to the session.
func (h *SessionHandler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	var req lateResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Responses) == 0 {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "responses are required"))
		return
	}

	payload := &consumers.LateResponse{
		AppName:      r.PathValue("app"),
		UserID:       r.PathValue("user"),
		SessionID:    r.PathValue("session"),
		InvocationID: req.InvocationID,
		Responses:    req.Responses,
	}
	if err := h.responses.Process(r.Context(), payload); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *SessionHandler) load(r *http.Request) (*session.Session, error) {
	return h.sessions.GetSession(r.Context(), r.PathValue("app"), r.PathValue("user"), r.PathValue("session"), nil)
}

func (h *SessionHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errors.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, errors.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		h.log.Errorf("Session request failed: %v", err)
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
