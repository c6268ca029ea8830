package consumers

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/genai"

	kafkaadapter "toolflow/internal/adapters/kafka"
	"toolflow/internal/agents"
	"toolflow/internal/agents/functions"
	"toolflow/internal/domain/session"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

const resumeTimeout = 2 * time.Minute

// LateResponse is the payload of a function response that arrives after
// its turn ended: an approval, a webhook, the result of a background job.
type LateResponse struct {
	AppName      string            `json:"app_name"`
	UserID       string            `json:"user_id"`
	SessionID    string            `json:"session_id"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Responses    []ResponsePayload `json:"responses"`
}

// ResponsePayload is one function response of a LateResponse.
type ResponsePayload struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Event converts the payload into a session event authored by the user.
func (r *LateResponse) Event() *session.Event {
	parts := make([]*genai.Part, 0, len(r.Responses))
	for _, resp := range r.Responses {
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: resp.Response,
		}})
	}

	event := session.NewEvent(r.InvocationID, "user")
	event.Content = genai.NewContentFromParts(parts, genai.RoleUser)
	return event
}

// ResponseConsumer feeds late function responses back into their sessions
// and restarts the agent once no long-running call is left open.
type ResponseConsumer struct {
	consumer *kafkaadapter.Consumer
	sessions *session.Service
	flow     *agents.Flow
	agents   map[string]*agents.Agent
	fallback *agents.Agent
	log      *logger.Logger
}

// NewResponseConsumer creates a response consumer. Calls are routed back to
// the agent that made them; fallback serves authors it does not know.
func NewResponseConsumer(
	consumer *kafkaadapter.Consumer,
	sessions *session.Service,
	flow *agents.Flow,
	fallback *agents.Agent,
	known ...*agents.Agent,
) *ResponseConsumer {
	byName := make(map[string]*agents.Agent, len(known)+1)
	for _, a := range append([]*agents.Agent{fallback}, known...) {
		if a != nil {
			byName[a.Name] = a
		}
	}

	return &ResponseConsumer{
		consumer: consumer,
		sessions: sessions,
		flow:     flow,
		agents:   byName,
		fallback: fallback,
		log:      logger.Get().With("component", "response_consumer"),
	}
}

// Start consumes late responses until ctx is done.
func (c *ResponseConsumer) Start(ctx context.Context) error {
	c.log.Info("Starting late function response consumer...")

	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.log.Errorf("Failed to close response consumer: %v", err)
		}
	}()

	err := c.consumer.Consume(ctx, c.handle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ResponseConsumer) handle(ctx context.Context, msg kafkaadapter.Message) error {
	var payload LateResponse
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return errors.Wrap(err, "unmarshal late response")
	}
	if len(payload.Responses) == 0 {
		return errors.NewValidationError("responses", "late response carries no function response", nil)
	}

	processCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
	defer cancel()

	return c.Process(processCtx, &payload)
}

// Process records payload in its session and, when that closes the last
// open long-running call, runs the agent that made it.
func (c *ResponseConsumer) Process(ctx context.Context, payload *LateResponse) error {
	sess, err := c.sessions.GetSession(ctx, payload.AppName, payload.UserID, payload.SessionID, nil)
	if err != nil {
		return errors.Wrapf(err, "load session %s", payload.SessionID)
	}

	matched, err := c.flow.Resume(ctx, sess, payload.Event())
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		c.log.Warnf("Late response for session %s answers no open call", payload.SessionID)
		return nil
	}

	if open := functions.OpenLongRunningCalls(sess.Events); len(open) > 0 {
		c.log.Infof("Session %s still waits on %d long-running call(s)", payload.SessionID, len(open))
		return nil
	}

	agent, ok := c.agents[matched[0].Author]
	if !ok {
		agent = c.fallback
	}
	if agent == nil {
		return errors.Wrapf(errors.ErrNotFound, "agent %s", matched[0].Author)
	}

	recorded, err := c.flow.Run(ctx, sess, agent, nil)
	if err != nil {
		return errors.Wrapf(err, "continue session %s", payload.SessionID)
	}

	c.log.Debugf("Session %s resumed by %s with %d new event(s)", payload.SessionID, agent.Name, len(recorded))
	return nil
}
