package agents

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"toolflow/internal/agents/functions"
	"toolflow/internal/agents/state"
	"toolflow/internal/domain/session"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// DefaultMaxSteps bounds the model calls of one Run.
const DefaultMaxSteps = 10

// Flow drives an agent over a session: it asks the model for a turn,
// executes the function calls of that turn and records both sides in the
// conversation store.
type Flow struct {
	sessions   *session.Service
	registry   *tools.Registry
	dispatcher *functions.Dispatcher
	maxSteps   int
	log        *logger.Logger
}

// NewFlow creates a flow.
func NewFlow(sessions *session.Service, registry *tools.Registry, dispatcher *functions.Dispatcher) *Flow {
	return &Flow{
		sessions:   sessions,
		registry:   registry,
		dispatcher: dispatcher,
		maxSteps:   DefaultMaxSteps,
		log:        logger.Get().With("component", "flow"),
	}
}

// WithMaxSteps overrides DefaultMaxSteps.
func (f *Flow) WithMaxSteps(n int) *Flow {
	if n > 0 {
		f.maxSteps = n
	}
	return f
}

// NewInvocationID returns an identifier for one Run.
func NewInvocationID() string {
	return "e-" + uuid.NewString()
}

// Run appends message (if any) as a user event and lets the agent work
// until the model answers without function calls, a long-running call is
// left open, or the step limit is hit. It returns the events recorded by
// this run, message included.
func (f *Flow) Run(ctx context.Context, sess *session.Session, agent *Agent, message *genai.Content) ([]*session.Event, error) {
	if agent == nil || agent.Model == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "agent with a model is required")
	}

	invocationID := NewInvocationID()
	var recorded []*session.Event

	if message != nil {
		userEvent := session.NewEvent(invocationID, "user")
		userEvent.Content = message
		if err := f.sessions.AppendEvent(ctx, sess, userEvent); err != nil {
			return recorded, err
		}
		recorded = append(recorded, userEvent)
	}

	view := agent.view(f.registry)

	for step := 0; step < f.maxSteps; step++ {
		content, err := agent.Model.GenerateContent(ctx, &ModelRequest{
			SystemInstruction: agent.Instruction,
			Contents:          ModelContents(sess.Events),
			Tools:             view.Declarations(),
		})
		if err != nil {
			return recorded, errors.Wrapf(err, "model call for agent %s", agent.Name)
		}

		modelEvent := session.NewEvent(invocationID, agent.Name)
		modelEvent.Content = content

		if len(modelEvent.FunctionCalls()) == 0 {
			modelEvent.TurnComplete = true
			if err := f.sessions.AppendEvent(ctx, sess, modelEvent); err != nil {
				return recorded, err
			}
			return append(recorded, modelEvent), nil
		}

		responseEvent, err := f.handle(ctx, sess, agent, view, modelEvent)
		recorded = append(recorded, modelEvent)
		if responseEvent != nil {
			recorded = append(recorded, responseEvent)
		}
		if err != nil {
			return recorded, err
		}

		if open := pendingLongRunning(modelEvent, responseEvent); len(open) > 0 {
			f.log.Infof("Agent %s paused on %d long-running call(s)", agent.Name, len(open))
			return recorded, nil
		}
		if responseEvent != nil && responseEvent.Actions.Escalate {
			return recorded, nil
		}
	}

	f.log.Warnf("Agent %s hit the step limit (%d)", agent.Name, f.maxSteps)
	return recorded, nil
}

// HandleFunctionCalls executes the calls in callEvent for agent and
// records the call event and its response event. The returned response
// event is nil when every call was left open.
func (f *Flow) HandleFunctionCalls(ctx context.Context, sess *session.Session, agent *Agent, callEvent *session.Event) (*session.Event, error) {
	return f.handle(ctx, sess, agent, agent.view(f.registry), callEvent)
}

func (f *Flow) handle(ctx context.Context, sess *session.Session, agent *Agent, view *tools.View, callEvent *session.Event) (*session.Event, error) {
	functions.PopulateClientFunctionCallIDs(callEvent)
	callEvent.LongRunningToolIDs = functions.LongRunningCallIDs(callEvent, view)

	if err := f.sessions.AppendEvent(ctx, sess, callEvent); err != nil {
		return nil, err
	}

	inv := tools.InvocationMetadata{
		InvocationID: callEvent.InvocationID,
		AppName:      sess.AppName,
		UserID:       sess.UserID,
		SessionID:    sess.SessionID,
		AgentName:    agent.Name,
	}

	scope := state.NewScope(sess.State)
	outcomes, err := f.dispatcher.ExecuteTurnCalls(ctx, inv, callEvent.FunctionCalls(), view, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "turn %s", callEvent.InvocationID)
	}

	responseEvent := functions.BuildResponseEvent(callEvent.InvocationID, agent.Name, outcomes, scope)
	if responseEvent == nil {
		return nil, nil
	}

	if err := f.sessions.AppendEvent(ctx, sess, responseEvent); err != nil {
		return nil, err
	}

	f.log.Debugf("Turn %s: %d call(s), %d response(s)", callEvent.InvocationID, len(outcomes), len(responseEvent.FunctionResponses()))
	return responseEvent, nil
}

// Resume records a late response event (an approval, a webhook result)
// and returns the call events it answers, one per response in listed
// order; responses with no open call are skipped. An empty result means
// there was nothing to resume.
func (f *Flow) Resume(ctx context.Context, sess *session.Session, responseEvent *session.Event) ([]*session.Event, error) {
	responses := responseEvent.FunctionResponses()
	if len(responses) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "resume event carries no function response")
	}

	functions.PopulateClientFunctionResponseIDs(responseEvent)
	if responseEvent.Author == "" {
		responseEvent.Author = "user"
	}

	if err := f.sessions.AppendEvent(ctx, sess, responseEvent); err != nil {
		return nil, err
	}

	history := sess.Events
	earlier := history[:len(history)-1]

	var matched []*session.Event
	for i, resp := range responses {
		var callEvent *session.Event
		if i == 0 {
			callEvent = functions.FindMatchingFunctionCall(history)
		} else {
			callEvent = functions.FindFunctionCallEvent(earlier, resp.ID)
		}
		if callEvent == nil {
			f.log.Warnf("Response %s (%s) matches no call", resp.ID, resp.Name)
			continue
		}
		f.log.Infof("Resuming %s (%s), called %s", resp.Name, resp.ID, humanize.Time(callEvent.Timestamp))
		matched = append(matched, callEvent)
	}

	return matched, nil
}

// ModelContents converts history into model input. Generated call IDs are
// stripped so the model never sees them.
func ModelContents(events []*session.Event) []*genai.Content {
	contents := make([]*genai.Content, 0, len(events))
	for _, event := range events {
		if event.Content == nil || len(event.Content.Parts) == 0 {
			continue
		}
		contents = append(contents, functions.RemoveClientFunctionCallIDs(event.Content))
	}
	return contents
}

// pendingLongRunning returns the long-running call IDs of callEvent that
// responseEvent does not answer.
func pendingLongRunning(callEvent, responseEvent *session.Event) []string {
	if len(callEvent.LongRunningToolIDs) == 0 {
		return nil
	}

	answered := make(map[string]struct{})
	for _, resp := range responseEvent.FunctionResponses() {
		answered[resp.ID] = struct{}{}
	}

	var open []string
	for _, id := range callEvent.LongRunningToolIDs {
		if _, ok := answered[id]; !ok {
			open = append(open, id)
		}
	}
	return open
}
