package session

import (
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// Session is one conversation: its ordered event history plus state.
type Session struct {
	ID        uuid.UUID
	AppName   string
	UserID    string
	SessionID string
	State     map[string]interface{}
	Events    []*Event
	UpdatedAt time.Time
	CreatedAt time.Time
}

// Event is one append-only unit of conversation history, authored either
// by an agent (model output) or by the tool-execution layer / user.
type Event struct {
	ID           string         `json:"id"`
	InvocationID string         `json:"invocation_id"`
	Author       string         `json:"author"`
	Branch       string         `json:"branch,omitempty"`
	Content      *genai.Content `json:"content,omitempty"`
	Partial      bool           `json:"partial,omitempty"`
	TurnComplete bool           `json:"turn_complete,omitempty"`
	Actions      EventActions   `json:"actions"`
	// IDs of function calls in this event whose tools are long-running.
	// Those calls may stay open until a later event answers them.
	LongRunningToolIDs []string  `json:"long_running_tool_ids,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// EventActions carries the side effects attached to an event.
type EventActions struct {
	StateDelta        map[string]interface{} `json:"state_delta,omitempty"`
	SkipSummarization bool                   `json:"skip_summarization,omitempty"`
	Escalate          bool                   `json:"escalate,omitempty"`
	TransferToAgent   string                 `json:"transfer_to_agent,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(invocationID, author string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now(),
	}
}

// FunctionCalls returns the function call parts of the event in listed order.
func (e *Event) FunctionCalls() []*genai.FunctionCall {
	if e == nil || e.Content == nil {
		return nil
	}
	var calls []*genai.FunctionCall
	for _, part := range e.Content.Parts {
		if part != nil && part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the function response parts of the event in listed order.
func (e *Event) FunctionResponses() []*genai.FunctionResponse {
	if e == nil || e.Content == nil {
		return nil
	}
	var responses []*genai.FunctionResponse
	for _, part := range e.Content.Parts {
		if part != nil && part.FunctionResponse != nil {
			responses = append(responses, part.FunctionResponse)
		}
	}
	return responses
}

// AppState is application-level state shared across all users
type AppState struct {
	AppName string
	State   map[string]interface{}
}

// UserState is user-level state shared across all of a user's sessions
type UserState struct {
	AppName string
	UserID  string
	State   map[string]interface{}
}

// State key prefixes for multi-level state management
const (
	KeyPrefixApp  = "app:"
	KeyPrefixUser = "user:"
	KeyPrefixTemp = "temp:"
)
