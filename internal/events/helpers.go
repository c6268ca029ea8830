package events

import (
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"toolflow/pkg/errors"
)

// Event topic constants
const (
	// Tool call lifecycle, one message per finished call
	TopicToolCalls = "toolflow.tool_calls"

	// Late function responses (approvals, webhooks) to resume open calls
	TopicFunctionResponses = "toolflow.function_responses"
)

// Tool call status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// ToolCallEvent describes one finished (or deferred) function call.
type ToolCallEvent struct {
	AppName      string
	InvocationID string
	SessionID    string
	UserID       string
	AgentName    string
	CallID       string
	ToolName     string
	Mode         string
	Status       string
	Error        string
	Duration     time.Duration
	Timestamp    time.Time
}

// ToStruct encodes the event as a protobuf Struct.
func (e *ToolCallEvent) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"app_name":      e.AppName,
		"invocation_id": e.InvocationID,
		"session_id":    e.SessionID,
		"user_id":       e.UserID,
		"agent_name":    e.AgentName,
		"call_id":       e.CallID,
		"tool_name":     e.ToolName,
		"mode":          e.Mode,
		"status":        e.Status,
		"duration_ms":   float64(e.Duration.Milliseconds()),
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.Error != "" {
		fields["error"] = SanitizeUTF8(e.Error)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode tool call event")
	}
	return s, nil
}

// ToolCallEventFromStruct decodes an event produced by ToStruct.
func ToolCallEventFromStruct(s *structpb.Struct) (*ToolCallEvent, error) {
	if s == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "empty tool call event")
	}
	f := s.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	e := &ToolCallEvent{
		AppName:      str("app_name"),
		InvocationID: str("invocation_id"),
		SessionID:    str("session_id"),
		UserID:       str("user_id"),
		AgentName:    str("agent_name"),
		CallID:       str("call_id"),
		ToolName:     str("tool_name"),
		Mode:         str("mode"),
		Status:       str("status"),
		Error:        str("error"),
		Duration:     time.Duration(f["duration_ms"].GetNumberValue()) * time.Millisecond,
	}
	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrap(err, "parse timestamp")
		}
		e.Timestamp = parsed
	}
	return e, nil
}

// SanitizeUTF8 drops invalid UTF-8 sequences; proto string fields reject them.
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}
