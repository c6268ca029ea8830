package functions

import (
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"toolflow/internal/domain/session"
)

// ClientFunctionCallIDPrefix marks identifiers generated by this process.
// IDs without it came from the model and are never kept.
const ClientFunctionCallIDPrefix = "adk-"

// GenerateClientFunctionCallID returns a fresh process-unique identifier.
func GenerateClientFunctionCallID() string {
	return ClientFunctionCallIDPrefix + uuid.NewString()
}

// IsClientFunctionCallID reports whether id was generated by this process.
func IsClientFunctionCallID(id string) bool {
	return strings.HasPrefix(id, ClientFunctionCallIDPrefix)
}

// PopulateClientFunctionCallIDs assigns a fresh generated ID to every
// function call of a model event before it is recorded. Whatever ID the
// model sent is dropped, prefixed or not, so two calls never share one.
func PopulateClientFunctionCallIDs(event *session.Event) {
	for _, call := range event.FunctionCalls() {
		call.ID = GenerateClientFunctionCallID()
	}
}

// PopulateClientFunctionResponseIDs assigns a generated ID to every
// function response of the event that has none.
func PopulateClientFunctionResponseIDs(event *session.Event) {
	for _, resp := range event.FunctionResponses() {
		if resp.ID == "" {
			resp.ID = GenerateClientFunctionCallID()
		}
	}
}

// RemoveClientFunctionCallIDs returns a copy of content in which generated
// call and response IDs are cleared. The input is left untouched.
func RemoveClientFunctionCallIDs(content *genai.Content) *genai.Content {
	if content == nil {
		return nil
	}

	out := &genai.Content{Role: content.Role, Parts: make([]*genai.Part, len(content.Parts))}
	for i, part := range content.Parts {
		out.Parts[i] = stripPart(part)
	}
	return out
}

func stripPart(part *genai.Part) *genai.Part {
	if part == nil {
		return nil
	}

	fc, fr := part.FunctionCall, part.FunctionResponse
	stripCall := fc != nil && IsClientFunctionCallID(fc.ID)
	stripResp := fr != nil && IsClientFunctionCallID(fr.ID)
	if !stripCall && !stripResp {
		return part
	}

	cp := *part
	if stripCall {
		call := *fc
		call.ID = ""
		cp.FunctionCall = &call
	}
	if stripResp {
		resp := *fr
		resp.ID = ""
		cp.FunctionResponse = &resp
	}
	return &cp
}

// LongRunningCallIDs returns the IDs of the calls in event whose tools are
// long-running in view.
func LongRunningCallIDs(event *session.Event, view ToolResolver) []string {
	var ids []string
	for _, call := range event.FunctionCalls() {
		t, err := view.Resolve(call.Name)
		if err != nil {
			continue
		}
		if t.IsLongRunning() {
			ids = append(ids, call.ID)
		}
	}
	return ids
}
