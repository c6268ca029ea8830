package functions

import (
	"google.golang.org/genai"

	"toolflow/internal/domain/session"
	"toolflow/internal/metrics"
)

// FindMatchingFunctionCall returns the event holding the call answered by
// the last event, or nil when there is nothing to resume. Only the first
// response listed in the last event is matched; callers closing several
// calls at once use FindFunctionCallEvent per response ID.
func FindMatchingFunctionCall(events []*session.Event) *session.Event {
	if len(events) == 0 {
		return nil
	}

	responses := events[len(events)-1].FunctionResponses()
	if len(responses) == 0 {
		return nil
	}

	match := FindFunctionCallEvent(events[:len(events)-1], responses[0].ID)
	metrics.RecordCorrelation(match != nil)
	return match
}

// FindFunctionCallEvent scans events from newest to oldest and returns the
// first one holding a call with the given ID.
func FindFunctionCallEvent(events []*session.Event, callID string) *session.Event {
	if callID == "" {
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		for _, call := range events[i].FunctionCalls() {
			if call.ID == callID {
				return events[i]
			}
		}
	}
	return nil
}

// OpenFunctionCalls returns, in history order, the calls that no event
// has answered yet.
func OpenFunctionCalls(events []*session.Event) []*genai.FunctionCall {
	answered := make(map[string]struct{})
	for _, event := range events {
		for _, resp := range event.FunctionResponses() {
			answered[resp.ID] = struct{}{}
		}
	}

	var open []*genai.FunctionCall
	for _, event := range events {
		for _, call := range event.FunctionCalls() {
			if _, ok := answered[call.ID]; !ok {
				open = append(open, call)
			}
		}
	}
	return open
}

// OpenLongRunningCalls is OpenFunctionCalls narrowed to calls their event
// marked long-running. A plain call left unanswered by a failed or
// abandoned turn never blocks a resume.
func OpenLongRunningCalls(events []*session.Event) []*genai.FunctionCall {
	longRunning := make(map[string]struct{})
	for _, event := range events {
		for _, id := range event.LongRunningToolIDs {
			longRunning[id] = struct{}{}
		}
	}

	var open []*genai.FunctionCall
	for _, call := range OpenFunctionCalls(events) {
		if _, ok := longRunning[call.ID]; ok {
			open = append(open, call)
		}
	}
	return open
}
