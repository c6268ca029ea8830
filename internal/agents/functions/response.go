package functions

import (
	"google.golang.org/genai"

	"toolflow/internal/agents/state"
	"toolflow/internal/domain/session"
)

// BuildResponseEvent assembles the event answering a turn: one
// user-role content holding the responses in call order, the merged
// actions of the calls and the turn's state delta. Pending calls add no
// part. Returns nil when there is nothing to record.
func BuildResponseEvent(invocationID, author string, outcomes []Outcome, scope *state.Scope) *session.Event {
	var parts []*genai.Part
	var actions session.EventActions

	for _, o := range outcomes {
		mergeActions(&actions, o.Actions)
		if o.Pending || o.Response == nil {
			continue
		}
		parts = append(parts, &genai.Part{FunctionResponse: o.Response})
	}

	if scope != nil {
		if delta := scope.Delta(); len(delta) > 0 {
			actions.StateDelta = delta
		}
	}

	if len(parts) == 0 && len(actions.StateDelta) == 0 {
		return nil
	}

	event := session.NewEvent(invocationID, author)
	event.Actions = actions
	if len(parts) > 0 {
		event.Content = genai.NewContentFromParts(parts, genai.RoleUser)
	}
	return event
}

func mergeActions(dst *session.EventActions, src session.EventActions) {
	dst.SkipSummarization = dst.SkipSummarization || src.SkipSummarization
	dst.Escalate = dst.Escalate || src.Escalate
	if src.TransferToAgent != "" {
		dst.TransferToAgent = src.TransferToAgent
	}
}
