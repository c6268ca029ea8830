package agents

import (
	"context"

	"google.golang.org/genai"

	"toolflow/internal/tools"
)

// Model produces the next model turn from the conversation so far. The
// returned content may mix text and function call parts.
type Model interface {
	GenerateContent(ctx context.Context, req *ModelRequest) (*genai.Content, error)
}

// ModelRequest is what the flow hands to the model for one step.
type ModelRequest struct {
	SystemInstruction string
	Contents          []*genai.Content
	Tools             []*genai.FunctionDeclaration
}

// Agent is the acting agent of a turn.
type Agent struct {
	Name        string
	Instruction string
	Model       Model
	// Tools names the registry tools the agent may call; empty means all.
	Tools []string
}

// view snapshots the agent's tools for one turn.
func (a *Agent) view(reg *tools.Registry) *tools.View {
	return reg.View(a.Tools...)
}
