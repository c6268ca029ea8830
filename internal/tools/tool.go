package tools

import (
	"google.golang.org/genai"

	"toolflow/pkg/errors"
)

// longRunningNote is appended to the description of long-running tools so
// the model does not call them again while a result is still pending.
const longRunningNote = "NOTE: This is a long-running operation. Do not call this tool again if it has already returned some intermediate or pending status."

// Tool represents a callable capability exposed to agents.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string
	// Description returns a short human-readable summary.
	Description() string
	// Declaration returns the schema forwarded to the model.
	Declaration() *genai.FunctionDeclaration
	// IsLongRunning reports whether the tool may leave its call open
	// until a later event carries the response.
	IsLongRunning() bool
	// Capability returns the executable form of the tool.
	Capability() Capability
}

// Config describes a function-backed tool.
type Config struct {
	Name        string
	Description string
	Parameters  *genai.Schema
	LongRunning bool
}

// FunctionTool is a Tool implementation backed by a Capability.
type FunctionTool struct {
	cfg        Config
	capability Capability
}

// New creates a synchronous function-backed Tool.
func New(cfg Config, fn SyncFunc) Tool {
	return &FunctionTool{cfg: cfg, capability: Sync(fn)}
}

// NewAsync creates an asynchronous function-backed Tool.
func NewAsync(cfg Config, fn AsyncFunc) Tool {
	return &FunctionTool{cfg: cfg, capability: Async(fn)}
}

// WithCapability returns a tool that keeps the metadata of t but executes
// c instead. Middleware uses it to wrap execution.
func WithCapability(t Tool, c Capability) Tool {
	return &FunctionTool{
		cfg: Config{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  parameters(t),
			LongRunning: t.IsLongRunning(),
		},
		capability: c,
	}
}

// Name returns the tool identifier.
func (t *FunctionTool) Name() string { return t.cfg.Name }

// Description returns a human description of the tool.
func (t *FunctionTool) Description() string { return t.cfg.Description }

// IsLongRunning reports whether the tool may answer in a later event.
func (t *FunctionTool) IsLongRunning() bool { return t.cfg.LongRunning }

// Capability returns the executable form of the tool.
func (t *FunctionTool) Capability() Capability { return t.capability }

// Declaration builds the function declaration sent to the model.
func (t *FunctionTool) Declaration() *genai.FunctionDeclaration {
	desc := t.cfg.Description
	if t.cfg.LongRunning {
		if desc != "" {
			desc += "\n\n"
		}
		desc += longRunningNote
	}

	return &genai.FunctionDeclaration{
		Name:        t.cfg.Name,
		Description: desc,
		Parameters:  t.cfg.Parameters,
	}
}

// RequiredArgs returns the names of the arguments the declaration marks as
// required. Argument types are not checked.
func RequiredArgs(t Tool) []string {
	decl := t.Declaration()
	if decl == nil || decl.Parameters == nil {
		return nil
	}
	return decl.Parameters.Required
}

// CheckRequiredArgs returns a ValidationError for the first required
// argument missing from args.
func CheckRequiredArgs(t Tool, args map[string]any) error {
	for _, name := range RequiredArgs(t) {
		if _, ok := args[name]; !ok {
			return errors.NewValidationError(name, "missing required argument", nil)
		}
	}
	return nil
}

func parameters(t Tool) *genai.Schema {
	if ft, ok := t.(*FunctionTool); ok {
		return ft.cfg.Parameters
	}
	if decl := t.Declaration(); decl != nil {
		return decl.Parameters
	}
	return nil
}
