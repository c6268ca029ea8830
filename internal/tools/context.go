package tools

import (
	"context"

	"toolflow/internal/agents/state"
	"toolflow/internal/domain/session"
)

type contextKey struct{}

// InvocationMetadata captures request-scoped identifiers for tool telemetry.
type InvocationMetadata struct {
	InvocationID string
	AppName      string
	UserID       string
	SessionID    string
	AgentName    string
}

// WithInvocationMetadata injects tool invocation metadata into a context.
func WithInvocationMetadata(ctx context.Context, meta InvocationMetadata) context.Context {
	return context.WithValue(ctx, contextKey{}, meta)
}

// MetadataFromContext extracts invocation metadata if present.
func MetadataFromContext(ctx context.Context) (InvocationMetadata, bool) {
	meta, ok := ctx.Value(contextKey{}).(InvocationMetadata)
	return meta, ok
}

// Context is what a tool sees while it runs: the call's deadline and
// cancellation, its identity, a call-scoped state view and the actions the
// call wants attached to the response event.
type Context interface {
	context.Context

	FunctionCallID() string
	Metadata() InvocationMetadata
	State() *state.CallState
	Actions() *session.EventActions
}

type toolContext struct {
	context.Context
	callID  string
	meta    InvocationMetadata
	state   *state.CallState
	actions *session.EventActions
}

// NewContext builds the Context for one function call.
func NewContext(ctx context.Context, callID string, cs *state.CallState) Context {
	meta, _ := MetadataFromContext(ctx)
	return &toolContext{
		Context: ctx,
		callID:  callID,
		meta:    meta,
		state:   cs,
		actions: &session.EventActions{},
	}
}

// WithParent returns a copy of tc whose deadline and cancellation come from
// parent. Identity, state and actions are shared with tc.
func WithParent(tc Context, parent context.Context) Context {
	return &toolContext{
		Context: parent,
		callID:  tc.FunctionCallID(),
		meta:    tc.Metadata(),
		state:   tc.State(),
		actions: tc.Actions(),
	}
}

func (c *toolContext) FunctionCallID() string         { return c.callID }
func (c *toolContext) Metadata() InvocationMetadata   { return c.meta }
func (c *toolContext) State() *state.CallState        { return c.state }
func (c *toolContext) Actions() *session.EventActions { return c.actions }
