// Package functions executes the function calls of a model turn and pairs
// every call with its response.
package functions

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents/state"
	"toolflow/internal/domain/session"
	"toolflow/internal/events"
	"toolflow/internal/metrics"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// ToolResolver maps a call's name to a tool. Implemented by *tools.View.
type ToolResolver interface {
	Resolve(name string) (tools.Tool, error)
}

// Outcome is the result of one function call.
type Outcome struct {
	Call *genai.FunctionCall
	// Response carries the call's ID. Nil only when Pending.
	Response *genai.FunctionResponse
	// Err is the failure that Response reports, if any.
	Err error
	// Pending marks a long-running call that has not answered yet.
	Pending  bool
	Actions  session.EventActions
	Duration time.Duration
}

// Deps bundles the optional collaborators of a Dispatcher.
type Deps struct {
	Publisher events.ToolCallPublisher
	Before    []tools.BeforeCallback
	After     []tools.AfterCallback
}

// Dispatcher runs the calls of one turn.
type Dispatcher struct {
	maxConcurrency int
	syncInline     bool
	deps           Deps
	log            *logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg config.DispatcherConfig, deps Deps) *Dispatcher {
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	return &Dispatcher{
		maxConcurrency: limit,
		syncInline:     cfg.SyncInline,
		deps:           deps,
		log:            logger.Get().With("component", "function_dispatcher"),
	}
}

// ExecuteTurnCalls executes calls and returns one Outcome per call, in call
// order. Asynchronous tools start as soon as they are reached and run on a
// bounded pool; synchronous tools run on the calling goroutine unless
// SyncInline is off. A failing call never affects its siblings.
//
// When ctx ends before every call has finished, the scope is sealed, no
// outcomes are returned and ctx.Err() is reported. Calls that already
// committed stay in the scope, which the caller is expected to drop.
func (d *Dispatcher) ExecuteTurnCalls(
	ctx context.Context,
	inv tools.InvocationMetadata,
	calls []*genai.FunctionCall,
	view ToolResolver,
	scope *state.Scope,
) ([]Outcome, error) {
	start := time.Now()
	outcomes := make([]Outcome, len(calls))
	if len(calls) == 0 {
		return outcomes, nil
	}

	ctx = tools.WithInvocationMetadata(ctx, inv)

	// Pool slots are taken with ctx so a cancelled turn does not wait for
	// a busy pool.
	var g errgroup.Group
	slots := semaphore.NewWeighted(int64(d.maxConcurrency))

	for i, call := range calls {
		if ctx.Err() != nil {
			break
		}

		tool, err := view.Resolve(call.Name)
		async := err == nil && tool.Capability().Mode() == tools.ModeAsync
		if async || !d.syncInline {
			if slots.Acquire(ctx, 1) != nil {
				break
			}
			g.Go(func() error {
				defer slots.Release(1)
				metrics.AsyncInFlight.Inc()
				defer metrics.AsyncInFlight.Dec()
				outcomes[i] = d.runCall(ctx, i, call, tool, err, scope)
				return nil
			})
			continue
		}

		outcomes[i] = d.runCall(ctx, i, call, tool, err, scope)
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := ctx.Err(); err != nil {
		scope.Seal()
		metrics.RecordTurn(len(calls), time.Since(start), true)
		d.log.Warnf("Turn %s abandoned with %d calls: %v", inv.InvocationID, len(calls), err)
		return nil, err
	}

	metrics.RecordTurn(len(calls), time.Since(start), false)
	d.publish(ctx, inv, outcomes, view)

	return outcomes, nil
}

// runCall executes one call and never panics.
func (d *Dispatcher) runCall(
	ctx context.Context,
	index int,
	call *genai.FunctionCall,
	tool tools.Tool,
	resolveErr error,
	scope *state.Scope,
) (out Outcome) {
	start := time.Now()
	out.Call = call
	mode := "unknown"

	defer func() {
		out.Duration = time.Since(start)
		metrics.RecordToolExecution(call.Name, mode, out.Duration, out.Pending, out.Err)
		if out.Err != nil {
			metrics.RecordToolFailure(call.Name, failureKind(out.Err))
		}
	}()

	if resolveErr != nil {
		return d.fail(out, resolveErr)
	}
	mode = tool.Capability().Mode().String()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if err := tools.CheckRequiredArgs(tool, args); err != nil {
		return d.fail(out, err)
	}

	cs := scope.NewCallState(index)
	tc := tools.NewContext(ctx, call.ID, cs)

	result, err := d.invoke(tc, tool, args)
	if err != nil {
		cs.Discard()
		return d.fail(out, err)
	}

	if err := scope.Commit(cs); err != nil {
		return d.fail(out, err)
	}
	out.Actions = *tc.Actions()

	if result == nil {
		if tool.IsLongRunning() {
			out.Pending = true
			d.log.Debugf("Call %s (%s) left open by long-running tool", call.ID, call.Name)
			return out
		}
		result = map[string]any{}
	}

	out.Response = &genai.FunctionResponse{
		ID:       call.ID,
		Name:     call.Name,
		Response: result,
	}
	return out
}

// invoke runs the callbacks and the tool. A panicking tool still passes
// through the after callbacks; a panicking callback is converted as well.
// A nil map means the tool produced nothing.
func (d *Dispatcher) invoke(tc tools.Context, tool tools.Tool, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, d.recovered(tc, tool, r)
		}
	}()

	for _, before := range d.deps.Before {
		result, err = before(tc, tool, args)
		if err != nil || result != nil {
			break
		}
	}

	if err == nil && result == nil {
		result, err = d.call(tc, tool, args)
	}

	for _, after := range d.deps.After {
		result, err = after(tc, tool, args, result, err)
	}

	return result, err
}

// call invokes the tool itself, converting a panic into an error.
func (d *Dispatcher) call(tc tools.Context, tool tools.Tool, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, d.recovered(tc, tool, r)
		}
	}()

	raw, err := tool.Capability().Invoke(tc, args)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrToolExecution)
	}
	return normalize(raw, tool.IsLongRunning()), nil
}

func (d *Dispatcher) recovered(tc tools.Context, tool tools.Tool, r any) error {
	d.log.Errorw("Tool panicked",
		"tool", tool.Name(),
		"call_id", tc.FunctionCallID(),
		"panic", r,
		"stack", string(debug.Stack()),
	)
	return errors.Wrapf(errors.ErrToolPanic, "tool %s: %v", tool.Name(), r)
}

// fail converts err into an error response for the call.
func (d *Dispatcher) fail(out Outcome, err error) Outcome {
	out.Err = err
	out.Response = &genai.FunctionResponse{
		ID:       out.Call.ID,
		Name:     out.Call.Name,
		Response: map[string]any{"error": err.Error()},
	}
	d.log.Warnf("Function %s (%s) failed: %v", out.Call.Name, out.Call.ID, err)
	return out
}

func (d *Dispatcher) publish(ctx context.Context, inv tools.InvocationMetadata, outcomes []Outcome, view ToolResolver) {
	if d.deps.Publisher == nil {
		return
	}

	for _, o := range outcomes {
		ev := &events.ToolCallEvent{
			AppName:      inv.AppName,
			InvocationID: inv.InvocationID,
			SessionID:    inv.SessionID,
			UserID:       inv.UserID,
			AgentName:    inv.AgentName,
			CallID:       o.Call.ID,
			ToolName:     o.Call.Name,
			Status:       events.StatusSuccess,
			Duration:     o.Duration,
			Timestamp:    time.Now(),
		}
		if t, err := view.Resolve(o.Call.Name); err == nil {
			ev.Mode = t.Capability().Mode().String()
		}
		switch {
		case o.Err != nil:
			ev.Status = events.StatusError
			ev.Error = o.Err.Error()
		case o.Pending:
			ev.Status = events.StatusPending
		}

		if err := d.deps.Publisher.PublishToolCall(ctx, ev); err != nil {
			d.log.Warnf("Failed to publish tool call %s: %v", o.Call.ID, err)
		}
	}
}

// normalize turns a tool's return value into a response payload: maps are
// used as-is, nil becomes an empty map and anything else is wrapped under
// "result". Long-running tools keep nil so the call can stay open.
func normalize(v any, longRunning bool) map[string]any {
	switch r := v.(type) {
	case nil:
		if longRunning {
			return nil
		}
		return map[string]any{}
	case map[string]any:
		if r == nil {
			return map[string]any{}
		}
		return r
	default:
		return map[string]any{"result": r}
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, errors.ErrToolNotFound):
		return "unresolved"
	case errors.Is(err, errors.ErrMalformedCall):
		return "malformed"
	case errors.Is(err, errors.ErrToolPanic):
		return "panic"
	default:
		return "execution"
	}
}

// String is used in logs.
func (o Outcome) String() string {
	switch {
	case o.Pending:
		return fmt.Sprintf("%s(%s): pending", o.Call.Name, o.Call.ID)
	case o.Err != nil:
		return fmt.Sprintf("%s(%s): error: %v", o.Call.Name, o.Call.ID, o.Err)
	default:
		return fmt.Sprintf("%s(%s): ok in %s", o.Call.Name, o.Call.ID, o.Duration)
	}
}
