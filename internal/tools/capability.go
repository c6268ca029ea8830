package tools

import (
	"runtime/debug"

	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// Mode tags how a capability executes.
type Mode int

const (
	// ModeSync capabilities run to completion on the caller's goroutine.
	ModeSync Mode = iota
	// ModeAsync capabilities return a future and may run alongside other
	// asynchronous calls of the same turn.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// SyncFunc is the signature of a synchronous tool.
type SyncFunc func(ctx Context, args map[string]any) (any, error)

// AsyncFunc is the signature of an asynchronous tool. The returned channel
// delivers at most one Result; a closed channel without a value counts as
// a nil result.
type AsyncFunc func(ctx Context, args map[string]any) <-chan Result

// Result is the outcome delivered by an asynchronous tool.
type Result struct {
	Value any
	Err   error
}

// Capability is the executable form of a tool: exactly one of a sync or an
// async function, selected by Mode.
type Capability struct {
	mode  Mode
	sync  SyncFunc
	async AsyncFunc
}

// Sync wraps fn as a synchronous capability.
func Sync(fn SyncFunc) Capability {
	return Capability{mode: ModeSync, sync: fn}
}

// Async wraps fn as an asynchronous capability.
func Async(fn AsyncFunc) Capability {
	return Capability{mode: ModeAsync, async: fn}
}

// Mode returns the execution mode tag.
func (c Capability) Mode() Mode {
	return c.mode
}

// Valid reports whether the capability carries a function for its mode.
func (c Capability) Valid() bool {
	switch c.mode {
	case ModeSync:
		return c.sync != nil
	case ModeAsync:
		return c.async != nil
	default:
		return false
	}
}

// Invoke runs the capability and waits for its result. For asynchronous
// capabilities the wait ends early when ctx is done.
func (c Capability) Invoke(ctx Context, args map[string]any) (any, error) {
	if !c.Valid() {
		return nil, errors.Wrap(errors.ErrInternal, "tool handler is not defined")
	}

	if c.mode == ModeSync {
		return c.sync(ctx, args)
	}

	ch := c.async(ctx, args)
	if ch == nil {
		return nil, nil
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, nil
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go runs fn on a new goroutine and returns its result as a future. It is a
// convenience for writing AsyncFunc implementations. A panic in fn is
// delivered as an ErrToolPanic result.
func Go(fn func() (any, error)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				logger.Get().Errorw("Async tool panicked", "panic", r, "stack", string(debug.Stack()))
				ch <- Result{Err: errors.Wrapf(errors.ErrToolPanic, "async tool: %v", r)}
			}
		}()

		v, err := fn()
		ch <- Result{Value: v, Err: err}
	}()
	return ch
}
