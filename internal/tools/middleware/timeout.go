package middleware

import (
	"context"
	"time"

	"toolflow/internal/tools"
	"toolflow/pkg/errors"
)

// TimeoutMiddleware enforces per-call deadlines for tool execution.
type TimeoutMiddleware struct {
	Timeout time.Duration
}

// Wrap sets a timeout on tool execution if configured.
func (m TimeoutMiddleware) Wrap(t tools.Tool) tools.Tool {
	if m.Timeout <= 0 {
		return t
	}

	capability := t.Capability()

	return rebuild(t, func(ctx tools.Context, args map[string]any) (any, error) {
		ctxWithTimeout, cancel := context.WithTimeout(ctx, m.Timeout)
		defer cancel()

		result, err := capability.Invoke(tools.WithParent(ctx, ctxWithTimeout), args)
		if err != nil && errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.Wrapf(errors.ErrTimeout, "tool %s exceeded %s", t.Name(), m.Timeout)
		}
		return result, err
	})
}
