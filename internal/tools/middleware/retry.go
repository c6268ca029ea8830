package middleware

import (
	"time"

	"toolflow/internal/tools"
	"toolflow/pkg/errors"
)

// RetryMiddleware retries tool execution on error with optional backoff.
// Malformed calls are not retried.
type RetryMiddleware struct {
	Attempts int
	Backoff  time.Duration
}

// Wrap adds retry semantics to a tool. The final error from the last attempt is returned.
func (m RetryMiddleware) Wrap(t tools.Tool) tools.Tool {
	attempts := m.Attempts
	if attempts <= 1 {
		return t
	}

	backoff := m.Backoff
	capability := t.Capability()

	return rebuild(t, func(ctx tools.Context, args map[string]any) (any, error) {
		var result any
		var err error

		for i := 0; i < attempts; i++ {
			result, err = capability.Invoke(ctx, args)
			if err == nil || errors.Is(err, errors.ErrMalformedCall) {
				return result, err
			}

			if backoff > 0 && i < attempts-1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}
		}

		return result, err
	})
}
