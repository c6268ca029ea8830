// Package middleware wraps tools with cross-cutting execution policies.
// Every wrapper keeps the wrapped tool's name, declaration and execution
// mode, so an asynchronous tool stays asynchronous.
package middleware

import (
	"toolflow/internal/adapters/config"
	"toolflow/internal/tools"
)

// Middleware decorates a tool.
type Middleware interface {
	Wrap(t tools.Tool) tools.Tool
}

// Apply wraps t with mws. The first middleware is the outermost.
func Apply(t tools.Tool, mws ...Middleware) tools.Tool {
	for i := len(mws) - 1; i >= 0; i-- {
		t = mws[i].Wrap(t)
	}
	return t
}

// FromConfig builds the default chain: rate limit, then retry, then a
// per-attempt timeout.
func FromConfig(cfg config.DispatcherConfig) []Middleware {
	return []Middleware{
		NewRateLimitMiddleware(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		RetryMiddleware{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff},
		TimeoutMiddleware{Timeout: cfg.ToolTimeout},
	}
}

type invokeFunc func(ctx tools.Context, args map[string]any) (any, error)

// rebuild returns t executing fn, in t's own mode.
func rebuild(t tools.Tool, fn invokeFunc) tools.Tool {
	if t.Capability().Mode() == tools.ModeAsync {
		return tools.WithCapability(t, tools.Async(func(ctx tools.Context, args map[string]any) <-chan tools.Result {
			return tools.Go(func() (any, error) { return fn(ctx, args) })
		}))
	}
	return tools.WithCapability(t, tools.Sync(tools.SyncFunc(fn)))
}
