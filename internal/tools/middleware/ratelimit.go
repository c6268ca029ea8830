package middleware

import (
	"sync"

	"golang.org/x/time/rate"

	"toolflow/internal/tools"
	"toolflow/pkg/errors"
)

// RateLimitMiddleware gives every wrapped tool its own token bucket.
// Calls wait for a token; a call whose context ends first fails with
// ErrRateLimited.
type RateLimitMiddleware struct {
	perSecond float64
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates the middleware. A non-positive rate
// disables it.
func NewRateLimitMiddleware(perSecond float64, burst int) *RateLimitMiddleware {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitMiddleware{
		perSecond: perSecond,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (m *RateLimitMiddleware) limiter(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.perSecond), m.burst)
		m.limiters[name] = l
	}
	return l
}

// Wrap throttles the tool.
func (m *RateLimitMiddleware) Wrap(t tools.Tool) tools.Tool {
	if m == nil || m.perSecond <= 0 {
		return t
	}

	limiter := m.limiter(t.Name())
	capability := t.Capability()

	return rebuild(t, func(ctx tools.Context, args map[string]any) (any, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(errors.ErrRateLimited, "tool %s: %v", t.Name(), err)
		}
		return capability.Invoke(ctx, args)
	})
}
