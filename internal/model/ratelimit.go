package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Backend
	limiter *rate.Limiter
}

// WithRateLimit paces calls to backend. A nil limiter returns backend as is.
func WithRateLimit(backend Backend, limiter *rate.Limiter) Backend {
	if limiter == nil {
		return backend
	}
	return &rateLimited{next: backend, limiter: limiter}
}

// PerMinute builds a limiter allowing n requests per minute with a burst of one.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
}

func (r *rateLimited) Stream(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("model: rate limit: %w", err)
	}
	return r.next.Stream(ctx, req, emit)
}
