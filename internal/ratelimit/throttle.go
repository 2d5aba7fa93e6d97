package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle spaces sends evenly at a fixed rate
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows perSecond sends per second with a burst of one.
// A non-positive rate disables throttling.
func NewThrottle(perSecond float64) *Throttle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next send is allowed or ctx is done
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
