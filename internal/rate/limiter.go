package rate

import (
	"context"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by caller identity.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}
