package ratelimit

import "context"

// Limiter is the interface for rate limiting operations.
//
// Implementations should use the GCRA (Generic Cell Rate Algorithm)
// for smooth rate limiting without burst issues at window boundaries.
// GCRA provides more consistent behavior than fixed-window or
// sliding-window algorithms by spreading requests evenly over time.
type Limiter interface {
	// Allow checks if a request identified by key is allowed under the
	// given config. Allow atomically advances the limiter state; if the
	// request is not allowed, RetryAfter in the result indicates when
	// the next request would be.
	Allow(ctx context.Context, key string, config Config) (Result, error)
}
