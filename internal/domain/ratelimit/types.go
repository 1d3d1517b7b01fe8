// Package ratelimit provides rate limiting domain types for the
// auto-allow execution budget.
package ratelimit

import (
	"time"
)

// Config defines the rate limiting parameters.
type Config struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Burst should be >= Rate for meaningful operation.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// PerMinute builds the config for an n-per-rolling-minute budget where
// the full budget may be consumed in a burst.
func PerMinute(n int) Config {
	return Config{Rate: n, Burst: n, Period: time.Minute}
}

// Result contains the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration
}

// AutoAllowKey is the per-gateway bucket for auto-allowed executions.
// The gateway serves a single agent identity, so one bucket covers the
// whole budget.
const AutoAllowKey = "auto_allow"
