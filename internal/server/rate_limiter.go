package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows burst messages per interval, refilled continuously.
// It returns nil, meaning unlimited, when burst is not positive.
func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
