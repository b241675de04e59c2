package util

import "golang.org/x/time/rate"

// NewRateLimiter returns a token-bucket limiter that allows perMinute
// operations per minute with bursts of up to burst operations. It paces
// requests to upstream market data APIs. A non-positive perMinute disables
// limiting.
func NewRateLimiter(perMinute, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}
