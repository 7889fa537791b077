package pool

import "golang.org/x/time/rate"

// rateLimiter is the optional per-upstream token bucket from the
// SUPPLEMENTED FEATURES note: a lightweight stand-in for the original's
// per-server concurrency tracking (upstream.rs), grounded on
// golang.org/x/time/rate as used natively by owasp-amass-resolve's pool.
type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter builds a limiter allowing qps queries per second with a
// burst of the same size. qps<=0 disables limiting (nil *rateLimiter).
func newRateLimiter(qps int) *rateLimiter {
	if qps <= 0 {
		return nil
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(qps), qps)}
}

func (r *rateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}
