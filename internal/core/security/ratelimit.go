// Package security throttles tool-call traffic into the orchestrator
// so a runaway agent client cannot flood an adapter with stepping or
// inspection requests faster than the debuggee can service them.
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// opLimit is the steady rate and burst for one operation class.
type opLimit struct {
	rps   float64
	burst int
}

// Default limits per operation class. Stepping is the hot path an
// agent loops on; session creation spawns a whole adapter process and
// gets the tightest budget.
var opLimits = map[string]opLimit{
	"session-create": {rps: 1, burst: 3},
	"stepping":       {rps: 20, burst: 40},
	"inspection":     {rps: 30, burst: 60},
	"breakpoint":     {rps: 10, burst: 20},
	"default":        {rps: 10, burst: 20},
}

// RateLimiter manages per-operation-class limiters.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewRateLimiter creates a rate limiter with the default class
// limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter gets or creates a limiter for an operation class.
func (rl *RateLimiter) GetLimiter(operation string, requestsPerSecond float64, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[operation]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
		rl.limiters[operation] = limiter
	}
	return limiter
}

func (rl *RateLimiter) limiterFor(operation string) *rate.Limiter {
	limit, exists := opLimits[operation]
	if !exists {
		limit = opLimits["default"]
	}
	return rl.GetLimiter(operation, limit.rps, limit.burst)
}

// Allow reports whether one more call of the given class may proceed
// right now.
func (rl *RateLimiter) Allow(operation string) bool {
	return rl.limiterFor(operation).Allow()
}

// Wait blocks until the operation is allowed, bounded to 5s so a
// throttled caller gets an error rather than an indefinite stall.
func (rl *RateLimiter) Wait(operation string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rl.limiterFor(operation).Wait(ctx)
}
