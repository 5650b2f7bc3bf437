package ratecontrol

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces a provider's combined RPM in-process. DelayForRequest
// paces by estimated cost; the token bucket is the hard ceiling.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the provider's bucket admits one request or the
// context is done.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	return l.forProvider(provider).Wait(ctx)
}

func (l *Limiter) forProvider(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok := l.limiters[provider]; ok {
		return rl
	}
	limit := LimitForProvider(provider)
	rl := rate.NewLimiter(rate.Inf, 1)
	if limit.RPM > 0 {
		rl = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), limit.RPM)
	}
	l.limiters[provider] = rl
	return rl
}
