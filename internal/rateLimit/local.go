package rateLimit

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/ticket-settlement/internal/observability"
	"golang.org/x/time/rate"
)

// LocalLimiter is a per-process token bucket per key, used when no Redis is configured.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: map[string]*rate.Limiter{}}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, n int, period time.Duration) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(period/time.Duration(n)), n)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
