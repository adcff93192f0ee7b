package router

import (
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// connLimiter keeps one token bucket per connection. Buckets start full, so a
// connection may burst up to Count messages before being throttled.
type connLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newConnLimiter(cfg config.RateLimit) *connLimiter {
	return &connLimiter{
		limit:    rate.Every(cfg.Per / time.Duration(cfg.Count)),
		burst:    cfg.Count,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (l *connLimiter) allow(connID uuid.UUID) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[connID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *connLimiter) forget(connID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, connID)
}
