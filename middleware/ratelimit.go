package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
)

type rateLimitEntry struct {
	count     int
	resetTime time.Time
	locked    bool
	lockUntil time.Time
}

// RateLimiter counts requests per client IP, method and route. A client
// that exceeds maxRequests within window is locked out for lockDuration.
type RateLimiter struct {
	maxRequests  int
	window       time.Duration
	lockDuration time.Duration
	now          func() time.Time

	mu    sync.Mutex
	store map[string]*rateLimitEntry
}

func NewRateLimiter(maxRequests int, window, lockDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests:  maxRequests,
		window:       window,
		lockDuration: lockDuration,
		now:          time.Now,
		store:        make(map[string]*rateLimitEntry),
	}
}

func rateLimitKey(ip, method, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", ip, method, endpoint)
}

// allow records one request for key. When it is refused, lockUntil says
// when the client may retry.
func (l *RateLimiter) allow(key string) (ok bool, lockUntil time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, exists := l.store[key]
	if !exists {
		l.store[key] = &rateLimitEntry{count: 1, resetTime: now.Add(l.window)}
		return true, time.Time{}
	}

	if entry.locked {
		if now.Before(entry.lockUntil) {
			return false, entry.lockUntil
		}
		// Lock expired, start a new window
		entry.locked = false
		entry.count = 1
		entry.resetTime = now.Add(l.window)
		return true, time.Time{}
	}

	if now.After(entry.resetTime) {
		entry.count = 1
		entry.resetTime = now.Add(l.window)
		return true, time.Time{}
	}

	entry.count++
	if entry.count > l.maxRequests {
		entry.locked = true
		entry.lockUntil = now.Add(l.lockDuration)
		return false, entry.lockUntil
	}
	return true, time.Time{}
}

// Middleware rate limits the routes it is attached to.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c.ClientIP(), c.Request.Method, c.FullPath())
		if ok, lockUntil := l.allow(key); !ok {
			utils.TooManyRequestsResponse(c, fmt.Sprintf("Too many requests. Locked until %s", lockUntil.UTC().Format(time.RFC3339)))
			c.Abort()
			return
		}
		c.Next()
	}
}

// Cleanup drops expired entries every interval until ctx is done.
func (l *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *RateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, entry := range l.store {
		if !entry.locked && now.After(entry.resetTime) {
			delete(l.store, key)
		}
		if entry.locked && now.After(entry.lockUntil) {
			delete(l.store, key)
		}
	}
}
