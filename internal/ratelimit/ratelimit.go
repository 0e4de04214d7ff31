// Package ratelimit throttles WebSocket upgrade attempts per client IP.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// PerMinute is the sustained number of admissions per key per minute
	PerMinute int
	// Burst allows brief bursts above the sustained rate
	Burst int
	// CleanupInterval is how often idle keys are forgotten
	CleanupInterval time.Duration
	// IdleTTL is how long a key may go unused before it is dropped
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PerMinute:       60,
		Burst:           10,
		CleanupInterval: time.Minute,
		IdleTTL:         2 * time.Minute,
	}
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
	onReject func(key string)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

// OnReject registers a hook invoked for every refused key.
func (l *Limiter) OnReject(fn func(key string)) *Limiter {
	l.onReject = fn
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.PerMinute) / 60.0)
		b = &bucket{limiter: rate.NewLimiter(perSecond, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if b.limiter.AllowN(now, 1) {
		return true
	}
	if l.onReject != nil {
		l.onReject(key)
	}
	return false
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many connection attempts. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
