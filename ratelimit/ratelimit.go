// Package ratelimit provides a rate limiter keyed by an arbitrary comparable
// value, used by the dialer to cap connections per destination IP.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxKeys bounds the number of limiters tracked at once.
	DefaultMaxKeys = 10_000_000
	// DefaultKeyTTL evicts a limiter after this long without use. It is re-created on the next use.
	DefaultKeyTTL = time.Second * 10
)

// PerObjectRateLimiter manages a per-object rate limit.
// It is thread-safe
type PerObjectRateLimiter[K comparable] struct {
	mu       sync.Mutex
	limitLRU *lru.LRU[K, *rate.Limiter]
}

// NewPerObjectRateLimiter creates a new PerObjectRateLimiter tracking at most
// maxKeys limiters, each evicted after ttl of inactivity.
func NewPerObjectRateLimiter[K comparable](maxKeys int, ttl time.Duration) *PerObjectRateLimiter[K] {
	return &PerObjectRateLimiter[K]{
		limitLRU: lru.NewLRU[K, *rate.Limiter](maxKeys, nil, ttl),
	}
}

// WaitOrCreate waits for the rate limiter for the given key to allow access.
// If the rate limiter does not exist, one is created using rateLimit and burstRate
func (l *PerObjectRateLimiter[K]) WaitOrCreate(ctx context.Context, key K, rateLimit rate.Limit, burstRate int) error {
	l.mu.Lock()
	limiter, ok := l.limitLRU.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rateLimit, burstRate)
		l.limitLRU.Add(key, limiter)
	}
	l.mu.Unlock() // Unlock before waiting to avoid deadlocks
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("could not wait for rate limiter for key %v: %w", key, err)
	}
	return nil
}

// Len returns the number of keys currently tracked.
func (l *PerObjectRateLimiter[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLRU.Len()
}
