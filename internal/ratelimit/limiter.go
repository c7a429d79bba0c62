// Package ratelimit throttles how often a user may start chat streams.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Limiter keeps one token bucket per user. Buckets live in an LRU so memory
// stays bounded no matter how many distinct users connect; an evicted user
// simply starts again with a full bucket.
type Limiter struct {
	buckets    *lru.Cache[string, *TokenBucket]
	capacity   float64
	refillRate float64
	now        func() time.Time
}

// Config holds configuration for the rate limiter.
type Config struct {
	RequestsPerSecond float64 // Sustained rate
	BurstSize         float64 // Burst capacity
	MaxUsers          int     // Bucket cache size (default: 10000)
}

// DefaultConfig returns defaults suitable for interactive clients.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		BurstSize:         10,
		MaxUsers:          10000,
	}
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) (*Limiter, error) {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) (*Limiter, error) {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = def.MaxUsers
	}
	cache, err := lru.New[string, *TokenBucket](cfg.MaxUsers)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: create bucket cache: %w", err)
	}
	return &Limiter{
		buckets:    cache,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		now:        now,
	}, nil
}

func (l *Limiter) bucket(userID string) *TokenBucket {
	if b, ok := l.buckets.Get(userID); ok {
		return b
	}
	b := newTokenBucket(l.capacity, l.refillRate, l.now)
	// Another goroutine may have raced us; keep whichever landed first.
	if prev, ok, _ := l.buckets.PeekOrAdd(userID, b); ok {
		return prev
	}
	return b
}

// Allow reports whether userID may start another stream and, if not, how long
// until it may.
func (l *Limiter) Allow(_ context.Context, userID string) (bool, time.Duration) {
	b := l.bucket(userID)
	if b.Allow() {
		return true, 0
	}
	return false, b.WaitTime()
}

// Remaining returns the tokens left for a user.
func (l *Limiter) Remaining(userID string) float64 {
	if b, ok := l.buckets.Peek(userID); ok {
		return b.Remaining()
	}
	return l.capacity
}

// Reset forgets a user's bucket.
func (l *Limiter) Reset(userID string) {
	l.buckets.Remove(userID)
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
