package server

import (
	"log"
	"sync"
	"time"

	"github.com/ojpio/ojp-go/config"
)

// RateLimiter gates session creation and RPC admission by client, before a
// request ever reaches the session engine or a pool. Grounded on the
// teacher's client-IP token bucket (server/rate_limiter.go), generalized here
// to key each bucket by (connHash, clientIP) rather than clientIP alone: two
// clients sharing an IP (a NAT'd office, a container host) but talking to
// different backends must not share a quota, per SPEC_FULL.md §5.
type RateLimiter struct {
	requestsPerSecond int
	burstSize         int
	cleanupInterval   time.Duration

	mutex   sync.RWMutex
	buckets map[rateLimitKey]*tokenBucket

	stopCh chan struct{}
}

// rateLimitKey is the (connHash, clientIP) pair a bucket is scoped to.
type rateLimitKey struct {
	connHash string
	clientIP string
}

// NewRateLimiter builds a RateLimiter from the server's configured
// rateLimit.* knobs (config.ServerConfig), instead of a standalone config
// struct the teacher's version hardcoded at construction time.
func NewRateLimiter(cfg *config.ServerConfig) *RateLimiter {
	rl := &RateLimiter{
		requestsPerSecond: cfg.RateLimitRequestsPerSecond,
		burstSize:         cfg.RateLimitBurstSize,
		cleanupInterval:   cfg.RateLimitCleanupInterval,
		buckets:           make(map[rateLimitKey]*tokenBucket),
		stopCh:            make(chan struct{}),
	}
	if rl.cleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	log.Printf("[server] rate limiter initialized: rps=%d burst=%d", rl.requestsPerSecond, rl.burstSize)
	return rl
}

// Allow reports whether connHash's client at clientIP may proceed, consuming
// a token from its bucket if so. A blank clientIP (the teacher's "unknown"
// fallback) still gets its own bucket per connHash.
func (rl *RateLimiter) Allow(connHash, clientIP string) bool {
	if clientIP == "" {
		clientIP = "unknown"
	}
	key := rateLimitKey{connHash: connHash, clientIP: clientIP}

	rl.mutex.RLock()
	bucket, ok := rl.buckets[key]
	rl.mutex.RUnlock()

	if !ok {
		rl.mutex.Lock()
		bucket, ok = rl.buckets[key]
		if !ok {
			bucket = newTokenBucket(float64(rl.burstSize), float64(rl.requestsPerSecond))
			rl.buckets[key] = bucket
		}
		rl.mutex.Unlock()
	}

	return bucket.allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdleBuckets()
		case <-rl.stopCh:
			return
		}
	}
}

// evictIdleBuckets drops buckets that have sat full (no recent consumption)
// for a full cleanup interval, bounding memory for a server that has seen
// many distinct (connHash, clientIP) pairs over its lifetime.
func (rl *RateLimiter) evictIdleBuckets() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	for key, bucket := range rl.buckets {
		if bucket.idleSince(rl.cleanupInterval) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stopCh:
	default:
		close(rl.stopCh)
	}
}

// RateLimiterStats summarizes current rate-limiter load for diagnostics.
type RateLimiterStats struct {
	ActiveBuckets     int
	RequestsPerSecond int
	BurstSize         int
}

func (rl *RateLimiter) GetStats() RateLimiterStats {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	return RateLimiterStats{
		ActiveBuckets:     len(rl.buckets),
		RequestsPerSecond: rl.requestsPerSecond,
		BurstSize:         rl.burstSize,
	}
}

// tokenBucket is the teacher's token bucket (server/rate_limiter.go),
// unchanged in algorithm: tokens refill continuously at refillRate/sec, allow
// consumes one if available.
type tokenBucket struct {
	mutex      sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = minFloat(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) idleSince(d time.Duration) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	elapsed := time.Since(tb.lastRefill)
	tokens := minFloat(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	return tokens >= tb.capacity && elapsed > d
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
