package control

import (
	"sync"
	"time"
)

// tokenBucket is a single agent's bucket. consume() is the exact
// translation of the monotonic-clock refill-then-consume algorithm:
// refill first, then test for >= 1.0 token before spending one. A
// bucket sitting at exactly 1.0 tokens must succeed; anything below
// must fail (spec.md §8's boundary tests).
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	maxTokens  float64
	refillRate float64 // tokens per second
}

func (b *tokenBucket) consume(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.maxTokens, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// IngestRateLimiter is a per-agent token-bucket rate limiter for the
// ingest endpoints, grounded on the 30-requests-per-60-seconds default.
type IngestRateLimiter struct {
	mu      sync.Mutex
	max     float64
	rate    float64
	buckets map[string]*tokenBucket
}

func NewIngestRateLimiter(maxRequests int, windowSeconds int) *IngestRateLimiter {
	return &IngestRateLimiter{
		max:     float64(maxRequests),
		rate:    float64(maxRequests) / float64(windowSeconds),
		buckets: make(map[string]*tokenBucket),
	}
}

// DefaultIngestRateLimiter matches spec.md §6's default of 30 req/60s.
func DefaultIngestRateLimiter() *IngestRateLimiter {
	return NewIngestRateLimiter(30, 60)
}

// Allow reports whether a request keyed by agentTokenHash may proceed,
// creating a fresh full bucket on first sight of a token.
func (l *IngestRateLimiter) Allow(agentTokenHash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[agentTokenHash]
	if !ok {
		b = &tokenBucket{tokens: l.max, lastRefill: now, maxTokens: l.max, refillRate: l.rate}
		l.buckets[agentTokenHash] = b
	}
	return b.consume(now)
}

// Cleanup evicts buckets idle for longer than maxIdle, bounding memory
// for a long-lived server with a changing agent population.
func (l *IngestRateLimiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastRefill) > maxIdle {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
