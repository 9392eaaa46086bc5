package control

import (
	"testing"
	"time"
)

// Exact boundary from spec.md §8: a bucket sitting at precisely 1.0
// tokens must succeed; anything below must fail.
func TestTokenBucketConsumeBoundary(t *testing.T) {
	now := time.Now()

	atBoundary := &tokenBucket{tokens: 1.0, lastRefill: now, maxTokens: 30, refillRate: 0.5}
	if !atBoundary.consume(now) {
		t.Fatal("bucket at exactly 1.0 tokens must allow the request")
	}
	if atBoundary.tokens != 0 {
		t.Fatalf("expected 0 tokens remaining after consume, got %v", atBoundary.tokens)
	}

	belowBoundary := &tokenBucket{tokens: 0.999, lastRefill: now, maxTokens: 30, refillRate: 0.5}
	if belowBoundary.consume(now) {
		t.Fatal("bucket at 0.999 tokens must reject the request")
	}
	if belowBoundary.tokens != 0.999 {
		t.Fatalf("rejected consume must not mutate the bucket, got %v", belowBoundary.tokens)
	}
}

func TestTokenBucketRefillsOverElapsedTime(t *testing.T) {
	start := time.Now()
	b := &tokenBucket{tokens: 0, lastRefill: start, maxTokens: 30, refillRate: 1.0}

	if b.consume(start) {
		t.Fatal("empty bucket must reject immediately")
	}
	if b.consume(start.Add(500 * time.Millisecond)) {
		t.Fatal("half a second at 1 token/sec must not reach 1.0 tokens")
	}
	if !b.consume(start.Add(1100 * time.Millisecond)) {
		t.Fatal("1.1s at 1 token/sec from empty must allow a request")
	}
}

func TestTokenBucketRefillCapsAtMax(t *testing.T) {
	start := time.Now()
	b := &tokenBucket{tokens: 30, lastRefill: start, maxTokens: 30, refillRate: 1.0}
	b.consume(start.Add(1 * time.Hour))
	if b.tokens > 29 {
		t.Fatalf("refill must cap at maxTokens, got %v tokens after consuming one", b.tokens)
	}
}

func TestIngestRateLimiterAllowsBurstUpToMax(t *testing.T) {
	l := NewIngestRateLimiter(5, 60)
	for i := 0; i < 5; i++ {
		if !l.Allow("agent-a") {
			t.Fatalf("request %d of burst should be allowed", i+1)
		}
	}
	if l.Allow("agent-a") {
		t.Fatal("6th immediate request should be rejected")
	}
}

func TestIngestRateLimiterTracksAgentsIndependently(t *testing.T) {
	l := NewIngestRateLimiter(1, 60)
	if !l.Allow("agent-a") {
		t.Fatal("agent-a's first request should be allowed")
	}
	if l.Allow("agent-a") {
		t.Fatal("agent-a's second immediate request should be rejected")
	}
	if !l.Allow("agent-b") {
		t.Fatal("agent-b has its own bucket and should be allowed")
	}
}

func TestIngestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	l := NewIngestRateLimiter(5, 60)
	l.Allow("agent-a")
	l.buckets["agent-a"].lastRefill = time.Now().Add(-1 * time.Hour)

	removed := l.Cleanup(10 * time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 bucket evicted, got %d", removed)
	}
	if _, ok := l.buckets["agent-a"]; ok {
		t.Fatal("evicted bucket should no longer be present")
	}
}
