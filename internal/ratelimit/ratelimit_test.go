package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter(10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("Request %d within burst should be allowed", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("Request beyond burst should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	limiter := NewLimiter(100, 1)

	if !limiter.Allow() {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow() {
		t.Fatal("Bucket should be empty")
	}

	// 100 tokens/s refills one token in 10ms
	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("Request after refill should be allowed")
	}
}

func TestAllowN(t *testing.T) {
	limiter := NewLimiter(10, 10)

	if !limiter.AllowN(10) {
		t.Fatal("Full burst should be allowed at once")
	}
	if limiter.AllowN(1) {
		t.Error("Empty bucket should deny")
	}
}
