package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("expected request to be allowed after refill")
	}
	if !bucket.Allow() {
		t.Error("expected second request to be allowed after refill")
	}
	if bucket.Allow() {
		t.Error("expected third request to be denied")
	}
}

func TestLimiterPerTunnel(t *testing.T) {
	l := NewLimiter(0, 5, 0, 3)

	for i := 0; i < 3; i++ {
		if !l.AllowRequest("abc123") {
			t.Errorf("expected burst request %d to be allowed", i)
		}
	}
	if l.AllowRequest("abc123") {
		t.Error("expected request over per-tunnel burst to be denied")
	}
	// An independent tunnel has its own bucket.
	if !l.AllowRequest("other456") {
		t.Error("expected unrelated tunnel to be unaffected")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 0, 0)
	for i := 0; i < 100; i++ {
		if !l.AllowRequest("abc123") || !l.AllowRegister() {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.AllowRequest("x") || !nilLimiter.AllowRegister() {
		t.Error("nil limiter must allow everything")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLimiter(0, 1, 0, 1)
	l.AllowRequest("gone1234")
	l.AllowRequest("kept1234")
	l.Cleanup(map[string]bool{"kept1234": true})
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.perTunnel["gone1234"]; ok {
		t.Error("stale bucket survived cleanup")
	}
	if _, ok := l.perTunnel["kept1234"]; !ok {
		t.Error("active bucket removed by cleanup")
	}
}
