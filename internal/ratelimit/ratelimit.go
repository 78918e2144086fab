// Package ratelimit provides token-bucket limiting for public requests and
// control-channel registrations.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: capacity tokens, refilled at rate
// tokens per second.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int
	lastRefill time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastRefill: time.Now()}
}

// Allow consumes one token when available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if refill > 0 {
		tb.tokens += refill
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter combines a global request bucket, per-tunnel request buckets and a
// registration bucket. Zero rates disable the corresponding check.
type Limiter struct {
	mu            sync.Mutex
	global        *TokenBucket
	register      *TokenBucket
	perTunnel     map[string]*TokenBucket
	perTunnelRate int
	burst         int
}

// NewLimiter builds a limiter. globalReqRate limits all routed requests,
// perTunnelReqRate limits each tunnel separately, registerRate limits control
// registrations; burst is the bucket capacity everywhere.
func NewLimiter(globalReqRate, perTunnelReqRate, registerRate, burst int) *Limiter {
	l := &Limiter{perTunnel: make(map[string]*TokenBucket), perTunnelRate: perTunnelReqRate, burst: burst}
	if globalReqRate > 0 {
		l.global = NewTokenBucket(globalReqRate, burst)
	}
	if registerRate > 0 {
		l.register = NewTokenBucket(registerRate, burst)
	}
	return l
}

// AllowRequest checks a routed public request against the global bucket then
// the tunnel's own bucket.
func (l *Limiter) AllowRequest(tunnelID string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.perTunnelRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perTunnel[tunnelID]
	if !ok {
		bucket = NewTokenBucket(l.perTunnelRate, l.burst)
		l.perTunnel[tunnelID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// AllowRegister checks a new control-channel registration.
func (l *Limiter) AllowRegister() bool {
	if l == nil || l.register == nil {
		return true
	}
	return l.register.Allow()
}

// Cleanup drops buckets for tunnels no longer registered.
func (l *Limiter) Cleanup(active map[string]bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.perTunnel {
		if !active[id] {
			delete(l.perTunnel, id)
		}
	}
}
