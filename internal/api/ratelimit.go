// ratelimit.go throttles the credential endpoints. Password guessing is the
// only place the API rewards hammering, so register and login get a
// per-address token bucket with continuous refill; everything else rides on
// bearer tokens or API keys and stays unthrottled.
package api

import (
	"net/http"
	"sync"
	"time"
)

const (
	credentialBurst  = 10  // rapid attempts before throttling kicks in
	credentialRefill = 0.5 // tokens per second, one attempt every 2s sustained
	bucketIdleAfter  = 10 * time.Minute
	sweepInterval    = time.Minute
)

// tokenBucket refills continuously rather than in window-sized bursts, so a
// client that paces itself never sees a rejection.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// allow consumes one token if available. Credential endpoints answer
// immediately instead of queueing callers.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type bucketEntry struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// credentialLimiter buckets attempts per client address. Idle addresses are
// swept so the map does not grow with every scanner that probes the login
// endpoint once.
type credentialLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucketEntry
	capacity  float64
	rate      float64
	lastSweep time.Time
}

func newCredentialLimiter(capacity, ratePerSecond float64) *credentialLimiter {
	return &credentialLimiter{
		buckets:   make(map[string]*bucketEntry),
		capacity:  capacity,
		rate:      ratePerSecond,
		lastSweep: time.Now(),
	}
}

func (l *credentialLimiter) allow(addr string) bool {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > sweepInterval {
		for a, e := range l.buckets {
			if now.Sub(e.lastSeen) > bucketIdleAfter {
				delete(l.buckets, a)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.buckets[addr]
	if !ok {
		e = &bucketEntry{bucket: newTokenBucket(l.capacity, l.rate)}
		l.buckets[addr] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.bucket.allow()
}

// throttleCredentials wraps a password endpoint with the per-address limiter.
func (h *Handlers) throttleCredentials(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			respondDetail(w, http.StatusTooManyRequests, "Too many attempts, slow down")
			return
		}
		next(w, r)
	}
}
