// ratelimit.go - Per-client token bucket rate limiting
package api

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
	lastRefill   time.Time
	lastUsed     time.Time
	now          func() time.Time
}

func newRateLimiter(maxTokens, refillRate int, refillPeriod time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		lastRefill:   now(),
		lastUsed:     now(),
		now:          now,
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.lastUsed = now
	if periods := int(now.Sub(rl.lastRefill) / rl.refillPeriod); periods > 0 {
		rl.tokens += periods * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = rl.lastRefill.Add(time.Duration(periods) * rl.refillPeriod)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) lastSeen() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastUsed
}

// Tokens returns the tokens currently available.
func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// DefaultMaxClients bounds the buckets a ClientRateLimiter holds at once.
const DefaultMaxClients = 10000

// ClientRateLimiter keeps one bucket per client address. Buckets left idle long enough to have
// refilled completely are dropped, and the least recently used bucket is evicted at MaxClients.
type ClientRateLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*RateLimiter
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
	maxClients   int
	lastSweep    time.Time
	now          func() time.Time
}

// NewClientRateLimiter allows each client a burst of maxTokens, refilled by refillRate every
// refillPeriod.
func NewClientRateLimiter(maxTokens, refillRate int, refillPeriod time.Duration) *ClientRateLimiter {
	return newClientRateLimiter(maxTokens, refillRate, refillPeriod, DefaultMaxClients, time.Now)
}

func newClientRateLimiter(maxTokens, refillRate int, refillPeriod time.Duration, maxClients int, now func() time.Time) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters:     make(map[string]*RateLimiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		maxClients:   maxClients,
		lastSweep:    now(),
		now:          now,
	}
}

// idleAfter is how long an unused bucket takes to refill completely. Zero disables the sweep.
func (p *ClientRateLimiter) idleAfter() time.Duration {
	if p.refillRate <= 0 {
		return 0
	}
	periods := (p.maxTokens + p.refillRate - 1) / p.refillRate
	return time.Duration(periods) * p.refillPeriod
}

// Allow checks if a request from client is allowed.
func (p *ClientRateLimiter) Allow(client string) bool {
	p.mu.Lock()
	now := p.now()
	if idle := p.idleAfter(); idle > 0 && now.Sub(p.lastSweep) >= idle {
		p.sweepLocked(now, idle)
	}
	limiter, ok := p.limiters[client]
	if !ok {
		if len(p.limiters) >= p.maxClients {
			p.evictOldestLocked()
		}
		limiter = newRateLimiter(p.maxTokens, p.refillRate, p.refillPeriod, p.now)
		p.limiters[client] = limiter
	}
	p.mu.Unlock()

	return limiter.Allow()
}

func (p *ClientRateLimiter) sweepLocked(now time.Time, idle time.Duration) {
	for client, l := range p.limiters {
		if now.Sub(l.lastSeen()) >= idle {
			delete(p.limiters, client)
		}
	}
	p.lastSweep = now
}

func (p *ClientRateLimiter) evictOldestLocked() {
	var (
		oldest string
		seen   time.Time
	)
	for client, l := range p.limiters {
		if t := l.lastSeen(); oldest == "" || t.Before(seen) {
			oldest, seen = client, t
		}
	}
	delete(p.limiters, oldest)
}

// Tokens returns the tokens available to client.
func (p *ClientRateLimiter) Tokens(client string) int {
	p.mu.Lock()
	limiter, ok := p.limiters[client]
	p.mu.Unlock()
	if !ok {
		return p.maxTokens
	}
	return limiter.Tokens()
}

// Clients returns the number of buckets held.
func (p *ClientRateLimiter) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
