// Package ratelimit throttles websocket upgrades per remote IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client IP plus an optional global
// bucket shared by everyone. A nil *Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	perIP   map[string]*bucket
	limit   rate.Limit
	burst   int
	global  *rate.Limiter
	nowFunc func() time.Time
}

// New creates a limiter allowing perIP upgrades per second with the given
// burst for each client, and globalRate per second overall. Zero disables the
// corresponding bucket.
func New(perIP, globalRate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perIP:   make(map[string]*bucket),
		limit:   rate.Limit(perIP),
		burst:   burst,
		nowFunc: time.Now,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return l
}

// Allow reports whether ip may upgrade now and consumes a token if so.
func (l *Limiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	if l.limit > 0 {
		now := l.nowFunc()
		l.mu.Lock()
		b, ok := l.perIP[ip]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
			l.perIP[ip] = b
		}
		b.lastSeen = now
		allowed := b.lim.AllowN(now, 1)
		l.mu.Unlock()
		if !allowed {
			return false
		}
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	return true
}

// Cleanup forgets clients idle for longer than maxIdle and returns how many
// were dropped.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.nowFunc().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			n++
		}
	}
	return n
}

// Run calls Cleanup every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval, maxIdle time.Duration) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxIdle)
		}
	}
}

// Tracked returns the number of client buckets held.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}
