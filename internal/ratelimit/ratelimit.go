// Package ratelimit holds the per-source token buckets and cool-down block
// lists shared by the handshake and discovery paths.
package ratelimit

import (
	"sync"
	"time"
)

// MaxEntries caps how many sources a limiter or block list tracks.
const MaxEntries = 4096

type bucket struct {
	tokens   int
	lastFill time.Time
}

// Limiter is a token bucket per source, refilled at Rate tokens per second
// up to Rate.
type Limiter[K comparable] struct {
	mu      sync.Mutex
	rate    int
	buckets map[K]*bucket
}

func NewLimiter[K comparable](rate int) *Limiter[K] {
	return &Limiter[K]{rate: rate, buckets: make(map[K]*bucket)}
}

// Allow consumes one token for src. It rejects new sources once MaxEntries
// are tracked.
func (l *Limiter[K]) Allow(src K, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[src]
	if !ok {
		if len(l.buckets) >= MaxEntries {
			return false
		}
		l.buckets[src] = &bucket{tokens: l.rate - 1, lastFill: now}
		return l.rate > 0
	}

	elapsed := now.Sub(b.lastFill)
	if elapsed > 0 {
		refill := int(elapsed.Seconds() * float64(l.rate))
		if refill > 0 {
			b.tokens = min(b.tokens+refill, l.rate)
			b.lastFill = now
		}
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Reap drops buckets idle for longer than idle.
func (l *Limiter[K]) Reap(now time.Time, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.lastFill) > idle {
			delete(l.buckets, k)
		}
	}
}

// Blocklist holds sources under a cool-down.
type Blocklist[K comparable] struct {
	mu       sync.Mutex
	cooldown time.Duration
	until    map[K]time.Time
}

func NewBlocklist[K comparable](cooldown time.Duration) *Blocklist[K] {
	return &Blocklist[K]{cooldown: cooldown, until: make(map[K]time.Time)}
}

// Block starts or extends the cool-down for src.
func (b *Blocklist[K]) Block(src K, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.until[src]; !ok && len(b.until) >= MaxEntries {
		b.reapLocked(now)
		if len(b.until) >= MaxEntries {
			return
		}
	}
	b.until[src] = now.Add(b.cooldown)
}

// Blocked reports whether src is still cooling down.
func (b *Blocklist[K]) Blocked(src K, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.until[src]
	if !ok {
		return false
	}
	if !now.Before(t) {
		delete(b.until, src)
		return false
	}
	return true
}

// Len returns the number of tracked sources, expired or not.
func (b *Blocklist[K]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.until)
}

// Reap forgets expired entries.
func (b *Blocklist[K]) Reap(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reapLocked(now)
}

func (b *Blocklist[K]) reapLocked(now time.Time) {
	for k, t := range b.until {
		if !now.Before(t) {
			delete(b.until, k)
		}
	}
}
