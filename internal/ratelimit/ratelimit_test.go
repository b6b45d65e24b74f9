package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter[string](3)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a", now), "token %d", i)
	}
	assert.False(t, l.Allow("a", now))
	assert.True(t, l.Allow("b", now), "sources are independent")

	assert.True(t, l.Allow("a", now.Add(time.Second)))
}

func TestLimiterReap(t *testing.T) {
	l := NewLimiter[int](1)
	now := time.Unix(1000, 0)
	l.Allow(1, now)
	l.Reap(now.Add(time.Minute), 30*time.Second)
	assert.Empty(t, l.buckets)
}

func TestBlocklistCooldown(t *testing.T) {
	b := NewBlocklist[string](time.Minute)
	now := time.Unix(1000, 0)
	assert.False(t, b.Blocked("x", now))

	b.Block("x", now)
	assert.True(t, b.Blocked("x", now.Add(59*time.Second)))
	assert.False(t, b.Blocked("x", now.Add(time.Minute)))
	assert.Zero(t, b.Len())
}
