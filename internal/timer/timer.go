// Package timer provides cancellable timer groups over an injectable clock.
// A session owns one Group; stopping the group guarantees no callback
// starts afterwards.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source for timers and timestamps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper is satisfied by *time.Timer.
type Stopper interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// System is the wall clock.
var System Clock = systemClock{}

// Handle is one scheduled callback.
type Handle struct {
	g       *Group
	t       Stopper
	stopped bool
}

// Stop cancels the callback if it has not started. It reports whether it
// was still pending.
func (h *Handle) Stop() bool {
	if h == nil || h.g == nil {
		return false
	}
	h.g.mu.Lock()
	defer h.g.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	delete(h.g.pending, h)
	return h.t.Stop()
}

// Group tracks every timer of one owner.
type Group struct {
	clock   Clock
	mu      sync.Mutex
	stopped bool
	pending map[*Handle]struct{}
	running sync.WaitGroup
}

func NewGroup(c Clock) *Group {
	if c == nil {
		c = System
	}
	return &Group{clock: c, pending: make(map[*Handle]struct{})}
}

func (g *Group) Clock() Clock { return g.clock }

// AfterFunc schedules f after d. On a stopped group it returns an inert
// handle.
func (g *Group) AfterFunc(d time.Duration, f func()) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := &Handle{g: g}
	if g.stopped {
		h.stopped = true
		return h
	}
	g.pending[h] = struct{}{}
	h.t = g.clock.AfterFunc(d, func() {
		g.mu.Lock()
		if g.stopped || h.stopped {
			g.mu.Unlock()
			return
		}
		h.stopped = true
		delete(g.pending, h)
		g.running.Add(1)
		g.mu.Unlock()
		defer g.running.Done()
		f()
	})
	return h
}

// Pending returns the number of scheduled callbacks.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stop cancels every pending timer. No callback starts after Stop returns.
// Callbacks already running may still be in flight; use Wait to drain
// them, but never from inside a callback.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	for h := range g.pending {
		h.stopped = true
		h.t.Stop()
	}
	clear(g.pending)
}

// Stopped reports whether Stop was called.
func (g *Group) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Wait blocks until running callbacks return.
func (g *Group) Wait() {
	g.running.Wait()
}

// Manual is a Clock that only moves when told to. Timers fire
// synchronously from Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	m   *Manual
	at  time.Time
	seq int
	f   func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, o := range t.m.timers {
		if o == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, firing every timer that comes due
// on the way, including timers scheduled by fired callbacks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at.Before(m.timers[j].at)
		})
		if len(m.timers) == 0 || m.timers[0].at.After(end) {
			m.now = end
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		if t.at.After(m.now) {
			m.now = t.at
		}
		m.mu.Unlock()
		t.f()
	}
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
