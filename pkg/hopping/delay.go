package hopping

import (
	"slices"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Delay margin bounds, in hop windows.
const (
	MinMargin = 1
	MaxMargin = 4
)

const delaySamples = 64

// DelayTracker keeps recent one-way delay samples and turns them into a
// proposed delay margin. Not safe for concurrent use.
type DelayTracker struct {
	samples [delaySamples]time.Duration
	n       int
	next    int
	jitter  time.Duration
	last    time.Duration
}

// Add records one one-way delay sample. Jitter is the RFC 3550 running
// mean deviation between consecutive samples.
func (t *DelayTracker) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if t.n > 0 {
		diff := d - t.last
		if diff < 0 {
			diff = -diff
		}
		t.jitter += (diff - t.jitter) / 16
	}
	t.last = d
	t.samples[t.next] = d
	t.next = (t.next + 1) % delaySamples
	if t.n < delaySamples {
		t.n++
	}
}

// P95 returns the 95th percentile of the recorded samples.
func (t *DelayTracker) P95() time.Duration {
	if t.n == 0 {
		return 0
	}
	s := slices.Clone(t.samples[:t.n])
	slices.Sort(s)
	idx := (t.n*95 + 99) / 100
	return s[min(idx, t.n)-1]
}

func (t *DelayTracker) Jitter() time.Duration { return t.jitter }

// Margin proposes how many windows either side of the current one must be
// accepted: enough to cover p95 delay plus twice the jitter, clamped to
// [MinMargin, MaxMargin]. With no samples the margin is MinMargin.
func (t *DelayTracker) Margin() int {
	spread := t.P95() + 2*t.jitter
	m := int((spread + protocol.HopInterval - 1) / protocol.HopInterval)
	return min(max(m, MinMargin), MaxMargin)
}

// Negotiate returns the margin both peers use: the larger proposal, within
// bounds.
func Negotiate(local, remote int) int {
	return min(max(local, remote, MinMargin), MaxMargin)
}
