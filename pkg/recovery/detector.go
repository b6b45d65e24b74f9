package recovery

import "time"

// Detection thresholds.
const (
	AuthFailureThreshold = 8
	AuthFailureWindow    = 10 * time.Second
	DriftTolerance       = 100 * time.Millisecond
	DriftStrikes         = 3
	GapStrikes           = 3
	CombinedWindow       = 10 * time.Second
)

// Detector turns per-packet anomalies into recovery triggers. When a
// second, different kind of anomaly fires within CombinedWindow of
// another, the trigger becomes TriggerCombined. Not safe for concurrent
// use.
type Detector struct {
	authFails []time.Time
	drift     int
	gaps      int
	fired     map[Trigger]time.Time
}

func NewDetector() *Detector {
	return &Detector{fired: make(map[Trigger]time.Time)}
}

// AuthFailure records a packet that failed verification.
func (d *Detector) AuthFailure(now time.Time) (Trigger, bool) {
	cutoff := now.Add(-AuthFailureWindow)
	kept := d.authFails[:0]
	for _, t := range d.authFails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.authFails = append(kept, now)
	if len(d.authFails) < AuthFailureThreshold {
		return 0, false
	}
	d.authFails = d.authFails[:0]
	return d.fire(TriggerAuthFailure, now), true
}

// Drift records the clock offset observed on a verified packet, net of
// the estimated one-way delay. Consecutive samples beyond DriftTolerance
// trigger a resync.
func (d *Detector) Drift(offset time.Duration, now time.Time) (Trigger, bool) {
	if offset < 0 {
		offset = -offset
	}
	if offset <= DriftTolerance {
		d.drift = 0
		return 0, false
	}
	d.drift++
	if d.drift < DriftStrikes {
		return 0, false
	}
	d.drift = 0
	return d.fire(TriggerDrift, now), true
}

// SequenceGap records a segment beyond the receive window, or a segment
// retransmitted past its limit.
func (d *Detector) SequenceGap(now time.Time) (Trigger, bool) {
	d.gaps++
	if d.gaps < GapStrikes {
		return 0, false
	}
	d.gaps = 0
	return d.fire(TriggerSequenceGap, now), true
}

// InWindow clears the gap counter after an in-window segment.
func (d *Detector) InWindow() { d.gaps = 0 }

func (d *Detector) fire(t Trigger, now time.Time) Trigger {
	combined := false
	for other, at := range d.fired {
		if other != t && other != TriggerCombined && now.Sub(at) <= CombinedWindow {
			combined = true
		}
	}
	d.fired[t] = now
	if combined {
		d.fired[TriggerCombined] = now
		return TriggerCombined
	}
	return t
}

// Reset forgets all history. Called after a successful recovery.
func (d *Detector) Reset() {
	d.authFails = d.authFails[:0]
	d.drift = 0
	d.gaps = 0
	clear(d.fired)
}
