package flow

import "time"

// RTO parameters (RFC 6298)
const (
	ClockGranularity = 10 * time.Millisecond  // minimum K·RTTVAR term
	RTOMin           = 200 * time.Millisecond // minimum retransmission timeout
	RTOMax           = 10 * time.Second       // maximum retransmission timeout
	InitialRTO       = 1 * time.Second        // before the first sample
)

// RTTEstimator tracks SRTT, RTTVAR and RTO per RFC 6298 with
// SRTT = α·SRTT + (1-α)·R (α = 0.875), an RTTVAR weight of 0.125 and K = 4.
type RTTEstimator struct {
	SRTT   time.Duration
	RTTVAR time.Duration
	RTO    time.Duration
}

func NewRTTEstimator() RTTEstimator {
	return RTTEstimator{RTO: InitialRTO}
}

// Sample folds one RTT measurement into the estimate.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if rtt <= 0 {
		rtt = time.Millisecond
	}
	if e.SRTT == 0 {
		// First measurement (RFC 6298 Section 2.2)
		e.SRTT = rtt
		e.RTTVAR = rtt / 2
	} else {
		diff := e.SRTT - rtt
		if diff < 0 {
			diff = -diff
		}
		e.RTTVAR = e.RTTVAR*7/8 + diff/8
		e.SRTT = e.SRTT*7/8 + rtt/8
	}
	kvar := e.RTTVAR * 4
	if kvar < ClockGranularity {
		kvar = ClockGranularity
	}
	e.RTO = clampRTO(e.SRTT + kvar)
}

// Backoff doubles the RTO after a retransmission timeout (RFC 6298 5.5).
func (e *RTTEstimator) Backoff() {
	e.RTO = clampRTO(e.RTO * 2)
}

func clampRTO(d time.Duration) time.Duration {
	if d < RTOMin {
		return RTOMin
	}
	if d > RTOMax {
		return RTOMax
	}
	return d
}
