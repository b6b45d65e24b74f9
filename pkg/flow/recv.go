package flow

import "time"

const (
	// DefaultRecvWindow is the reorder capacity in segments.
	DefaultRecvWindow = 128
	// ReorderTimeout is how long an out-of-order segment waits for the gap
	// before it to close. It spans several retransmissions at RTOMax.
	ReorderTimeout = 3 * RTOMax
)

// Verdict classifies an incoming sequence number.
type Verdict uint8

const (
	InOrder     Verdict = iota // delivered, possibly with buffered successors
	Buffered                   // held in the reorder buffer
	Duplicate                  // already delivered or already buffered
	OutOfWindow                // beyond the receive window, dropped
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in-order"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case OutOfWindow:
		return "out-of-window"
	default:
		return "unknown"
	}
}

// ReceiveWindow is the receive half of a session: the cumulative ACK point
// and the bounded reorder buffer. Not safe for concurrent use.
type ReceiveWindow struct {
	expected uint32
	capacity int
	ooo      map[uint32]held
}

type held struct {
	data []byte
	at   time.Time
}

// NewReceiveWindow expects seq next and buffers at most capacity segments.
func NewReceiveWindow(next uint32, capacity int) *ReceiveWindow {
	if capacity <= 0 {
		capacity = DefaultRecvWindow
	}
	return &ReceiveWindow{expected: next, capacity: capacity, ooo: make(map[uint32]held)}
}

// Expected is the cumulative ACK value: the next in-order sequence.
func (r *ReceiveWindow) Expected() uint32 { return r.expected }

// Buffered is the number of out-of-order segments held.
func (r *ReceiveWindow) Buffered() int { return len(r.ooo) }

// Free is the number of reorder slots still open.
func (r *ReceiveWindow) Free() int { return max(r.capacity-len(r.ooo), 0) }

// Check classifies seq without accepting it.
func (r *ReceiveWindow) Check(seq uint32) Verdict {
	if SeqAfter(r.expected, seq) {
		return Duplicate
	}
	if seq == r.expected {
		return InOrder
	}
	if int(seq-r.expected) >= r.capacity {
		return OutOfWindow
	}
	if _, ok := r.ooo[seq]; ok {
		return Duplicate
	}
	return Buffered
}

// Accept stores data for seq, arrived at now, and returns the messages that
// became deliverable, in order. Redelivery of an already accepted sequence
// is idempotent: it returns Duplicate and nothing to deliver.
func (r *ReceiveWindow) Accept(seq uint32, data []byte, now time.Time) (Verdict, [][]byte) {
	v := r.Check(seq)
	switch v {
	case InOrder:
		out := [][]byte{data}
		r.expected++
		for {
			next, ok := r.ooo[r.expected]
			if !ok {
				break
			}
			delete(r.ooo, r.expected)
			out = append(out, next.data)
			r.expected++
		}
		return v, out
	case Buffered:
		saved := make([]byte, len(data))
		copy(saved, data)
		r.ooo[seq] = held{data: saved, at: now}
	}
	return v, nil
}

// Expire drops segments held for ReorderTimeout or longer and returns how
// many went. They disappear from the next SACK, so the sender sends them
// again.
func (r *ReceiveWindow) Expire(now time.Time) int {
	n := 0
	for seq, h := range r.ooo {
		if now.Sub(h.at) >= ReorderTimeout {
			delete(r.ooo, seq)
			n++
		}
	}
	return n
}

// SACK returns the selective acknowledgment bitmap: bit i is set when
// expected+1+i is held in the reorder buffer.
func (r *ReceiveWindow) SACK() uint32 {
	var bm uint32
	for seq := range r.ooo {
		d := seq - r.expected - 1
		if d < 32 {
			bm |= 1 << d
		}
	}
	return bm
}

// Reset clears the reorder buffer, keeping the cumulative point.
func (r *ReceiveWindow) Reset() {
	clear(r.ooo)
}
