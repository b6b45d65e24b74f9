// Package fragment splits messages that exceed one datagram into indexed
// fragments and reassembles them on the receiving side.
package fragment

import (
	"slices"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

const (
	// Timeout is how long an incomplete set may go without progress before
	// the missing indices are requested.
	Timeout = 500 * time.Millisecond
	// MaxRequests bounds retransmission requests per set before it is
	// abandoned and left to the sender's RTO.
	MaxRequests = 3
	// MaxAssemblies bounds concurrent incomplete sets per session.
	MaxAssemblies = 32
	// MaxPace caps the inter-fragment delay.
	MaxPace = 2 * time.Millisecond
)

// Split cuts msg into pieces of at most size bytes. The last piece carries
// the remainder.
func Split(msg []byte, size int) [][]byte {
	if size <= 0 {
		size = protocol.MaxSegmentPayload
	}
	var out [][]byte
	for off := 0; off < len(msg); off += size {
		out = append(out, msg[off:min(off+size, len(msg))])
	}
	return out
}

// Count returns how many fragments a message of n bytes needs.
func Count(n, size int) int {
	return (n + size - 1) / size
}

// PaceInterval returns the delay between consecutive fragments of one set:
// one smoothed RTT spread over the congestion window, capped at MaxPace.
// A window of many segments therefore sends fragments almost back to back.
func PaceInterval(srtt time.Duration, cwnd, mss int) time.Duration {
	if srtt <= 0 || cwnd <= 0 || mss <= 0 {
		return 0
	}
	segs := max(cwnd/mss, 1)
	return min(srtt/time.Duration(segs), MaxPace)
}

type assembly struct {
	seq      uint32
	total    uint16
	parts    [][]byte
	have     int
	size     int
	progress time.Time
	requests int
}

// Request names the missing fragments of one set.
type Request struct {
	Seq     uint32
	FragID  uint16
	Missing []uint16
}

// Reassembler collects fragments keyed by fragment id. Not safe for
// concurrent use.
type Reassembler struct {
	sets map[uint16]*assembly
}

func NewReassembler() *Reassembler {
	return &Reassembler{sets: make(map[uint16]*assembly)}
}

// Pending is the number of incomplete sets.
func (r *Reassembler) Pending() int { return len(r.sets) }

// Add stores one fragment. It returns the whole message once every index
// is present. A repeated index within a set, or a fragment that disagrees
// with its set about sequence or total, is rejected with
// CodeFragmentViolation and never merged.
func (r *Reassembler) Add(seq uint32, id, index, total uint16, data []byte, now time.Time) ([]byte, error) {
	if total < 2 || total > protocol.MaxFragments || index >= total || len(data) == 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidFragment, "fragment %d/%d out of range", index, total)
	}
	a := r.sets[id]
	if a == nil {
		if len(r.sets) >= MaxAssemblies {
			return nil, protocol.Errorf(protocol.CodeResourceExhausted, "%d fragment sets pending", len(r.sets))
		}
		// A retransmitted message arrives under a new id; the old partial
		// set for the same sequence is superseded.
		for oid, o := range r.sets {
			if o.seq == seq {
				delete(r.sets, oid)
			}
		}
		a = &assembly{seq: seq, total: total, parts: make([][]byte, total)}
		r.sets[id] = a
	}
	if a.seq != seq || a.total != total {
		return nil, protocol.Errorf(protocol.CodeFragmentViolation, "fragment id %d: seq %d total %d conflicts with seq %d total %d", id, seq, total, a.seq, a.total)
	}
	if a.parts[index] != nil {
		return nil, protocol.Errorf(protocol.CodeFragmentViolation, "fragment id %d: duplicate index %d", id, index)
	}
	if a.size+len(data) > protocol.MaxMessageSize {
		delete(r.sets, id)
		return nil, protocol.Errorf(protocol.CodeInvalidFragment, "fragment id %d exceeds max message size", id)
	}
	a.parts[index] = slices.Clone(data)
	a.have++
	a.size += len(data)
	a.progress = now
	a.requests = 0

	if a.have < int(a.total) {
		return nil, nil
	}
	delete(r.sets, id)
	msg := make([]byte, 0, a.size)
	for _, p := range a.parts {
		msg = append(msg, p...)
	}
	return msg, nil
}

// Expired returns retransmission requests for sets that made no progress
// within Timeout. Each request names only the missing indices. Sets that
// exhausted MaxRequests are dropped.
func (r *Reassembler) Expired(now time.Time) []Request {
	var out []Request
	for id, a := range r.sets {
		if now.Sub(a.progress) < Timeout {
			continue
		}
		if a.requests >= MaxRequests {
			delete(r.sets, id)
			continue
		}
		a.requests++
		a.progress = now
		req := Request{Seq: a.seq, FragID: id}
		for i, p := range a.parts {
			if p == nil {
				req.Missing = append(req.Missing, uint16(i))
			}
		}
		out = append(out, req)
	}
	slices.SortFunc(out, func(x, y Request) int { return int(x.FragID) - int(y.FragID) })
	return out
}

// NextDeadline returns the earliest time Expired has work to do.
func (r *Reassembler) NextDeadline() (time.Time, bool) {
	var at time.Time
	found := false
	for _, a := range r.sets {
		d := a.progress.Add(Timeout)
		if !found || d.Before(at) {
			at = d
			found = true
		}
	}
	return at, found
}

// Reset drops every incomplete set.
func (r *Reassembler) Reset() {
	clear(r.sets)
}
