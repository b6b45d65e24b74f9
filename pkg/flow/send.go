package flow

import (
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// DupAckThreshold is the duplicate ACK count that triggers fast retransmit.
const DupAckThreshold = 3

// Segment is a sent-but-unacknowledged message.
type Segment struct {
	Seq      uint32
	Payload  []byte
	FragID   uint16 // fragment id of the last transmission, 0 for single DATA
	SentAt   time.Time
	Attempts int
	Sacked   bool // held by the peer's reorder buffer, don't retransmit
}

// Fragmented reports whether the segment must travel as a FRAGMENT set.
func (s *Segment) Fragmented() bool {
	return len(s.Payload) > protocol.MaxSegmentPayload
}

// AckResult describes what an incoming acknowledgment did.
type AckResult struct {
	Acked          int      // segments newly covered by the cumulative ACK
	Sacked         int      // segments newly marked by the SACK bitmap
	Reneged        int      // sacked segments the peer no longer holds
	Duplicate      bool     // pure duplicate ACK
	FastRetransmit *Segment // set on the third duplicate ACK
}

// SendStats tracks send-side reliability metrics.
type SendStats struct {
	SegsSent    uint64
	Retransmits uint64 // timeout-based retransmissions
	FastRetx    uint64 // fast retransmissions (3 dup ACKs)
	DupACKs     uint64
	SACKed      uint64
}

// SendWindow is the send half of a session: sequence assignment, the
// retransmission queue, duplicate ACK detection, RTT sampling and the
// congestion controller. Not safe for concurrent use; the owning session
// serializes access.
type SendWindow struct {
	nextSeq uint32
	lastAck uint32
	unacked []*Segment // ordered by seq
	dupAcks int
	peerWin int // segments, from the peer's advertised window

	RTT   RTTEstimator
	CC    *Controller
	Stats SendStats
}

// NewSendWindow starts sequencing at isn.
func NewSendWindow(isn uint32) *SendWindow {
	return &SendWindow{
		nextSeq: isn,
		lastAck: isn,
		peerWin: 1,
		RTT:     NewRTTEstimator(),
		CC:      NewController(),
	}
}

func (w *SendWindow) NextSeq() uint32 { return w.nextSeq }
func (w *SendWindow) LastAck() uint32 { return w.lastAck }
func (w *SendWindow) InFlight() int   { return len(w.unacked) }
func (w *SendWindow) PeerWindow() int { return w.peerWin }

// SetPeerWindow records the peer's advertised receive window in segments.
func (w *SendWindow) SetPeerWindow(segments int) {
	w.peerWin = max(segments, 0)
}

// Datagrams is how many packets a message of n bytes travels as.
func Datagrams(n int) int {
	return max((n+protocol.MaxSegmentPayload-1)/protocol.MaxSegmentPayload, 1)
}

// Outstanding is the number of datagrams in flight. A fragment set counts
// once per fragment.
func (w *SendWindow) Outstanding() int {
	n := 0
	for _, seg := range w.unacked {
		n += Datagrams(len(seg.Payload))
	}
	return n
}

// CanSend reports whether a message of n bytes may be sent now. The
// congestion window is charged per datagram and the peer window per
// segment, since a fragment set takes a single reorder slot. With nothing
// in flight one message is always allowed, so a closed peer window gets
// probed and a set wider than the congestion window still moves.
func (w *SendWindow) CanSend(n int) bool {
	if len(w.unacked) == 0 {
		return true
	}
	return w.Outstanding()+Datagrams(n) <= w.CC.Segments() && len(w.unacked) < w.peerWin
}

// Push assigns the next sequence number to payload and queues it for
// retransmission tracking.
func (w *SendWindow) Push(payload []byte, now time.Time) *Segment {
	saved := make([]byte, len(payload))
	copy(saved, payload)
	seg := &Segment{Seq: w.nextSeq, Payload: saved, SentAt: now, Attempts: 1}
	w.nextSeq++
	w.unacked = append(w.unacked, seg)
	w.Stats.SegsSent++
	return seg
}

// Find returns the unacked segment with sequence seq.
func (w *SendWindow) Find(seq uint32) *Segment {
	for _, s := range w.unacked {
		if s.Seq == seq {
			return s
		}
	}
	return nil
}

// OnAck processes a cumulative acknowledgment and SACK bitmap. pure is true
// for ACK packets without payload; only those count as duplicates
// (RFC 5681 Section 3.2).
func (w *SendWindow) OnAck(ack, sack uint32, pure bool, now time.Time) (AckResult, error) {
	var res AckResult
	if SeqAfter(ack, w.nextSeq) {
		return res, protocol.Errorf(protocol.CodeInvalidSequence, "ack %d beyond next send %d", ack, w.nextSeq)
	}
	if SeqAfter(w.lastAck, ack) {
		return res, nil // stale
	}

	if ack == w.lastAck {
		res.Sacked, res.Reneged = w.applySACK(ack, sack)
		if !pure || len(w.unacked) == 0 {
			return res, nil
		}
		res.Duplicate = true
		w.dupAcks++
		w.Stats.DupACKs++
		if w.dupAcks == DupAckThreshold {
			w.CC.OnTripleDupAck()
			if seg := w.firstUnsacked(); seg != nil {
				seg.Attempts++
				seg.SentAt = now
				w.Stats.FastRetx++
				res.FastRetransmit = seg
			}
		}
		return res, nil
	}

	// New cumulative ACK
	w.lastAck = ack
	w.dupAcks = 0
	var remaining []*Segment
	for _, s := range w.unacked {
		if SeqAfter(ack, s.Seq) {
			res.Acked++
			// Karn: only sample segments that were never retransmitted
			if s.Attempts == 1 {
				w.RTT.Sample(now.Sub(s.SentAt))
			}
			continue
		}
		remaining = append(remaining, s)
	}
	w.unacked = remaining
	for i := 0; i < res.Acked; i++ {
		w.CC.OnAck()
	}
	res.Sacked, res.Reneged = w.applySACK(ack, sack)
	return res, nil
}

// applySACK marks segments named by the bitmap. Bit i covers seq ack+1+i.
// A sacked segment whose bit is clear again was dropped from the peer's
// reorder buffer and goes back under the retransmission timer.
func (w *SendWindow) applySACK(ack, sack uint32) (sacked, reneged int) {
	for _, s := range w.unacked {
		d := s.Seq - ack - 1
		if !SeqAfter(s.Seq, ack) || d >= 32 {
			continue
		}
		switch set := sack&(1<<d) != 0; {
		case set && !s.Sacked:
			s.Sacked = true
			sacked++
		case !set && s.Sacked:
			s.Sacked = false
			reneged++
		}
	}
	w.Stats.SACKed += uint64(sacked)
	return sacked, reneged
}

func (w *SendWindow) firstUnsacked() *Segment {
	for _, s := range w.unacked {
		if !s.Sacked {
			return s
		}
	}
	return nil
}

// NextTimeout returns when the oldest unsacked segment expires.
func (w *SendWindow) NextTimeout() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, s := range w.unacked {
		if s.Sacked {
			continue
		}
		at := s.SentAt.Add(w.RTT.RTO)
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}

// Expired returns the segments whose RTO has elapsed and marks them as
// retransmitted. A timeout collapses the congestion window and backs off
// the RTO once per call, not once per segment.
func (w *SendWindow) Expired(now time.Time) []*Segment {
	rto := w.RTT.RTO
	var out []*Segment
	for _, s := range w.unacked {
		if s.Sacked || now.Sub(s.SentAt) < rto {
			continue
		}
		s.Attempts++
		s.SentAt = now
		out = append(out, s)
	}
	if len(out) > 0 {
		w.CC.OnLoss()
		w.RTT.Backoff()
		w.dupAcks = 0
		w.Stats.Retransmits += uint64(len(out))
	}
	return out
}

// Reconcile applies a peer's next-expected sequence learned during repair:
// everything before it is treated as acknowledged, and the rest is returned
// for immediate retransmission.
func (w *SendWindow) Reconcile(peerExpected uint32, now time.Time) ([]*Segment, error) {
	if SeqAfter(peerExpected, w.nextSeq) {
		return nil, protocol.Errorf(protocol.CodeInvalidSequence, "peer expects %d, next send is %d", peerExpected, w.nextSeq)
	}
	if SeqAfter(peerExpected, w.lastAck) {
		w.lastAck = peerExpected
	}
	var remaining []*Segment
	for _, s := range w.unacked {
		if SeqAfter(peerExpected, s.Seq) {
			continue
		}
		s.Sacked = false
		s.SentAt = now
		s.Attempts++
		remaining = append(remaining, s)
	}
	w.unacked = remaining
	w.dupAcks = 0
	w.CC.Reset()
	return remaining, nil
}

// Drop discards every queued segment. Used at teardown.
func (w *SendWindow) Drop() {
	for _, s := range w.unacked {
		s.Payload = nil
	}
	w.unacked = nil
}

// SeqAfter reports whether a is after b in circular uint32 space
// (RFC 1982 serial number arithmetic).
func SeqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqAfterOrEqual reports whether a >= b in circular uint32 space.
func SeqAfterOrEqual(a, b uint32) bool {
	return a == b || int32(a-b) > 0
}
