package session

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/flow"
	"github.com/TeoSlayer/hopwire/pkg/fragment"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Write queues msg for reliable ordered delivery. Messages larger than one
// segment travel as a fragment set. Write blocks while SendQueueLimit
// messages are already waiting for window space.
func (s *Session) Write(ctx context.Context, msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return protocol.Errorf(protocol.CodeInvalidParameter, "message of %d bytes exceeds %d", len(msg), protocol.MaxMessageSize)
	}
	for {
		s.lock()
		if s.closed || s.closing {
			s.unlock()
			return protocol.ErrSessionClosed
		}
		if len(s.queue) < SendQueueLimit {
			s.queue = append(s.queue, slices.Clone(msg))
			s.flush()
			s.unlock()
			return nil
		}
		s.unlock()
		select {
		case <-s.writable:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Read returns the next message in order. After the session closes,
// buffered messages are still returned, then io.EOF for a graceful close
// or the close cause.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	for {
		s.lock()
		if len(s.inbox) > 0 {
			before := s.advertised()
			msg := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			if before == 0 && s.advertised() > 0 && !s.closed {
				s.sendWindowUpdate()
			}
			s.unlock()
			return msg, nil
		}
		if s.eof {
			err := s.err
			s.unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		s.unlock()
		select {
		case <-s.readable:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// flush moves queued messages into the send window while it has room, and
// sends the FIN once a requested close has drained everything.
func (s *Session) flush() {
	if (s.state != StateEstablished && s.state != StateRecovering) || s.rejoin {
		return
	}
	now := s.now()
	for len(s.queue) > 0 && s.send.CanSend(len(s.queue[0])) {
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.sendSegment(s.send.Push(msg, now))
	}
	if len(s.queue) < SendQueueLimit {
		notify(s.writable)
	}
	s.armRTO()
	if s.closing && s.finAttempts == 0 && len(s.queue) == 0 && s.send.InFlight() == 0 {
		s.sendFIN()
	}
}

// sendSegment puts one segment on the wire. A fragmented segment gets a
// fresh fragment id on every transmission; its fragments after the first
// are paced over the smoothed RTT.
func (s *Session) sendSegment(seg *flow.Segment) {
	if !seg.Fragmented() {
		p := s.newPacket(protocol.TypeData)
		p.SetFlag(protocol.FlagACK)
		p.Seq = seg.Seq
		p.Payload = seg.Payload
		if err := s.transmit(p); err != nil {
			s.log.Debug("send data failed", "seq", seg.Seq, "error", err)
		}
		return
	}

	s.fragID++
	if s.fragID == 0 {
		s.fragID = 1
	}
	seg.FragID = s.fragID
	total := fragment.Count(len(seg.Payload), protocol.MaxSegmentPayload)
	pace := fragment.PaceInterval(s.send.RTT.SRTT, s.send.CC.Window(), flow.MSS)
	for i := 0; i < total; i++ {
		idx := uint16(i)
		if i == 0 || pace == 0 {
			s.sendFragment(seg, idx)
			continue
		}
		id := seg.FragID
		s.timers.AfterFunc(time.Duration(i)*pace, func() {
			s.lock()
			defer s.unlock()
			if s.closed || s.send.Find(seg.Seq) != seg || seg.FragID != id {
				return
			}
			s.sendFragment(seg, idx)
		})
	}
}

func (s *Session) sendFragment(seg *flow.Segment, idx uint16) {
	total := fragment.Count(len(seg.Payload), protocol.MaxSegmentPayload)
	start := int(idx) * protocol.MaxSegmentPayload
	end := min(start+protocol.MaxSegmentPayload, len(seg.Payload))

	p := s.newPacket(protocol.TypeFragment)
	p.Seq = seg.Seq
	p.FragID = seg.FragID
	p.FragIndex = idx
	p.FragTotal = uint16(total)
	p.Payload = seg.Payload[start:end]
	if err := s.transmit(p); err != nil {
		s.log.Debug("send fragment failed", "seq", seg.Seq, "index", idx, "error", err)
	}
}

func (s *Session) sendWindowUpdate() {
	body := protocol.WindowUpdateBody{WindowBytes: uint32(s.advertised()) * protocol.MaxSegmentPayload}
	if err := s.sendControl(protocol.TypeWindowUpdate, body.Marshal()); err != nil {
		s.log.Debug("send window update failed", "error", err)
	}
}

func (s *Session) armRTO() {
	s.rtoTimer.Stop()
	s.rtoTimer = nil
	at, ok := s.send.NextTimeout()
	if !ok || s.closed {
		return
	}
	s.rtoTimer = s.timers.AfterFunc(max(at.Sub(s.now()), 0), s.onRTO)
}

func (s *Session) onRTO() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	now := s.now()
	for _, seg := range s.send.Expired(now) {
		if seg.Attempts > MaxRetransmits {
			s.sequenceGap(now)
		}
		s.log.Debug("retransmit", "seq", seg.Seq, "attempt", seg.Attempts)
		s.sendSegment(seg)
	}
	s.armRTO()
}

// handleData accepts one DATA segment and acknowledges it at once.
func (s *Session) handleData(p *protocol.Packet) error {
	if p.HasFlag(protocol.FlagACK) {
		if err := s.processAck(p, false); err != nil {
			return err
		}
	}
	now := s.now()
	s.expireReorder(now)
	v, msgs := s.recv.Accept(p.Seq, p.Payload, now)
	return s.accepted(v, msgs)
}

// handleFragment adds a fragment to its set, or answers a retransmission
// request when FlagACK is set.
func (s *Session) handleFragment(p *protocol.Packet) error {
	if p.HasFlag(protocol.FlagACK) {
		return s.handleFragmentRequest(p)
	}
	switch s.recv.Check(p.Seq) {
	case flow.Duplicate:
		return s.sendACK()
	case flow.OutOfWindow:
		s.sequenceGap(s.now())
		return s.sendACK()
	}
	msg, err := s.reasm.Add(p.Seq, p.FragID, p.FragIndex, p.FragTotal, p.Payload, s.now())
	s.armFragTimer()
	if err != nil || msg == nil {
		return err
	}
	now := s.now()
	s.expireReorder(now)
	v, msgs := s.recv.Accept(p.Seq, msg, now)
	return s.accepted(v, msgs)
}

func (s *Session) expireReorder(now time.Time) {
	if n := s.recv.Expire(now); n > 0 {
		s.log.Debug("reorder buffer expired", "segments", n, "expected", s.recv.Expected())
	}
}

// accepted delivers what a receive window verdict released and sends the
// immediate ACK, a duplicate ACK for anything not new.
func (s *Session) accepted(v flow.Verdict, msgs [][]byte) error {
	switch v {
	case flow.InOrder, flow.Buffered:
		s.detector.InWindow()
		for _, m := range msgs {
			s.inbox = append(s.inbox, m)
		}
		if len(msgs) > 0 {
			notify(s.readable)
		}
	case flow.OutOfWindow:
		s.sequenceGap(s.now())
	}
	return s.sendACK()
}

func (s *Session) handleFragmentRequest(p *protocol.Packet) error {
	missing, err := protocol.DecodeFragmentRequest(p.Payload)
	if err != nil {
		return err
	}
	seg := s.send.Find(p.Seq)
	if seg == nil || !seg.Fragmented() || seg.FragID != p.FragID {
		return nil // acknowledged or retransmitted since
	}
	total := fragment.Count(len(seg.Payload), protocol.MaxSegmentPayload)
	for _, idx := range missing {
		if int(idx) >= total {
			return protocol.Errorf(protocol.CodeInvalidFragment, "request for fragment %d of %d", idx, total)
		}
	}
	for _, idx := range missing {
		s.sendFragment(seg, idx)
	}
	return nil
}

func (s *Session) armFragTimer() {
	s.fragTimer.Stop()
	s.fragTimer = nil
	at, ok := s.reasm.NextDeadline()
	if !ok || s.closed {
		return
	}
	s.fragTimer = s.timers.AfterFunc(max(at.Sub(s.now()), 0), s.onFragTimeout)
}

func (s *Session) onFragTimeout() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	for _, r := range s.reasm.Expired(s.now()) {
		p := s.newPacket(protocol.TypeFragment)
		p.SetFlag(protocol.FlagACK)
		p.Seq = r.Seq
		p.FragID = r.FragID
		p.Payload = protocol.EncodeFragmentRequest(r.Missing)
		if err := s.transmit(p); err != nil {
			s.log.Debug("send fragment request failed", "error", err)
		}
	}
	s.armFragTimer()
}

func (s *Session) handleACK(p *protocol.Packet) error {
	return s.processAck(p, true)
}

// processAck applies the cumulative ACK and SACK of p to the send window.
func (s *Session) processAck(p *protocol.Packet, pure bool) error {
	res, err := s.send.OnAck(p.Ack, p.SACK, pure, s.now())
	if err != nil {
		return err
	}
	s.send.SetPeerWindow(int(p.Window))
	if res.FastRetransmit != nil {
		s.log.Debug("fast retransmit", "seq", res.FastRetransmit.Seq)
		s.sendSegment(res.FastRetransmit)
	}
	if res.Acked > 0 || res.Sacked > 0 || res.Reneged > 0 || res.FastRetransmit != nil {
		s.armRTO()
	}
	s.flush()
	return nil
}

func (s *Session) handleWindowUpdate(p *protocol.Packet) error {
	body, err := protocol.DecodeWindowUpdate(p.Payload)
	if err != nil {
		return err
	}
	s.send.SetPeerWindow(int(body.WindowBytes / protocol.MaxSegmentPayload))
	s.flush()
	return nil
}
