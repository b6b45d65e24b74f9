package session

import (
	"math"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Close requests a graceful close: queued and in-flight data drain first,
// then FIN is sent and retried up to FINAttempts times. Close does not
// wait; Done is closed once the session is gone.
func (s *Session) Close() error {
	s.lock()
	defer s.unlock()
	switch {
	case s.closed:
		return nil
	case s.handshaking():
		s.sendRST()
		s.teardown(nil)
	case !s.closing:
		s.closing = true
		s.log.Debug("close requested", "queued", len(s.queue), "in_flight", s.send.InFlight())
		s.flush()
	}
	return nil
}

func (s *Session) sendFIN() {
	_ = s.transition(StateClosing)
	s.finAttempts++
	p := s.newPacket(protocol.TypeFIN)
	p.SetFlag(protocol.FlagFIN)
	p.Seq = s.send.NextSeq()
	if err := s.transmit(p); err != nil {
		s.log.Debug("send fin failed", "error", err)
	}
	s.hsTimer.Stop()
	s.hsTimer = s.timers.AfterFunc(s.send.RTT.RTO, s.onFINTimeout)
}

func (s *Session) onFINTimeout() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	if s.finAttempts >= FINAttempts {
		s.teardown(nil)
		return
	}
	s.sendFIN()
}

// handleFIN closes the session. A plain FIN is taken only once every
// sequence before it arrived and is answered with FIN|ACK; a FIN|ACK
// completes our own close.
func (s *Session) handleFIN(p *protocol.Packet) error {
	if p.HasFlag(protocol.FlagACK) {
		if s.finAttempts > 0 {
			s.teardown(nil)
		}
		return nil
	}
	if p.Seq != s.recv.Expected() {
		return nil // data still missing, the peer retransmits
	}
	ack := s.newPacket(protocol.TypeFIN)
	ack.SetFlag(protocol.FlagFIN | protocol.FlagACK)
	ack.Seq = s.send.NextSeq()
	if err := s.transmit(ack); err != nil {
		s.log.Debug("send fin ack failed", "error", err)
	}
	s.teardown(nil)
	return nil
}

func (s *Session) handleRST(p *protocol.Packet) error {
	cause := protocol.ErrConnReset
	if s.state == StateConnecting || s.rejoin {
		cause = protocol.ErrConnRefused
	}
	s.log.Info("reset by peer", "state", s.state)
	s.teardown(cause)
	return nil
}

func (s *Session) handleError(p *protocol.Packet) error {
	body, err := protocol.DecodeError(p.Payload)
	if err != nil {
		return err
	}
	s.log.Warn("peer reported error", "code", body.Code, "related", body.Related)
	s.report(protocol.Errorf(body.Code, "peer reported %s on %s", body.Code, body.Related))
	return nil
}

func (s *Session) armHeartbeat() {
	s.hbTimer = s.timers.AfterFunc(HeartbeatInterval, s.onHeartbeat)
}

// onHeartbeat probes the peer and closes a session that has been silent
// for IdleTimeout.
func (s *Session) onHeartbeat() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	if idle := s.now().Sub(s.lastRecv); idle > IdleTimeout {
		s.teardown(protocol.Errorf(protocol.CodeTimeout, "idle for %s", idle.Round(time.Second)))
		return
	}
	s.expireReorder(s.now())
	if err := s.sendHeartbeat(0, 0); err != nil {
		s.log.Debug("send heartbeat failed", "error", err)
	}
	s.armHeartbeat()
}

func (s *Session) sendHeartbeat(flags uint8, echo uint32) error {
	body := protocol.HeartbeatBody{
		EchoTimestamp: echo,
		DelayP95MS:    clampMS(s.delay.P95()),
		JitterMS:      clampMS(s.delay.Jitter()),
		Margin:        uint8(s.delay.Margin()),
		Flags:         flags,
	}
	return s.sendControl(protocol.TypeHeartbeat, body.Marshal())
}

// handleHeartbeat answers probes and turns replies into one-way delay
// samples. Both sides adopt the larger margin proposal.
func (s *Session) handleHeartbeat(p *protocol.Packet) error {
	hb, err := protocol.DecodeHeartbeat(p.Payload)
	if err != nil {
		return err
	}
	s.peerMarg = int(hb.Margin)
	if hb.Flags&protocol.HeartbeatReply == 0 {
		s.setMargin()
		return s.sendHeartbeat(protocol.HeartbeatReply, p.Timestamp)
	}
	rtt := protocol.TimestampDelta(protocol.DayTimestamp(s.now()), hb.EchoTimestamp)
	if rtt >= 0 {
		s.delay.Add(time.Duration(rtt) * time.Millisecond / 2)
	}
	s.setMargin()
	return nil
}

func clampMS(d time.Duration) uint16 {
	return uint16(min(max(d.Milliseconds(), 0), math.MaxUint16))
}

func (s *Session) setMargin() {
	m := hopping.Negotiate(s.delay.Margin(), s.peerMarg)
	if m != s.margin {
		s.log.Debug("delay margin", "from", s.margin, "to", m)
		s.margin = m
	}
}

// armRotation schedules the next key ring step: the precompute point
// before a bucket boundary, then the boundary itself.
func (s *Session) armRotation() {
	now := s.now()
	at := s.keys.NextRotation(now)
	s.rotTimer = s.timers.AfterFunc(max(at.Sub(now), 0), s.onRotate)
}

func (s *Session) onRotate() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	if s.keys.Rotate(s.now()) {
		s.log.Debug("session key rotated", "generation", s.keys.Generation())
	}
	s.armRotation()
}
