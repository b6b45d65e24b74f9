package session

import (
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/flow"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/recovery"
)

// Connect opens the session as initiator. The SYN goes to the peer's
// listener schedule and is retransmitted on HandshakeBackoff until a
// SYN_ACK arrives or HandshakeAttempts are spent.
func (s *Session) Connect() error {
	s.lock()
	defer s.unlock()
	if s.role != RoleInitiator {
		return protocol.NewError(protocol.CodeInvalidState, "responder sessions are opened by Accept")
	}
	if err := s.transition(StateConnecting); err != nil {
		return err
	}
	s.attempts = 0
	return s.sendSYN()
}

// Accept creates a responder session for a SYN already verified against
// cfg.PSK (see VerifySYN) and answers it.
func Accept(cfg Config, syn *protocol.Packet, localPort uint16) (*Session, error) {
	s, err := NewResponder(cfg, syn)
	if err != nil {
		return nil, err
	}
	if err := s.Answer(syn, localPort); err != nil {
		return nil, err
	}
	return s, nil
}

// NewResponder creates the LISTENING session a SYN asks for without
// answering it yet, so the owner can register the session and its ports
// before the SYN_ACK leaves.
func NewResponder(cfg Config, syn *protocol.Packet) (*Session, error) {
	if syn.Type != protocol.TypeSYN {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "%s cannot open a session", syn.Type)
	}
	cfg.Role = RoleResponder
	cfg.SessionID = syn.SessionID
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	s.lock()
	defer s.unlock()
	if err := s.transition(StateListening); err != nil {
		return nil, err
	}
	return s, nil
}

// Answer processes the opening SYN of a responder. A SYN the session
// rejects closes it.
func (s *Session) Answer(syn *protocol.Packet, localPort uint16) error {
	s.lock()
	defer s.unlock()
	if err := s.receive(syn, localPort); err != nil {
		s.teardown(err)
		return err
	}
	return nil
}

// VerifySYN reports whether syn was sealed with a session key derived from
// psk. Keys of the adjacent rotation buckets are tried so a SYN sent across
// a bucket boundary still verifies.
func VerifySYN(psk []byte, syn *protocol.Packet, now time.Time) bool {
	for _, t := range []time.Time{now, now.Add(-crypto.RotationLead), now.Add(crypto.RotationLead)} {
		kr := crypto.NewKeyRing(psk, syn.SessionID, t)
		ok := kr.VerifyWith(syn.Verify)
		kr.Wipe()
		if ok {
			return true
		}
	}
	return false
}

func (s *Session) sendSYN() error {
	s.attempts++
	p := s.newPacket(protocol.TypeSYN)
	p.SetFlag(protocol.FlagSYN)
	p.Seq = s.isn
	p.Ack = 0
	p.SACK = 0
	body := protocol.SynBody{Nonce: s.nonce, MaxSegment: protocol.MaxSegmentPayload}
	p.Payload = body.Marshal()
	s.armHandshake()
	return s.transmit(p)
}

func (s *Session) sendSYNACK() error {
	s.attempts++
	p := s.newPacket(protocol.TypeSYNACK)
	p.SetFlag(protocol.FlagSYN | protocol.FlagACK)
	p.Seq = s.isn
	p.Ack = s.peerISN
	body := protocol.SynBody{Nonce: s.nonce, MaxSegment: protocol.MaxSegmentPayload}
	p.Payload = body.Marshal()
	s.armHandshake()
	return s.transmit(p)
}

func (s *Session) sendACK() error {
	p := s.newPacket(protocol.TypeACK)
	p.SetFlag(protocol.FlagACK)
	p.Seq = s.send.NextSeq()
	return s.transmit(p)
}

// armHandshake schedules the retransmission after attempt s.attempts.
func (s *Session) armHandshake() {
	s.hsTimer.Stop()
	s.hsTimer = s.timers.AfterFunc(HandshakeBackoff.Delay(s.attempts-1), s.onHandshakeTimeout)
}

// handshaking reports whether the session still waits for its peer's half
// of the handshake.
func (s *Session) handshaking() bool {
	return s.state == StateConnecting || s.state == StateListening || s.rejoin
}

func (s *Session) onHandshakeTimeout() {
	s.lock()
	defer s.unlock()
	if s.closed || !s.handshaking() {
		return
	}
	if s.attempts >= HandshakeAttempts {
		s.log.Warn("handshake timed out", "attempts", s.attempts, "rejoin", s.rejoin)
		if s.rejoin {
			_ = s.transition(StateError)
			s.teardown(protocol.WrapError(protocol.CodeRecoveryFailed, "handshake recovery", protocol.ErrDialTimeout))
			return
		}
		s.teardown(protocol.ErrDialTimeout)
		return
	}
	var err error
	if s.role == RoleInitiator {
		err = s.sendSYN()
	} else {
		err = s.sendSYNACK()
	}
	if err == nil {
		return
	}
	if code := protocol.CodeOf(err); code != protocol.CodeNone && !code.Retryable() {
		s.log.Warn("handshake retransmit failed", "error", err)
		s.teardown(err)
		return
	}
	s.log.Debug("handshake retransmit failed", "error", err)
}

// rejoinHandshake moves a half-open initiator to RECOVERING and restarts
// the SYN exchange with a fresh attempt budget. The session returns to
// ESTABLISHED when a SYN_ACK arrives.
func (s *Session) rejoinHandshake(t recovery.Trigger) {
	if s.rejoin {
		return
	}
	if err := s.transition(StateRecovering); err != nil {
		return
	}
	s.rejoin = true
	s.stats.Recoveries++
	s.detector.Reset()
	s.log.Warn("handshake recovery started", "trigger", t)
	s.attempts = 0
	if err := s.sendSYN(); err != nil {
		s.log.Debug("send syn failed", "error", err)
	}
}

// handleSYN answers a SYN in LISTENING. A retransmitted SYN with the same
// ISN after establishment is ignored.
func (s *Session) handleSYN(p *protocol.Packet) error {
	if _, err := protocol.DecodeSyn(p.Payload); err != nil {
		return err
	}
	if s.state != StateListening {
		if p.Seq == s.peerISN {
			return nil
		}
		return protocol.Errorf(protocol.CodeInvalidSequence, "SYN with new ISN %d on open session", p.Seq)
	}
	if s.attempts > 0 && p.Seq != s.peerISN {
		return protocol.Errorf(protocol.CodeInvalidSequence, "SYN ISN changed from %d to %d", s.peerISN, p.Seq)
	}
	s.peerISN = p.Seq
	s.recv = flow.NewReceiveWindow(p.Seq, s.recvCap)
	s.send.SetPeerWindow(int(p.Window))
	return s.sendSYNACK()
}

// handleSYNACK completes the handshake for the initiator. A repeated
// SYN_ACK means our ACK was lost and is answered again.
func (s *Session) handleSYNACK(p *protocol.Packet) error {
	if _, err := protocol.DecodeSyn(p.Payload); err != nil {
		return err
	}
	if s.state != StateConnecting && !s.rejoin {
		if p.Seq == s.peerISN {
			return s.sendACK()
		}
		return nil
	}
	if p.Ack != s.isn {
		return protocol.Errorf(protocol.CodeInvalidSequence, "SYN_ACK acknowledges %d, sent %d", p.Ack, s.isn)
	}
	s.peerISN = p.Seq
	s.recv = flow.NewReceiveWindow(p.Seq, s.recvCap)
	s.send.SetPeerWindow(int(p.Window))
	if err := s.establish(); err != nil {
		return err
	}
	return s.sendACK()
}

// establish enters ESTABLISHED and starts the session timers.
func (s *Session) establish() error {
	if err := s.transition(StateEstablished); err != nil {
		return err
	}
	s.hsTimer.Stop()
	s.hsTimer = nil
	s.attempts = 0
	if s.rejoin {
		s.rejoin = false
		s.log.Info("handshake recovery succeeded")
	}
	close(s.ready)
	s.armHeartbeat()
	s.armRotation()
	s.log.Info("session established", "peer", s.peer, "offset", s.offset)
	if s.hooks.OnEstablished != nil {
		s.afterUnlock(func() { s.hooks.OnEstablished(s) })
	}
	s.flush()
	return nil
}
