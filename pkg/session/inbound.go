package session

import (
	"math"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

type handler struct {
	states stateSet
	fn     func(*Session, *protocol.Packet) error
}

var (
	opening = statesOf(StateConnecting, StateListening, StateEstablished, StateRecovering, StateClosing)
	live    = statesOf(StateEstablished, StateRecovering, StateClosing)
)

// handlers maps each packet type to the states it is legal in. Anything
// else is answered with RST and otherwise ignored.
var handlers = map[protocol.Type]handler{
	protocol.TypeSYN:               {statesOf(StateListening, StateEstablished, StateRecovering), (*Session).handleSYN},
	protocol.TypeSYNACK:            {statesOf(StateConnecting, StateEstablished, StateRecovering), (*Session).handleSYNACK},
	protocol.TypeACK:               {live, (*Session).handleACK},
	protocol.TypeData:              {live, (*Session).handleData},
	protocol.TypeFragment:          {live, (*Session).handleFragment},
	protocol.TypeFIN:               {live, (*Session).handleFIN},
	protocol.TypeHeartbeat:         {live, (*Session).handleHeartbeat},
	protocol.TypeWindowUpdate:      {live, (*Session).handleWindowUpdate},
	protocol.TypeRecovery:          {live, (*Session).handleRecovery},
	protocol.TypeRST:               {opening, (*Session).handleRST},
	protocol.TypeError:             {opening, (*Session).handleError},
	protocol.TypeTimeSyncRequest:   {live, (*Session).handleRecoveryRequest},
	protocol.TypeRepairRequest:     {live, (*Session).handleRecoveryRequest},
	protocol.TypeRekeyRequest:      {live, (*Session).handleRecoveryRequest},
	protocol.TypeEmergencyRequest:  {live, (*Session).handleRecoveryRequest},
	protocol.TypeTimeSyncResponse:  {live, (*Session).handleRecoveryResponse},
	protocol.TypeRepairResponse:    {live, (*Session).handleRecoveryResponse},
	protocol.TypeRekeyResponse:     {live, (*Session).handleRecoveryResponse},
	protocol.TypeEmergencyResponse: {live, (*Session).handleRecoveryResponse},
}

// Verify checks the MAC of p against the keys its type is sealed with.
// It takes no session lock and is safe for concurrent use.
func (s *Session) Verify(p *protocol.Packet) bool {
	if p.SessionID != s.id {
		return false
	}
	if !usesEmergencyKey(p.Type) {
		return s.keys.VerifyWith(p.Verify)
	}
	ok := false
	for _, k := range s.keys.EmergencyCandidates(s.clock.Now()) {
		if !ok && p.Verify(k[:]) {
			ok = true
		}
		k.Wipe()
	}
	return ok
}

// AuthFailure records a packet for this session that failed
// verification. Repeated failures open a recovery episode.
func (s *Session) AuthFailure() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.stats.AuthFailures++
	if t, ok := s.detector.AuthFailure(s.now()); ok {
		s.startRecovery(t)
	}
}

// Receive processes a verified packet that arrived on localPort. The
// returned error carries a protocol code whose policy tells the caller
// how to treat the source; the session has already answered the peer
// where the policy asks for it.
func (s *Session) Receive(p *protocol.Packet, localPort uint16) error {
	s.lock()
	defer s.unlock()
	return s.receive(p, localPort)
}

func (s *Session) receive(p *protocol.Packet, localPort uint16) error {
	if s.closed {
		return protocol.NewError(protocol.CodeSessionNotFound, "session closed")
	}
	now := s.now()
	if !s.filter.ValidateCounter(p.Counter, math.MaxUint64) {
		s.stats.Replays++
		s.sendError(protocol.CodeReplayDetected, p.Type)
		return protocol.Errorf(protocol.CodeReplayDetected, "%s counter %d", p.Type, p.Counter)
	}
	skew := time.Duration(protocol.TimestampDelta(p.Timestamp, protocol.DayTimestamp(now))) * time.Millisecond
	if skew.Abs() > MaxTimestampSkew {
		return protocol.Errorf(protocol.CodeInvalidTimestamp, "%s timestamp off by %s", p.Type, skew)
	}
	if !p.Type.IsRecovery() && !s.acceptsPort(localPort, now) {
		s.stats.OffSchedule++
		if t, ok := s.detector.Drift(time.Duration(s.margin+1)*protocol.HopInterval, now); ok {
			s.startRecovery(t)
		}
		return protocol.Errorf(protocol.CodeInvalidTimestamp, "%s on port %d outside schedule", p.Type, localPort)
	}

	// Anything after the SYN that acknowledges our ISN completes the
	// responder's handshake, even when the bare ACK was lost.
	if s.state == StateListening && p.Type != protocol.TypeSYN && p.Type != protocol.TypeRST &&
		s.attempts > 0 && p.Ack == s.isn {
		if err := s.establish(); err != nil {
			return err
		}
	}

	h, ok := handlers[p.Type]
	if !ok || !h.states.has(s.state) {
		if p.Type != protocol.TypeRST {
			s.sendRST()
		}
		return protocol.Errorf(protocol.CodeInvalidState, "%s in %s", p.Type, s.state)
	}

	s.lastRecv = now
	s.stats.PacketsIn++
	s.stats.BytesIn += uint64(protocol.HeaderSize + len(p.Payload))
	if t, ok := s.detector.Drift(skew+s.send.RTT.SRTT/2, now); ok {
		s.startRecovery(t)
	}

	err := h.fn(s, p)
	if err == nil {
		return nil
	}
	if p.Type.IsRecovery() {
		// strategies answer their own rejections
		return protocol.WrapError(protocol.CodeRecoveryFailed, p.Type.String(), err)
	}
	code := protocol.CodeOf(err)
	if pol := code.Policy(); (pol == protocol.PolicyRespond || pol == protocol.PolicyBlock) && !s.closed {
		s.sendError(code, p.Type)
	}
	return err
}
