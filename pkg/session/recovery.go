package session

import (
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/recovery"
)

// env exposes the session to recovery strategies. Every method runs with
// the session lock held.
type env struct{ s *Session }

func (e *env) Now() time.Time                           { return e.s.now() }
func (e *env) SessionID() uint64                        { return e.s.id }
func (e *env) Keys() *crypto.KeyRing                    { return e.s.keys }
func (e *env) Send(t protocol.Type, body []byte) error  { return e.s.sendControl(t, body) }
func (e *env) Reconcile(peer protocol.RepairBody) error { return e.s.reconcile(peer) }

// Slew replaces any correction still pending: the offset is measured
// against the already corrected clock. The responder's clock is the
// reference, so only initiators move.
func (e *env) Slew(offset time.Duration) {
	e.s.log.Info("clock offset measured", "offset", offset)
	if e.s.role != RoleInitiator {
		return
	}
	e.s.slewLeft = offset
	e.s.slewStep()
}

func (e *env) SequenceState() protocol.RepairBody {
	return protocol.RepairBody{
		NextExpected: e.s.recv.Expected(),
		LastAcked:    e.s.send.LastAck(),
		NextSend:     e.s.send.NextSeq(),
	}
}

// slewStep applies one bounded part of the pending clock correction and
// schedules the next for one hop later.
func (s *Session) slewStep() {
	s.slewTimer.Stop()
	s.slewTimer = nil
	if s.slewLeft == 0 {
		return
	}
	step := recovery.SlewStep(s.slewLeft)
	s.clockOff += step
	s.slewLeft -= step
	if s.slewLeft != 0 {
		s.slewTimer = s.timers.AfterFunc(protocol.HopInterval, func() {
			s.lock()
			defer s.unlock()
			if !s.closed {
				s.slewStep()
			}
		})
	}
}

// reconcile resets both reorder buffers and resends what the peer has not
// received.
func (s *Session) reconcile(peer protocol.RepairBody) error {
	segs, err := s.send.Reconcile(peer.NextExpected, s.now())
	if err != nil {
		return err
	}
	s.reasm.Reset()
	s.recv.Reset()
	s.armFragTimer()
	s.log.Info("sequence state reconciled", "peer_expected", peer.NextExpected, "resend", len(segs))
	for _, seg := range segs {
		s.sendSegment(seg)
	}
	s.armRTO()
	return nil
}

func (s *Session) sequenceGap(now time.Time) {
	if t, ok := s.detector.SequenceGap(now); ok {
		s.startRecovery(t)
	}
}

// startRecovery opens an episode for t unless one is already running. A
// session still in CONNECTING has no keys confirmed by the peer, so it
// retries the handshake instead.
func (s *Session) startRecovery(t recovery.Trigger) {
	if s.closed {
		return
	}
	if s.state == StateConnecting {
		s.rejoinHandshake(t)
		return
	}
	if s.state != StateEstablished {
		return
	}
	step, ok := s.coord.Open(t)
	if !ok {
		return
	}
	_ = s.transition(StateRecovering)
	s.stats.Recoveries++
	s.log.Warn("recovery started", "trigger", t, "strategy", step.Kind, "episode", step.Episode)
	s.announce(step, protocol.RecoveryPhaseStart)
	s.runStep(step)
}

// runStep runs step after its backoff delay and fails it if no answer
// completes it within RoundTripTimeout.
func (s *Session) runStep(step recovery.Step) {
	s.recTimer.Stop()
	s.recTimer = s.timers.AfterFunc(step.Delay, func() {
		s.lock()
		defer s.unlock()
		if !s.current(step) {
			return
		}
		if err := s.coord.Run(step); err != nil {
			s.log.Debug("recovery attempt failed", "strategy", step.Kind, "attempt", step.Attempt, "error", err)
			s.failStep(step)
			return
		}
		s.recTimer = s.timers.AfterFunc(recovery.RoundTripTimeout, func() {
			s.lock()
			defer s.unlock()
			if s.current(step) {
				s.failStep(step)
			}
		})
	})
}

// current reports whether step is the attempt in flight.
func (s *Session) current(step recovery.Step) bool {
	return !s.closed && s.coord.Active() &&
		s.coord.Episode() == step.Episode &&
		s.coord.Kind() == step.Kind &&
		s.coord.Attempt() == step.Attempt
}

func (s *Session) currentStep() recovery.Step {
	return recovery.Step{
		Kind:    s.coord.Kind(),
		Attempt: s.coord.Attempt(),
		Episode: s.coord.Episode(),
		Trigger: s.coord.Trigger(),
	}
}

// failStep escalates, or ends the session once every strategy is spent.
func (s *Session) failStep(step recovery.Step) {
	next, ok := s.coord.Fail()
	if !ok {
		s.announce(step, protocol.RecoveryPhaseAbort)
		s.log.Error("recovery exhausted", "trigger", step.Trigger, "episode", step.Episode)
		_ = s.transition(StateError)
		s.teardown(protocol.Errorf(protocol.CodeRecoveryFailed, "recovery exhausted after %s", step.Kind))
		return
	}
	if next.Kind != step.Kind {
		s.log.Warn("recovery escalated", "from", step.Kind, "to", next.Kind)
	}
	s.runStep(next)
}

func (s *Session) recovered() {
	step := s.currentStep()
	s.coord.Succeed()
	s.detector.Reset()
	s.recTimer.Stop()
	s.recTimer = nil
	_ = s.transition(StateEstablished)
	s.announce(step, protocol.RecoveryPhaseSuccess)
	s.log.Info("recovery succeeded", "strategy", step.Kind, "attempt", step.Attempt)
	s.flush()
}

func (s *Session) announce(step recovery.Step, phase uint8) {
	body := protocol.RecoveryBody{
		Strategy: uint8(step.Kind),
		Phase:    phase,
		Attempt:  uint8(step.Attempt),
		Trigger:  uint8(step.Trigger),
		Episode:  step.Episode,
	}
	if err := s.sendControl(protocol.TypeRecovery, body.Marshal()); err != nil {
		s.log.Debug("send recovery notice failed", "error", err)
	}
}

// handleRecovery logs the peer's episode notices.
func (s *Session) handleRecovery(p *protocol.Packet) error {
	body, err := protocol.DecodeRecovery(p.Payload)
	if err != nil {
		return err
	}
	s.log.Info("peer recovery",
		"strategy", recovery.Kind(body.Strategy),
		"phase", body.Phase,
		"attempt", body.Attempt,
		"episode", body.Episode)
	return nil
}

func (s *Session) handleRecoveryRequest(p *protocol.Packet) error {
	return s.coord.HandleRequest(p)
}

// handleRecoveryResponse completes the attempt in flight. A rejection or
// a bad proof fails it at once; anything else is left to the round-trip
// timeout.
func (s *Session) handleRecoveryResponse(p *protocol.Packet) error {
	if !s.coord.Active() {
		return nil
	}
	step := s.currentStep()
	done, err := s.coord.HandleResponse(p)
	if err != nil {
		s.log.Debug("recovery response rejected", "type", p.Type, "error", err)
		switch protocol.CodeOf(err) {
		case protocol.CodeRecoveryFailed, protocol.CodeProofFailed:
			s.failStep(step)
		}
		return err
	}
	if done {
		s.recovered()
	}
	return nil
}

// Backup snapshots the sequence state and seals it under the emergency
// key for storage.
func (s *Session) Backup() (recovery.Backup, [crypto.SealedBackupSize]byte, error) {
	s.lock()
	defer s.unlock()
	if s.closed {
		return recovery.Backup{}, [crypto.SealedBackupSize]byte{}, protocol.ErrSessionClosed
	}
	b := recovery.SnapshotBackup(&env{s})
	key := s.keys.Emergency()
	defer key.Wipe()
	sealed, err := recovery.SealState(key, b, recovery.StoredRound)
	return b, sealed, err
}
