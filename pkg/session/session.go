// Package session implements one covert port-hopping session: handshake,
// reliable ordered delivery, fragmentation, heartbeats, key rotation and
// recovery. All state changes of a session happen under its own mutex;
// packet verification is read-only and may run concurrently.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/replay"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/internal/timer"
	"github.com/TeoSlayer/hopwire/pkg/flow"
	"github.com/TeoSlayer/hopwire/pkg/fragment"
	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/recovery"
)

// Timing defaults.
const (
	HandshakeTimeout  = 2 * time.Second
	HandshakeAttempts = 5
	HeartbeatInterval = 5 * time.Second
	IdleTimeout       = 120 * time.Second
	FINAttempts       = 3
	// MaxTimestampSkew bounds the clock difference accepted on a packet
	// before it is dropped as stale.
	MaxTimestampSkew = 30 * time.Second
	// MaxRetransmits is the number of sends of one segment after which the
	// loss counts as a sequence gap.
	MaxRetransmits = 8
	// SendQueueLimit bounds messages waiting for window space.
	SendQueueLimit = 256
	portRingSize   = 16
	listenerMargin = hopping.MinMargin
)

// HandshakeBackoff spaces SYN and SYN_ACK retransmissions.
var HandshakeBackoff = recovery.Backoff{Base: HandshakeTimeout, Max: 4 * HandshakeTimeout, Jitter: 0.25}

// Output puts datagrams on the wire from a local port.
type Output interface {
	Send(localPort uint16, to netip.AddrPort, data []byte) error
}

// Hooks are called after the session lock is released.
type Hooks struct {
	OnEstablished func(s *Session)
	// OnClosed runs after timers are stopped and keys wiped. The owner
	// releases ports, then removes the session from its table.
	OnClosed func(s *Session, err error)
	// OnError reports an ERROR packet received from the peer. Errors
	// raised while processing a packet are returned by Receive instead.
	OnError func(s *Session, err error)
}

// Config configures one session.
type Config struct {
	SessionID  uint64
	Role       Role
	PSK        []byte
	Peer       netip.Addr
	Output     Output
	Clock      timer.Clock
	Logger     *slog.Logger
	RecvWindow int // reorder capacity in segments, default flow.DefaultRecvWindow
	Hooks      Hooks
}

func (c *Config) recvWindow() int {
	if c.RecvWindow > 0 {
		return c.RecvWindow
	}
	return flow.DefaultRecvWindow
}

// Stats is a snapshot of session counters.
type Stats struct {
	SessionID    uint64
	State        State
	Role         Role
	Generation   uint32
	Margin       int
	CongWin      int
	SSThresh     int
	Phase        flow.Phase
	SRTT         time.Duration
	RTO          time.Duration
	InFlight     int
	Queued       int
	Buffered     int
	PacketsIn    uint64
	PacketsOut   uint64
	BytesIn      uint64
	BytesOut     uint64
	AuthFailures uint64
	Replays      uint64
	OffSchedule  uint64
	Recoveries   uint64
	Recovery     recovery.Kind
	ClockOffset  time.Duration
	Send         flow.SendStats
}

// Session is one authenticated port-hopping conversation with a peer.
type Session struct {
	id     uint64
	role   Role
	peer   netip.Addr
	out    Output
	clock  timer.Clock
	log    *slog.Logger
	hooks  Hooks
	offset uint16

	// read-mostly, safe without mu
	keys *crypto.KeyRing

	mu       sync.Mutex
	state    State
	sched    hopping.Schedule
	listener hopping.Schedule
	margin   int
	peerMarg int

	isn      uint32
	peerISN  uint32
	nonce    [protocol.NonceSize]byte
	attempts int
	rejoin   bool // handshake restarted by a recovery trigger

	send    *flow.SendWindow
	recv    *flow.ReceiveWindow
	recvCap int
	reasm   *fragment.Reassembler
	queue   [][]byte
	fragID  uint16

	txCounter uint64
	filter    replay.Filter
	ports     [portRingSize]uint16
	portIdx   int

	coord    *recovery.Coordinator
	detector *recovery.Detector
	delay    hopping.DelayTracker
	clockOff time.Duration // applied correction
	slewLeft time.Duration // correction still to apply

	timers      *timer.Group
	rtoTimer    *timer.Handle
	fragTimer   *timer.Handle
	hsTimer     *timer.Handle
	hbTimer     *timer.Handle
	rotTimer    *timer.Handle
	recTimer    *timer.Handle
	slewTimer   *timer.Handle
	finAttempts int
	closing     bool // local close requested
	closed      bool

	inbox    [][]byte
	readable chan struct{}
	writable chan struct{}
	ready    chan struct{}
	done     chan struct{}
	eof      bool
	err      error

	lastRecv time.Time
	stats    Stats
	after    []func()
}

// New creates a session in CLOSED. Initiators call Connect; responders are
// created by Accept.
func New(cfg Config) (*Session, error) {
	if len(cfg.PSK) == 0 {
		return nil, protocol.ErrNoPSK
	}
	if cfg.Output == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParameter, "session needs an output")
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.System
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Clock.Now()
	keys := crypto.NewKeyRing(cfg.PSK, cfg.SessionID, now)
	keys.Rotate(now)
	daily := keys.Daily()

	s := &Session{
		id:       cfg.SessionID,
		role:     cfg.Role,
		peer:     cfg.Peer,
		out:      cfg.Output,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("session_id", hexID(cfg.SessionID), "role", cfg.Role.String()),
		hooks:    cfg.Hooks,
		offset:   hopping.OffsetFor(daily, cfg.SessionID),
		keys:     keys,
		sched:    hopping.Schedule{Daily: daily, SessionID: cfg.SessionID, DailyAt: keys.DailyAt},
		listener: hopping.Schedule{Daily: daily, SessionID: hopping.ListenerSessionID, DailyAt: keys.DailyAt},
		margin:   hopping.MinMargin,
		isn:      randomUint32(),
		recvCap:  cfg.recvWindow(),
		recv:     flow.NewReceiveWindow(0, cfg.recvWindow()),
		reasm:    fragment.NewReassembler(),
		detector: recovery.NewDetector(),
		timers:   timer.NewGroup(cfg.Clock),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		lastRecv: now,
	}
	s.sched.Offset = s.offset
	s.send = flow.NewSendWindow(s.isn)
	s.coord = recovery.NewCoordinator(&env{s}, recovery.DefaultBackoff, recovery.DefaultStrategies()...)
	_, _ = rand.Read(s.nonce[:])
	return s, nil
}

func (s *Session) ID() uint64            { return s.id }
func (s *Session) Role() Role            { return s.role }
func (s *Session) Peer() netip.Addr      { return s.peer }
func (s *Session) Offset() uint16        { return s.offset }
func (s *Session) Keys() *crypto.KeyRing { return s.keys }

// Ready is closed once the session is ESTABLISHED.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session is CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current primary state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session closed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// lock and unlock bracket every entry point. Functions queued with
// afterUnlock run once the mutex is released.
func (s *Session) lock() { s.mu.Lock() }

func (s *Session) unlock() {
	after := s.after
	s.after = nil
	s.mu.Unlock()
	for _, f := range after {
		f()
	}
}

func (s *Session) afterUnlock(f func()) { s.after = append(s.after, f) }

// now is the corrected session clock.
func (s *Session) now() time.Time {
	return s.clock.Now().Add(s.clockOff)
}

// Ports returns the ports the session must listen on at now: its own
// schedule within the negotiated margin, and during the handshake the
// listener schedule a SYN may still be retransmitted to.
func (s *Session) Ports(now time.Time) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	t := now.Add(s.clockOff)
	ports := s.sched.Candidates(t, s.margin)
	return hopping.Set(ports)
}

// acceptsPort reports whether a datagram that arrived on port fits the
// schedule at the session's clock.
func (s *Session) acceptsPort(port uint16, now time.Time) bool {
	for _, p := range s.sched.Candidates(now, s.margin) {
		if p == port {
			return true
		}
	}
	if s.handshaking() {
		for _, p := range s.listener.Candidates(now, listenerMargin) {
			if p == port {
				return true
			}
		}
	}
	return false
}

// RecentPorts returns the last ports the session sent from, oldest first.
func (s *Session) RecentPorts() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint16
	for i := 0; i < portRingSize; i++ {
		p := s.ports[(s.portIdx+i)%portRingSize]
		if p != 0 {
			out = append(out, p)
		}
	}
	return out
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.SessionID = s.id
	st.State = s.state
	st.Role = s.role
	st.Generation = s.keys.Generation()
	st.Margin = s.margin
	st.CongWin = s.send.CC.Window()
	st.SSThresh = s.send.CC.SSThresh()
	st.Phase = s.send.CC.Phase()
	st.SRTT = s.send.RTT.SRTT
	st.RTO = s.send.RTT.RTO
	st.InFlight = s.send.InFlight()
	st.Queued = len(s.queue)
	st.Buffered = s.recv.Buffered()
	st.Recovery = s.coord.Kind()
	st.ClockOffset = s.clockOff
	st.Send = s.send.Stats
	return st
}

// advertised is the receive window in segments: reorder slots not taken by
// buffered segments or undelivered messages.
func (s *Session) advertised() uint16 {
	free := s.recv.Free() - len(s.inbox)
	return uint16(min(max(free, 0), math.MaxUint16))
}

// newPacket fills the common header fields.
func (s *Session) newPacket(t protocol.Type) *protocol.Packet {
	return &protocol.Packet{
		Version:   protocol.Version,
		Type:      t,
		SessionID: s.id,
		Ack:       s.recv.Expected(),
		Window:    s.advertised(),
		SACK:      s.recv.SACK(),
	}
}

// transmit seals p and sends it to the peer's current port. SYN goes to
// the listener schedule; everything else to the session schedule.
func (s *Session) transmit(p *protocol.Packet) error {
	now := s.now()
	s.txCounter++
	p.Counter = s.txCounter
	p.Timestamp = protocol.DayTimestamp(now)

	key := s.sealKey(p.Type)
	buf, err := p.Marshal(key[:])
	key.Wipe()
	if err != nil {
		return err
	}

	local := s.sched.Port(now)
	remote := local
	if p.Type == protocol.TypeSYN {
		remote = s.listener.Port(now)
	}
	s.ports[s.portIdx] = local
	s.portIdx = (s.portIdx + 1) % portRingSize
	s.stats.PacketsOut++
	s.stats.BytesOut += uint64(len(buf))
	return s.out.Send(local, netip.AddrPortFrom(s.peer, remote), buf)
}

// sealKey picks the MAC key for an outgoing packet type. Rekey and
// emergency exchanges use the emergency key so they verify across key
// generations.
func (s *Session) sealKey(t protocol.Type) crypto.Key {
	if usesEmergencyKey(t) {
		return s.keys.Emergency()
	}
	return s.keys.SendKey()
}

func usesEmergencyKey(t protocol.Type) bool {
	switch t {
	case protocol.TypeRekeyRequest, protocol.TypeRekeyResponse,
		protocol.TypeEmergencyRequest, protocol.TypeEmergencyResponse:
		return true
	}
	return false
}

// sendControl transmits a body-only control packet.
func (s *Session) sendControl(t protocol.Type, body []byte) error {
	p := s.newPacket(t)
	p.Seq = s.send.NextSeq()
	p.Payload = body
	return s.transmit(p)
}

func (s *Session) sendRST() {
	p := s.newPacket(protocol.TypeRST)
	p.Seq = s.send.NextSeq()
	p.SetFlag(protocol.FlagRST)
	if err := s.transmit(p); err != nil {
		s.log.Debug("send rst failed", "error", err)
	}
}

func (s *Session) sendError(code protocol.Code, related protocol.Type) {
	body := protocol.ErrorBody{Code: code, Related: related}
	if err := s.sendControl(protocol.TypeError, body.Marshal()); err != nil {
		s.log.Debug("send error failed", "error", err)
	}
}

// teardown moves the session to CLOSED: timers stop, key material is
// wiped, readers and writers are released, and OnClosed runs after the
// lock is dropped. Callers hold s.mu.
func (s *Session) teardown(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.timers.Stop()
	s.keys.Wipe()
	s.sched.Wipe()
	s.listener.Wipe()
	s.send.Drop()
	s.reasm.Reset()
	s.queue = nil
	s.eof = true
	s.err = cause
	s.state = StateClosed
	close(s.done)
	notify(s.readable)
	notify(s.writable)
	if cause != nil {
		s.log.Info("session closed", "error", cause)
	} else {
		s.log.Info("session closed")
	}
	if s.hooks.OnClosed != nil {
		s.afterUnlock(func() { s.hooks.OnClosed(s, cause) })
	}
}

// report hands a peer-reported error to the owner.
func (s *Session) report(err error) {
	if err == nil || s.hooks.OnError == nil {
		return
	}
	s.afterUnlock(func() { s.hooks.OnError(s, err) })
}

// Abort resets the peer and closes the session with err.
func (s *Session) Abort(err error) {
	s.lock()
	defer s.unlock()
	if !s.closed && s.state != StateClosed {
		s.sendRST()
	}
	s.teardown(err)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// RandomID draws a session id. Zero is reserved for the listener schedule.
func RandomID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}

func hexID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
