// Package daemon hosts the engine: it owns the transport and the session
// table, keeps the hop ports bound, decodes datagrams on a bounded worker
// pool and turns dials and inbound SYNs into sessions.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/internal/ratelimit"
	"github.com/TeoSlayer/hopwire/internal/timer"
	"github.com/TeoSlayer/hopwire/pkg/discovery"
	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

type Config struct {
	ListenAddr    netip.Addr    // local address hop ports are bound on (zero = all interfaces)
	PSKs          []*crypto.PSK // local key set in preference order
	Listen        bool          // accept inbound sessions and answer discovery
	DiscoveryPort uint16        // fixed port for PSK discovery (zero = default)
	StateDir      string        // directory for sealed session backups (empty = none)
	WebhookURL    string        // HTTP(S) endpoint for event notifications (empty = disabled)

	Transport transport.Transport // nil = UDP sockets on ListenAddr
	Clock     timer.Clock         // nil = system clock
	Logger    *slog.Logger        // nil = slog.Default()
	Reporter  Reporter            // nil = log events through Logger

	// Tuning (zero = use defaults)
	Workers           int           // default 64
	SYNRateLimit      int           // default 100
	PerSourceSYNLimit int           // default 10
	MaxSessions       int           // default 4096
	AcceptBacklog     int           // default 128
	BlockCooldown     time.Duration // default 60s
	SweepInterval     time.Duration // default 15s
	RecvWindow        int           // default flow.DefaultRecvWindow
}

// Default tuning constants (used when Config fields are zero).
const (
	DefaultDiscoveryPort     = 7443
	DefaultWorkers           = 64
	DefaultSYNRateLimit      = 100
	DefaultPerSourceSYNLimit = 10
	DefaultMaxSessions       = 4096
	DefaultAcceptBacklog     = 128
	DefaultBlockCooldown     = 60 * time.Second
	DefaultSweepInterval     = 15 * time.Second
)

const (
	// MaxOffsetDraws bounds how many session ids Dial draws looking for a
	// free connection offset towards one peer.
	MaxOffsetDraws = 16
	// SYNMemory is how long a SYN's session id is remembered so a
	// replayed SYN cannot open a second session.
	SYNMemory = 2 * session.MaxTimestampSkew
)

func (c *Config) discoveryPort() uint16 {
	if c.DiscoveryPort > 0 {
		return c.DiscoveryPort
	}
	return DefaultDiscoveryPort
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkers
}

func (c *Config) synRateLimit() int {
	if c.SYNRateLimit > 0 {
		return c.SYNRateLimit
	}
	return DefaultSYNRateLimit
}

func (c *Config) perSourceSYNLimit() int {
	if c.PerSourceSYNLimit > 0 {
		return c.PerSourceSYNLimit
	}
	return DefaultPerSourceSYNLimit
}

func (c *Config) maxSessions() int {
	if c.MaxSessions > 0 {
		return c.MaxSessions
	}
	return DefaultMaxSessions
}

func (c *Config) acceptBacklog() int {
	if c.AcceptBacklog > 0 {
		return c.AcceptBacklog
	}
	return DefaultAcceptBacklog
}

func (c *Config) blockCooldown() time.Duration {
	if c.BlockCooldown > 0 {
		return c.BlockCooldown
	}
	return DefaultBlockCooldown
}

func (c *Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return DefaultSweepInterval
}

type Daemon struct {
	config   Config
	log      *slog.Logger
	clock    timer.Clock
	tr       transport.Transport
	sessions *session.Table
	ports    *PortManager
	offsets  *hopping.OffsetSet
	reporter *asyncReporter
	backups  *backupStore
	workers  *semaphore.Weighted

	synGlobal *ratelimit.Limiter[struct{}]
	synSource *ratelimit.Limiter[netip.Addr]
	synSeen   *synCache
	blocked   *ratelimit.Blocklist[netip.Addr]

	discMu     sync.Mutex
	guard      *discovery.Guard
	responders map[uint64]*pendingDiscovery
	initiators map[uint64]chan *protocol.Packet
	discTx     atomic.Uint64

	acceptCh  chan *Conn
	stats     counters
	stopCh    chan struct{} // closed on Stop() to signal goroutines
	stopOnce  sync.Once
	eg        *errgroup.Group
	startTime time.Time
}

// pendingDiscovery is a discovery this daemon answered and is waiting to
// see confirmed.
type pendingDiscovery struct {
	r   *discovery.Responder
	src netip.AddrPort
}

func New(cfg Config) (*Daemon, error) {
	if len(cfg.PSKs) == 0 {
		return nil, protocol.ErrNoPSK
	}
	if len(cfg.PSKs) > discovery.MaxPSKs {
		return nil, protocol.Errorf(protocol.CodeInvalidParameter, "%d psks configured (max %d)", len(cfg.PSKs), discovery.MaxPSKs)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.System
	}
	if !cfg.ListenAddr.IsValid() {
		cfg.ListenAddr = netip.IPv4Unspecified()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewUDP(cfg.ListenAddr, cfg.Logger)
	}
	reporters := []Reporter{cfg.Reporter}
	if cfg.Reporter == nil {
		reporters[0] = &LogReporter{Logger: cfg.Logger}
	}
	if cfg.WebhookURL != "" {
		reporters = append(reporters, NewWebhookReporter(cfg.WebhookURL, cfg.Logger))
	}

	d := &Daemon{
		config:     cfg,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		tr:         cfg.Transport,
		sessions:   session.NewTable(),
		ports:      NewPortManager(cfg.Transport, cfg.Logger),
		offsets:    hopping.NewOffsetSet(),
		reporter:   newAsyncReporter(reporters...),
		workers:    semaphore.NewWeighted(int64(cfg.workers())),
		synGlobal:  ratelimit.NewLimiter[struct{}](cfg.synRateLimit()),
		synSource:  ratelimit.NewLimiter[netip.Addr](cfg.perSourceSYNLimit()),
		synSeen:    newSYNCache(),
		blocked:    ratelimit.NewBlocklist[netip.Addr](cfg.blockCooldown()),
		guard:      discovery.NewGuard(),
		responders: make(map[uint64]*pendingDiscovery),
		initiators: make(map[uint64]chan *protocol.Packet),
		acceptCh:   make(chan *Conn, cfg.acceptBacklog()),
		stopCh:     make(chan struct{}),
	}
	if cfg.StateDir != "" {
		b, err := newBackupStore(cfg.StateDir)
		if err != nil {
			d.reporter.Close()
			return nil, err
		}
		d.backups = b
	}
	return d, nil
}

// Start binds the first set of hop ports and starts the receive, hop and
// sweep loops. They run until Stop.
func (d *Daemon) Start() error {
	d.startTime = d.clock.Now()
	if err := d.syncPorts(d.startTime); err != nil {
		d.log.Warn("initial port bind incomplete", "error", err)
	}
	d.eg = &errgroup.Group{}
	d.eg.Go(d.recvLoop)
	d.eg.Go(d.hopLoop)
	d.eg.Go(d.sweepLoop)
	d.log.Info("daemon started",
		"listen", d.config.Listen,
		"psks", len(d.config.PSKs),
		"discovery_port", d.config.discoveryPort(),
	)
	return nil
}

// Stop resets every session, releases all ports and waits for the loops
// to exit.
func (d *Daemon) Stop() error {
	stopped := false
	d.stopOnce.Do(func() {
		close(d.stopCh)
		stopped = true
	})
	if !stopped {
		return nil
	}

	n := 0
	d.sessions.Range(func(s *session.Session) bool {
		s.Abort(protocol.ErrSessionClosed)
		n++
		return true
	})
	if n > 0 {
		d.log.Info("closed active sessions", "count", n)
	}

	errs := []error{d.tr.Close()}
	if d.eg != nil {
		errs = append(errs, d.eg.Wait())
	}
	d.reporter.Close()
	return errors.Join(errs...)
}

// Done is closed once Stop has been called.
func (d *Daemon) Done() <-chan struct{} { return d.stopCh }

// Accept returns the next inbound session once it is established.
func (d *Daemon) Accept(ctx context.Context) (*Conn, error) {
	if !d.config.Listen {
		return nil, protocol.NewError(protocol.CodeInvalidState, "daemon is not listening")
	}
	select {
	case c := <-d.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopCh:
		return nil, protocol.ErrSessionClosed
	}
}

// Session returns the live session with id.
func (d *Daemon) Session(id uint64) (*session.Session, bool) {
	return d.sessions.Get(id)
}

// sessionConfig builds the config every session of this daemon shares.
func (d *Daemon) sessionConfig(psk *crypto.PSK, peer netip.Addr) session.Config {
	return session.Config{
		PSK:        psk.Key,
		Peer:       peer,
		Output:     (*output)(d),
		Clock:      d.clock,
		Logger:     d.log.With("peer", peer.String(), "psk", psk.Name),
		RecvWindow: d.config.RecvWindow,
		Hooks: session.Hooks{
			OnEstablished: d.onEstablished,
			OnClosed:      d.onClosed,
			OnError:       d.onPeerError,
		},
	}
}

// register adds s to the table and binds its ports before it sends
// anything, so the first answer always finds an open port.
func (d *Daemon) register(s *session.Session) error {
	if d.sessions.Len() >= d.config.maxSessions() {
		return protocol.Errorf(protocol.CodeResourceExhausted, "session limit %d reached", d.config.maxSessions())
	}
	if err := d.sessions.Add(s); err != nil {
		return err
	}
	if err := d.ports.Claim(sessionOwner(s.ID()), s.Ports(d.clock.Now())); err != nil {
		d.log.Debug("session port bind incomplete", "session_id", hexID(s.ID()), "error", err)
	}
	return nil
}

func (d *Daemon) onEstablished(s *session.Session) {
	d.stats.established.Add(1)
	d.report(Event{Kind: EventEstablished, SessionID: s.ID(), Peer: s.Peer(), State: session.StateEstablished.String()})
	if d.backups != nil {
		if err := d.backups.Save(s); err != nil {
			d.log.Warn("session backup failed", "session_id", hexID(s.ID()), "error", err)
		}
	}
	if s.Role() != session.RoleResponder {
		return
	}
	select {
	case d.acceptCh <- newConn(s, d):
	default:
		d.log.Warn("accept backlog full, resetting session", "session_id", hexID(s.ID()), "peer", s.Peer())
		s.Abort(protocol.NewError(protocol.CodeResourceExhausted, "accept backlog full"))
	}
}

// onClosed releases what the session held: ports first, then the offset,
// then the table entry.
func (d *Daemon) onClosed(s *session.Session, err error) {
	d.ports.Drop(sessionOwner(s.ID()))
	d.offsets.Release(s.Peer().String(), s.Offset(), s.ID())
	d.sessions.Remove(s)
	if d.backups != nil {
		d.backups.Remove(s.ID())
	}
	d.stats.closed.Add(1)
	ev := Event{Kind: EventClosed, SessionID: s.ID(), Peer: s.Peer(), State: session.StateClosed.String(), Err: err}
	if err != nil {
		ev.Code = protocol.CodeOf(err)
	}
	d.report(ev)
}

func (d *Daemon) onPeerError(s *session.Session, err error) {
	d.report(Event{Kind: EventPeerError, SessionID: s.ID(), Peer: s.Peer(), State: s.State().String(), Code: protocol.CodeOf(err), Err: err})
}

func (d *Daemon) report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = d.clock.Now()
	}
	d.reporter.Report(ev)
}

// output is the session Output: it records the source port with the port
// manager so on-demand binds are released, then sends.
type output Daemon

func (o *output) Send(localPort uint16, to netip.AddrPort, data []byte) error {
	d := (*Daemon)(o)
	d.ports.Touch(localPort)
	return d.tr.Send(localPort, to, data)
}

// Stats is a snapshot of daemon counters.
type Stats struct {
	Uptime         time.Duration
	Sessions       int
	BoundPorts     int
	Established    uint64
	Closed         uint64
	Dropped        uint64
	Responded      uint64
	Blocked        uint64
	SYNRejected    uint64
	Discoveries    uint64
	ReportsDropped uint64
	Transport      transport.Stats
}

type counters struct {
	established atomic.Uint64
	closed      atomic.Uint64
	dropped     atomic.Uint64
	responded   atomic.Uint64
	blocked     atomic.Uint64
	synRejected atomic.Uint64
	discoveries atomic.Uint64
}

func (d *Daemon) Stats() Stats {
	st := Stats{
		Sessions:       d.sessions.Len(),
		BoundPorts:     d.ports.Len(),
		Established:    d.stats.established.Load(),
		Closed:         d.stats.closed.Load(),
		Dropped:        d.stats.dropped.Load(),
		Responded:      d.stats.responded.Load(),
		Blocked:        d.stats.blocked.Load(),
		SYNRejected:    d.stats.synRejected.Load(),
		Discoveries:    d.stats.discoveries.Load(),
		ReportsDropped: d.reporter.Dropped(),
		Transport:      d.tr.Stats(),
	}
	if !d.startTime.IsZero() {
		st.Uptime = d.clock.Now().Sub(d.startTime)
	}
	return st
}

// SessionStats snapshots every live session.
func (d *Daemon) SessionStats() []session.Stats {
	var out []session.Stats
	d.sessions.Range(func(s *session.Session) bool {
		out = append(out, s.Stats())
		return true
	})
	return out
}

func hexID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
