package daemon

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/internal/ratelimit"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

// recvLoop hands each datagram to a decode worker. At most Workers
// datagrams are processed at once; the transport queue absorbs bursts.
func (d *Daemon) recvLoop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for dg := range d.tr.Recv() {
		if err := d.workers.Acquire(ctx, 1); err != nil {
			dg.Release()
			break
		}
		go func(dg *transport.Datagram) {
			defer d.workers.Release(1)
			defer dg.Release()
			d.handleDatagram(dg)
		}(dg)
	}
	// drain in-flight workers
	if err := d.workers.Acquire(context.Background(), int64(d.config.workers())); err == nil {
		d.workers.Release(int64(d.config.workers()))
	}
	return nil
}

// handleDatagram runs on a decode worker. Parsing and MAC checks touch no
// session state; only Receive takes the session lock.
func (d *Daemon) handleDatagram(dg *transport.Datagram) {
	src := dg.From.Addr()
	now := d.clock.Now()
	if d.blocked.Blocked(src, now) {
		d.stats.dropped.Add(1)
		return
	}
	p, err := protocol.Parse(dg.Data)
	if err != nil {
		d.handleError(src, nil, err)
		return
	}
	if p.Type.IsDiscovery() || d.awaitsDiscovery(p) {
		if err := d.handleDiscovery(dg, p); err != nil {
			d.rejectDiscovery(p, dg.From, err)
			d.handleError(src, nil, err)
		}
		return
	}

	s, ok := d.sessions.Get(p.SessionID)
	if !ok {
		if p.Type != protocol.TypeSYN {
			d.handleError(src, nil, protocol.Errorf(protocol.CodeSessionNotFound, "%s for unknown session %s", p.Type, hexID(p.SessionID)))
			return
		}
		if err := d.handleSYN(dg, p, now); err != nil {
			d.handleError(src, nil, err)
		}
		return
	}
	if !s.Verify(p) {
		s.AuthFailure()
		d.handleError(src, s, protocol.Errorf(protocol.CodeAuthFailed, "%s failed verification", p.Type))
		return
	}
	if err := s.Receive(p, dg.LocalPort); err != nil {
		d.handleError(src, s, err)
	}
}

// handleSYN admits a SYN for a session id nobody holds: rate limits, the
// replay memory and a PSK that verifies it must all agree before a
// responder is created.
func (d *Daemon) handleSYN(dg *transport.Datagram, p *protocol.Packet, now time.Time) error {
	src := dg.From.Addr()
	if !d.config.Listen {
		return protocol.NewError(protocol.CodeSessionNotFound, "syn while not listening")
	}
	if !d.synSource.Allow(src, now) || !d.synGlobal.Allow(struct{}{}, now) {
		d.stats.synRejected.Add(1)
		return protocol.Errorf(protocol.CodeResourceExhausted, "syn rate exceeded by %s", src)
	}
	psk := d.pskFor(p, now)
	if psk == nil {
		d.stats.synRejected.Add(1)
		return protocol.Errorf(protocol.CodeAuthFailed, "syn %s matches no psk", hexID(p.SessionID))
	}
	// A late retransmission looks exactly like a replay, so a known id is
	// dropped without blocking the source.
	if !d.synSeen.Add(p.SessionID, now) {
		d.stats.synRejected.Add(1)
		return protocol.Errorf(protocol.CodeSessionNotFound, "syn for finished session %s", hexID(p.SessionID))
	}

	s, err := session.NewResponder(d.sessionConfig(psk, src), p)
	if err != nil {
		return err
	}
	if err := d.offsets.Reserve(src.String(), s.Offset(), s.ID()); err != nil {
		s.Abort(err)
		return err
	}
	if err := d.register(s); err != nil {
		d.offsets.Release(src.String(), s.Offset(), s.ID())
		s.Abort(err)
		return err
	}
	// Answer tears the session down itself on failure; OnClosed cleans up.
	return s.Answer(p, dg.LocalPort)
}

// pskFor returns the configured PSK the SYN was sealed with.
func (d *Daemon) pskFor(p *protocol.Packet, now time.Time) *crypto.PSK {
	for _, psk := range d.config.PSKs {
		if session.VerifySYN(psk.Key, p, now) {
			return psk
		}
	}
	return nil
}

// synCache remembers the session ids of admitted SYNs. A SYN is only
// accepted while its timestamp is fresh, so SYNMemory covers the whole
// replay window.
type synCache struct {
	mu   sync.Mutex
	seen map[uint64]time.Time
}

func newSYNCache() *synCache {
	return &synCache{seen: make(map[uint64]time.Time)}
}

// Add records id and reports whether it was new. A full cache refuses new
// ids rather than forgetting live ones.
func (c *synCache) Add(id uint64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.seen[id]; ok && now.Sub(t) < SYNMemory {
		return false
	}
	if len(c.seen) >= ratelimit.MaxEntries {
		c.reapLocked(now)
		if len(c.seen) >= ratelimit.MaxEntries {
			return false
		}
	}
	c.seen[id] = now
	return true
}

func (c *synCache) Reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked(now)
}

func (c *synCache) reapLocked(now time.Time) {
	for id, t := range c.seen {
		if now.Sub(t) >= SYNMemory {
			delete(c.seen, id)
		}
	}
}

// policyHandlers reacts to an error according to its code's policy. The
// session or the discovery responder has already answered the peer for
// Respond and Block codes.
var policyHandlers = map[protocol.Policy]func(d *Daemon, src netip.Addr, s *session.Session, err error){
	protocol.PolicyDrop:    (*Daemon).onDrop,
	protocol.PolicyRespond: (*Daemon).onRespond,
	protocol.PolicyBlock:   (*Daemon).onBlock,
	protocol.PolicyLocal:   (*Daemon).onLocal,
}

func (d *Daemon) handleError(src netip.Addr, s *session.Session, err error) {
	code := protocol.CodeOf(err)
	policy := code.Policy()
	if code == protocol.CodeNone {
		policy = protocol.PolicyLocal
	}
	policyHandlers[policy](d, src, s, err)
}

func (d *Daemon) errorEvent(src netip.Addr, s *session.Session, err error) Event {
	ev := Event{Kind: EventError, Peer: src, Code: protocol.CodeOf(err), Err: err}
	if s != nil {
		ev.SessionID = s.ID()
		ev.State = s.State().String()
	}
	return ev
}

func (d *Daemon) onDrop(src netip.Addr, s *session.Session, err error) {
	d.stats.dropped.Add(1)
	d.log.Debug("packet dropped", "source", src, "code", protocol.CodeOf(err), "error", err)
	d.report(d.errorEvent(src, s, err))
}

func (d *Daemon) onRespond(src netip.Addr, s *session.Session, err error) {
	d.stats.responded.Add(1)
	d.log.Debug("packet rejected", "source", src, "code", protocol.CodeOf(err), "error", err)
	d.report(d.errorEvent(src, s, err))
}

func (d *Daemon) onBlock(src netip.Addr, s *session.Session, err error) {
	d.stats.blocked.Add(1)
	d.blocked.Block(src, d.clock.Now())
	d.log.Warn("source blocked", "source", src, "code", protocol.CodeOf(err), "cooldown", d.config.blockCooldown(), "error", err)
	ev := d.errorEvent(src, s, err)
	ev.Kind = EventBlocked
	d.report(ev)
}

func (d *Daemon) onLocal(src netip.Addr, s *session.Session, err error) {
	d.log.Debug("local error", "source", src, "error", err)
	d.report(d.errorEvent(src, s, err))
}
