package daemon

import (
	"context"
	"net/netip"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/discovery"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/recovery"
	"github.com/TeoSlayer/hopwire/pkg/session"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

// sendDiscovery seals a discovery packet with the public per-discovery key
// and sends it from the discovery port.
func (d *Daemon) sendDiscovery(t protocol.Type, id uint64, body []byte, to netip.AddrPort) error {
	p := &protocol.Packet{
		Version:   protocol.Version,
		Type:      t,
		SessionID: id,
		Timestamp: protocol.DayTimestamp(d.clock.Now()),
		Counter:   d.discTx.Add(1),
		Payload:   body,
	}
	key := crypto.DiscoveryKey(id)
	buf, err := p.Marshal(key[:])
	key.Wipe()
	if err != nil {
		return err
	}
	return d.tr.Send(d.config.discoveryPort(), to, buf)
}

// discoveryBackoff spaces DISCOVERY retransmissions.
var discoveryBackoff = recovery.Backoff{Base: discovery.Timeout, Max: 4 * discovery.Timeout, Jitter: 0.25}

// Discover runs PSK discovery against peer and returns the PSK both sides
// hold, preferring the earliest in the local set.
func (d *Daemon) Discover(ctx context.Context, peer netip.Addr) (*crypto.PSK, error) {
	id := session.RandomID()
	in, err := discovery.NewInitiator(id, d.config.PSKs)
	if err != nil {
		return nil, err
	}
	log := d.log.With("discovery_id", hexID(id), "peer", peer)

	ch := make(chan *protocol.Packet, 1)
	d.discMu.Lock()
	d.initiators[id] = ch
	d.discMu.Unlock()
	defer func() {
		d.discMu.Lock()
		delete(d.initiators, id)
		d.discMu.Unlock()
		d.ports.Drop(discoveryOwner(id))
	}()
	port := d.config.discoveryPort()
	if err := d.ports.Claim(discoveryOwner(id), []uint16{port}); err != nil {
		return nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "bind discovery port", err)
	}

	req, err := in.Start()
	if err != nil {
		return nil, err
	}
	to := netip.AddrPortFrom(peer, port)
	if err := d.sendDiscovery(protocol.TypeDiscovery, id, req.Marshal(), to); err != nil {
		return nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "send discovery", err)
	}
	log.Debug("discovery started", "psks", len(d.config.PSKs))

	timeout := time.NewTimer(discoveryBackoff.Delay(0))
	defer timeout.Stop()
	for {
		select {
		case p := <-ch:
			if p.Type == protocol.TypeError {
				body, err := protocol.DecodeError(p.Payload)
				if err != nil {
					return nil, err
				}
				if body.Code.Retryable() {
					log.Debug("peer reported transient discovery failure", "code", body.Code)
					continue
				}
				return nil, protocol.Errorf(body.Code, "peer rejected %s", body.Related)
			}
			resp, err := protocol.DecodeDiscoveryResponse(p.Payload)
			if err != nil {
				return nil, err
			}
			confirm, err := in.HandleResponse(resp)
			if err != nil {
				return nil, err
			}
			if err := d.sendDiscovery(protocol.TypeDiscoveryConfirm, id, confirm.Marshal(), to); err != nil {
				log.Debug("send discovery confirm failed", "error", err)
			}
			if in.State() != discovery.StateCompleted {
				return nil, protocol.NewError(protocol.CodeDiscoveryFailed, "no shared psk")
			}
			d.stats.discoveries.Add(1)
			log.Info("discovery completed", "psk", in.Selected().Name)
			d.report(Event{Kind: EventDiscovered, Peer: peer, Detail: in.Selected().Name})
			return in.Selected(), nil

		case <-timeout.C:
			body, ok := in.Retry()
			if !ok {
				return nil, protocol.Errorf(protocol.CodeDiscoveryTimeout, "no discovery response after %d attempts", in.Attempts())
			}
			log.Debug("discovery retransmit", "attempt", in.Attempts())
			if err := d.sendDiscovery(protocol.TypeDiscovery, id, body.Marshal(), to); err != nil {
				if code := protocol.CodeOf(err); code != protocol.CodeNone && !code.Retryable() {
					return nil, err
				}
				log.Debug("discovery retransmit failed", "error", err)
			}
			timeout.Reset(discoveryBackoff.Delay(in.Attempts() - 1))

		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.stopCh:
			return nil, protocol.ErrSessionClosed
		}
	}
}

// handleDiscovery serves the responder side and routes responses to the
// waiting Discover call.
func (d *Daemon) handleDiscovery(dg *transport.Datagram, p *protocol.Packet) error {
	key := crypto.DiscoveryKey(p.SessionID)
	ok := p.Verify(key[:])
	key.Wipe()
	if !ok {
		return protocol.Errorf(protocol.CodeAuthFailed, "%s failed verification", p.Type)
	}
	now := d.clock.Now()
	src := dg.From.Addr()

	d.discMu.Lock()
	defer d.discMu.Unlock()

	switch p.Type {
	case protocol.TypeDiscoveryResponse, protocol.TypeError:
		ch, ok := d.initiators[p.SessionID]
		if !ok {
			return protocol.Errorf(protocol.CodeSessionNotFound, "%s for unknown discovery %s", p.Type, hexID(p.SessionID))
		}
		select {
		case ch <- p:
		default:
		}
		return nil

	case protocol.TypeDiscovery:
		if !d.config.Listen {
			return protocol.NewError(protocol.CodeSessionNotFound, "discovery while not listening")
		}
		req, err := protocol.DecodeDiscovery(p.Payload)
		if err != nil {
			return err
		}
		if pd, ok := d.responders[p.SessionID]; ok {
			if pd.src == dg.From && pd.r.Matches(req) && pd.r.Response() != nil {
				return d.sendDiscovery(protocol.TypeDiscoveryResponse, p.SessionID, pd.r.Response().Marshal(), dg.From)
			}
			return protocol.Errorf(protocol.CodeInvalidState, "discovery %s already answered", hexID(p.SessionID))
		}
		if err := d.guard.Admit(src, now); err != nil {
			return err
		}
		r, resp, err := discovery.Respond(p.SessionID, d.config.PSKs, req, now)
		if err != nil {
			d.guard.Failed(src, err, now)
			return err
		}
		d.responders[p.SessionID] = &pendingDiscovery{r: r, src: dg.From}
		return d.sendDiscovery(protocol.TypeDiscoveryResponse, p.SessionID, resp.Marshal(), dg.From)

	case protocol.TypeDiscoveryConfirm:
		pd, ok := d.responders[p.SessionID]
		if !ok || pd.src != dg.From {
			return protocol.Errorf(protocol.CodeSessionNotFound, "confirm for unknown discovery %s", hexID(p.SessionID))
		}
		c, err := protocol.DecodeDiscoveryConfirm(p.Payload)
		if err != nil {
			return err
		}
		delete(d.responders, p.SessionID)
		psk, err := pd.r.HandleConfirm(c)
		if err != nil {
			d.guard.Failed(src, err, now)
			return err
		}
		d.stats.discoveries.Add(1)
		d.log.Info("discovery answered", "discovery_id", hexID(p.SessionID), "peer", src, "psk", psk.Name)
		d.report(Event{Kind: EventDiscovered, Peer: src, Detail: psk.Name})
		return nil
	}
	return protocol.Errorf(protocol.CodeMalformedPacket, "%s is not a discovery packet", p.Type)
}

// rejectDiscovery answers a refused DISCOVERY or DISCOVERY_CONFIRM with an
// ERROR sealed under the discovery key, for codes whose policy answers.
func (d *Daemon) rejectDiscovery(p *protocol.Packet, to netip.AddrPort, err error) {
	if p.Type != protocol.TypeDiscovery && p.Type != protocol.TypeDiscoveryConfirm {
		return
	}
	code := protocol.CodeOf(err)
	if pol := code.Policy(); pol != protocol.PolicyRespond && pol != protocol.PolicyBlock {
		return
	}
	body := protocol.ErrorBody{Code: code, Related: p.Type}
	if err := d.sendDiscovery(protocol.TypeError, p.SessionID, body.Marshal(), to); err != nil {
		d.log.Debug("send discovery error failed", "error", err)
	}
}

// awaitsDiscovery reports whether p is an ERROR answering one of our own
// discoveries.
func (d *Daemon) awaitsDiscovery(p *protocol.Packet) bool {
	if p.Type != protocol.TypeError {
		return false
	}
	d.discMu.Lock()
	defer d.discMu.Unlock()
	_, ok := d.initiators[p.SessionID]
	return ok
}

// reapDiscoveries forgets answered discoveries whose confirm never came.
func (d *Daemon) reapDiscoveries(now time.Time) {
	d.discMu.Lock()
	defer d.discMu.Unlock()
	for id, pd := range d.responders {
		if pd.r.Expired(now) {
			d.guard.Failed(pd.src.Addr(), protocol.NewError(protocol.CodeDiscoveryTimeout, "discovery never confirmed"), now)
			delete(d.responders, id)
		}
	}
	d.guard.Reap(now)
}
