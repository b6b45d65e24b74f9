package daemon

import (
	"context"
	"errors"
	"net/netip"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
)

// DialOptions select the PSK for a new session.
type DialOptions struct {
	// PSK forces a key. When nil, a daemon holding exactly one PSK uses it
	// and one holding several runs discovery first.
	PSK *crypto.PSK
	// Discover runs discovery even when a single PSK is configured.
	Discover bool
}

// Dial opens a session to peer and waits until it is established, the
// handshake fails or ctx ends.
func (d *Daemon) Dial(ctx context.Context, peer netip.Addr, opts DialOptions) (*Conn, error) {
	select {
	case <-d.stopCh:
		return nil, protocol.ErrSessionClosed
	default:
	}
	psk, err := d.dialPSK(ctx, peer, opts)
	if err != nil {
		return nil, err
	}

	s, err := d.newInitiator(psk, peer)
	if err != nil {
		return nil, err
	}
	if err := d.register(s); err != nil {
		d.offsets.Release(peer.String(), s.Offset(), s.ID())
		s.Abort(err)
		return nil, err
	}
	if err := s.Connect(); err != nil {
		s.Abort(err)
		return nil, err
	}

	select {
	case <-s.Ready():
		return newConn(s, d), nil
	case <-s.Done():
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.ErrSessionClosed
	case <-ctx.Done():
		s.Abort(ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.ErrDialTimeout
		}
		return nil, ctx.Err()
	case <-d.stopCh:
		return nil, protocol.ErrSessionClosed
	}
}

func (d *Daemon) dialPSK(ctx context.Context, peer netip.Addr, opts DialOptions) (*crypto.PSK, error) {
	if opts.PSK != nil {
		return opts.PSK, nil
	}
	if len(d.config.PSKs) == 1 && !opts.Discover {
		return d.config.PSKs[0], nil
	}
	return d.Discover(ctx, peer)
}

// newInitiator draws session ids until one lands on a connection offset no
// other session to peer holds.
func (d *Daemon) newInitiator(psk *crypto.PSK, peer netip.Addr) (*session.Session, error) {
	key := peer.String()
	now := d.clock.Now()
	daily := crypto.DailyKey(psk.Key, now)
	defer daily.Wipe()

	for range MaxOffsetDraws {
		id := session.RandomID()
		off := hopping.OffsetFor(daily, id)
		if d.offsets.Reserve(key, off, id) != nil {
			continue
		}
		cfg := d.sessionConfig(psk, peer)
		cfg.SessionID = id
		cfg.Role = session.RoleInitiator
		s, err := session.New(cfg)
		if err != nil {
			d.offsets.Release(key, off, id)
			return nil, err
		}
		return s, nil
	}
	return nil, protocol.Errorf(protocol.CodeResourceExhausted, "no free connection offset to %s after %d draws", peer, MaxOffsetDraws)
}
