package daemon

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

// PortOverlap is how many hops a port stays bound after its last owner
// stopped wanting it, so packets sent just before a hop still land.
const PortOverlap = 1

// Owner identifies who holds a claim on hop ports.
type Owner struct {
	Kind OwnerKind
	ID   uint64
}

type OwnerKind uint8

const (
	OwnerListener OwnerKind = iota
	OwnerSession
	OwnerDiscovery
)

var listenerOwner = Owner{Kind: OwnerListener}

func sessionOwner(id uint64) Owner   { return Owner{Kind: OwnerSession, ID: id} }
func discoveryOwner(id uint64) Owner { return Owner{Kind: OwnerDiscovery, ID: id} }

// PortManager binds the union of the ports its owners claim. A port
// released by its last owner drains for PortOverlap hops before it is
// unbound; dropping an owner outright unbinds its ports at once.
type PortManager struct {
	tr  transport.Transport
	log *slog.Logger

	mu       sync.Mutex
	claims   map[Owner]map[uint16]struct{}
	refs     map[uint16]int
	draining map[uint16]uint64 // port -> hop it was released in
	hop      uint64
}

func NewPortManager(tr transport.Transport, log *slog.Logger) *PortManager {
	if log == nil {
		log = slog.Default()
	}
	return &PortManager{
		tr:       tr,
		log:      log,
		claims:   make(map[Owner]map[uint16]struct{}),
		refs:     make(map[uint16]int),
		draining: make(map[uint16]uint64),
	}
}

// Claim replaces owner's claim with ports. Newly wanted ports are bound
// immediately; ports no longer wanted by anyone start draining.
func (pm *PortManager) Claim(owner Owner, ports []uint16) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	next := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		next[p] = struct{}{}
	}
	prev := pm.claims[owner]

	var errs []error
	for p := range next {
		if _, ok := prev[p]; ok {
			continue
		}
		pm.refs[p]++
		if pm.refs[p] == 1 {
			delete(pm.draining, p)
			if err := pm.tr.Bind(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			pm.releaseLocked(p)
		}
	}
	if len(next) == 0 {
		delete(pm.claims, owner)
	} else {
		pm.claims[owner] = next
	}
	return errors.Join(errs...)
}

func (pm *PortManager) releaseLocked(p uint16) {
	pm.refs[p]--
	if pm.refs[p] <= 0 {
		delete(pm.refs, p)
		pm.draining[p] = pm.hop
	}
}

// Drop removes owner's claim and unbinds every port nobody else holds
// without draining.
func (pm *PortManager) Drop(owner Owner) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for p := range pm.claims[owner] {
		pm.refs[p]--
		if pm.refs[p] > 0 {
			continue
		}
		delete(pm.refs, p)
		delete(pm.draining, p)
		pm.unbindLocked(p)
	}
	delete(pm.claims, owner)
}

// Touch notes a port bound on demand by a send. Unless some owner claims
// it, it is drained like a released port.
func (pm *PortManager) Touch(p uint16) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.refs[p] == 0 {
		pm.draining[p] = pm.hop
	}
}

// Advance moves to the next hop and unbinds ports that have drained for
// PortOverlap hops.
func (pm *PortManager) Advance() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.hop++
	for p, since := range pm.draining {
		if pm.hop-since > PortOverlap {
			delete(pm.draining, p)
			pm.unbindLocked(p)
		}
	}
}

func (pm *PortManager) unbindLocked(p uint16) {
	if err := pm.tr.Unbind(p); err != nil {
		pm.log.Debug("unbind failed", "port", p, "error", err)
	}
}

// Claimed reports whether any owner holds p.
func (pm *PortManager) Claimed(p uint16) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.refs[p] > 0
}

// Len returns the number of claimed or draining ports.
func (pm *PortManager) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.refs) + len(pm.draining)
}

// listenerPorts returns the listener schedule ports for psk around now.
// Each window uses the daily key of its own date.
func listenerPorts(psk []byte, now time.Time) []uint16 {
	out := make([]uint16, 0, 2*hopping.MinMargin+1)
	for d := -hopping.MinMargin; d <= hopping.MinMargin; d++ {
		t := now.Add(time.Duration(d) * protocol.HopInterval)
		daily := crypto.DailyKey(psk, t)
		out = append(out, hopping.PortFor(daily, hopping.ListenerSessionID, protocol.TimeWindow(t), 0))
		daily.Wipe()
	}
	return out
}

// syncPorts refreshes every claim for the hop containing now.
func (d *Daemon) syncPorts(now time.Time) error {
	var errs []error
	if d.config.Listen {
		want := []uint16{d.config.discoveryPort()}
		for _, psk := range d.config.PSKs {
			want = append(want, listenerPorts(psk.Key, now)...)
		}
		errs = append(errs, d.ports.Claim(listenerOwner, hopping.Set(want)))
	}
	d.sessions.Range(func(s *session.Session) bool {
		if ports := s.Ports(now); ports != nil {
			errs = append(errs, d.ports.Claim(sessionOwner(s.ID()), ports))
		}
		return true
	})
	d.ports.Advance()
	return errors.Join(errs...)
}

func (d *Daemon) hopLoop() error {
	ticker := time.NewTicker(protocol.HopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return nil
		case <-ticker.C:
			if err := d.syncPorts(d.clock.Now()); err != nil {
				d.log.Debug("port sync incomplete", "error", err)
			}
		}
	}
}
