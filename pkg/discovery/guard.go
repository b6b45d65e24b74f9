package discovery

import (
	"net/netip"
	"time"

	"github.com/TeoSlayer/hopwire/internal/ratelimit"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

const (
	// PerSourceRate is how many discoveries a source may open per second.
	PerSourceRate = 2
	// MaxFailures is how many failed discoveries a source gets inside
	// FailureWindow before it is blocked.
	MaxFailures   = 3
	FailureWindow = time.Minute
	// BlockCooldown is how long an enumerating source stays blocked.
	BlockCooldown = 60 * time.Second
)

// Guard rate-limits discovery per source and blocks sources that look
// like they are enumerating PSKs: too many attempts, repeated failed
// intersections, or a bad possession proof.
type Guard struct {
	limiter  *ratelimit.Limiter[netip.Addr]
	blocked  *ratelimit.Blocklist[netip.Addr]
	failures map[netip.Addr][]time.Time
}

func NewGuard() *Guard {
	return &Guard{
		limiter:  ratelimit.NewLimiter[netip.Addr](PerSourceRate),
		blocked:  ratelimit.NewBlocklist[netip.Addr](BlockCooldown),
		failures: make(map[netip.Addr][]time.Time),
	}
}

// Admit decides whether a new DISCOVERY from src is processed.
func (g *Guard) Admit(src netip.Addr, now time.Time) error {
	if g.blocked.Blocked(src, now) {
		return protocol.Errorf(protocol.CodeEnumerationAttempt, "source %s blocked", src)
	}
	if !g.limiter.Allow(src, now) {
		g.blocked.Block(src, now)
		return protocol.Errorf(protocol.CodeEnumerationAttempt, "discovery rate exceeded by %s", src)
	}
	return nil
}

// Failed records the outcome err of a discovery with src. Block-policy
// errors block at once; other failures count toward MaxFailures.
func (g *Guard) Failed(src netip.Addr, err error, now time.Time) {
	if protocol.CodeOf(err).Policy() == protocol.PolicyBlock {
		g.blocked.Block(src, now)
		delete(g.failures, src)
		return
	}
	cutoff := now.Add(-FailureWindow)
	kept := g.failures[src][:0]
	for _, t := range g.failures[src] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if len(kept) >= MaxFailures {
		g.blocked.Block(src, now)
		delete(g.failures, src)
		return
	}
	if len(g.failures) < ratelimit.MaxEntries {
		g.failures[src] = kept
	}
}

// Blocked reports whether src is cooling down.
func (g *Guard) Blocked(src netip.Addr, now time.Time) bool {
	return g.blocked.Blocked(src, now)
}

// Reap drops idle rate-limit and block entries.
func (g *Guard) Reap(now time.Time) {
	g.limiter.Reap(now, FailureWindow)
	g.blocked.Reap(now)
	for src, ts := range g.failures {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) > FailureWindow {
			delete(g.failures, src)
		}
	}
}
