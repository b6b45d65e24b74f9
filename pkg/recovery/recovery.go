// Package recovery restores a desynchronized session by escalating through
// time resync, sequence repair, rekey and emergency restore.
package recovery

import (
	"math/rand/v2"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Kind names a recovery strategy. Kinds are ordered by escalation.
type Kind uint8

const (
	None Kind = iota
	TimeResync
	SequenceRepair
	Rekey
	Emergency
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case TimeResync:
		return "time-resync"
	case SequenceRepair:
		return "sequence-repair"
	case Rekey:
		return "rekey"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Trigger is the condition that opened a recovery episode.
type Trigger uint8

const (
	TriggerDrift Trigger = iota + 1
	TriggerSequenceGap
	TriggerAuthFailure
	TriggerCombined
)

func (t Trigger) String() string {
	switch t {
	case TriggerDrift:
		return "clock-drift"
	case TriggerSequenceGap:
		return "sequence-gap"
	case TriggerAuthFailure:
		return "auth-failure"
	case TriggerCombined:
		return "combined"
	default:
		return "unknown"
	}
}

// Start returns the first strategy tried for the trigger. A sequence gap
// means the clocks still agree, so time resync is skipped. Failing MACs
// mean the keys diverged, which neither resync nor repair can mend, and a
// combined failure goes straight to emergency recovery. Escalation from
// the starting tier only ever moves up.
func (t Trigger) Start() Kind {
	switch t {
	case TriggerDrift:
		return TimeResync
	case TriggerSequenceGap:
		return SequenceRepair
	case TriggerAuthFailure:
		return Rekey
	case TriggerCombined:
		return Emergency
	default:
		return TimeResync
	}
}

const (
	// MaxAttempts is the number of tries per strategy before escalating.
	MaxAttempts = 3
	// RoundTripTimeout bounds each recovery exchange.
	RoundTripTimeout = 2 * time.Second
)

// Backoff is exponential backoff with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.25 = ±25%
}

// DefaultBackoff is 250 ms doubling to 4 s with ±25% jitter.
var DefaultBackoff = Backoff{Base: 250 * time.Millisecond, Max: 4 * time.Second, Jitter: 0.25}

// Delay returns the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	d = min(d, b.Max)
	if b.Jitter > 0 {
		f := 1 + b.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Env is what strategies need from the session they repair. Methods are
// called with the session lock held.
type Env interface {
	Now() time.Time
	SessionID() uint64
	Keys() *crypto.KeyRing
	Send(t protocol.Type, body []byte) error
	// Slew schedules a gradual clock correction.
	Slew(offset time.Duration)
	SequenceState() protocol.RepairBody
	Reconcile(peer protocol.RepairBody) error
}

// Strategy is one recovery tier. Begin sends the opening message of an
// attempt; HandleResponse consumes the peer's answers and reports when the
// attempt succeeded; HandleRequest answers a peer that runs the same
// strategy against us.
type Strategy interface {
	Kind() Kind
	RequestType() protocol.Type
	ResponseType() protocol.Type
	Begin(env Env, attempt int) error
	HandleResponse(env Env, p *protocol.Packet) (done bool, err error)
	HandleRequest(env Env, p *protocol.Packet) error
	Reset()
}

// Step is one scheduled attempt.
type Step struct {
	Kind    Kind
	Attempt int
	Delay   time.Duration
	Episode uint32
	Trigger Trigger
}

// Coordinator runs at most one recovery episode at a time for a session
// and escalates monotonically within the episode. Not safe for concurrent
// use.
type Coordinator struct {
	env        Env
	strategies map[Kind]Strategy
	byType     map[protocol.Type]Strategy
	backoff    Backoff

	active  bool
	trigger Trigger
	kind    Kind
	attempt int
	tries   int // across the episode, drives backoff
	episode uint32
}

// NewCoordinator wires the given strategies. NewCoordinator(env,
// DefaultStrategies()...) is the normal setup.
func NewCoordinator(env Env, b Backoff, strategies ...Strategy) *Coordinator {
	c := &Coordinator{
		env:        env,
		strategies: make(map[Kind]Strategy),
		byType:     make(map[protocol.Type]Strategy),
		backoff:    b,
	}
	for _, s := range strategies {
		c.strategies[s.Kind()] = s
		c.byType[s.RequestType()] = s
		c.byType[s.ResponseType()] = s
	}
	return c
}

// DefaultStrategies returns one fresh instance of every tier.
func DefaultStrategies() []Strategy {
	return []Strategy{&timeResync{}, &sequenceRepair{}, &rekey{}, &emergency{}}
}

func (c *Coordinator) Active() bool     { return c.active }
func (c *Coordinator) Kind() Kind       { return c.kind }
func (c *Coordinator) Attempt() int     { return c.attempt }
func (c *Coordinator) Episode() uint32  { return c.episode }
func (c *Coordinator) Trigger() Trigger { return c.trigger }

// Open starts an episode for trigger. It reports false if one is already
// in flight.
func (c *Coordinator) Open(t Trigger) (Step, bool) {
	if c.active {
		return Step{}, false
	}
	c.active = true
	c.trigger = t
	c.kind = c.nextAvailable(t.Start())
	c.attempt = 1
	c.tries = 0
	c.episode++
	return c.step(0), true
}

// Run executes a scheduled step.
func (c *Coordinator) Run(s Step) error {
	if !c.active || s.Episode != c.episode || s.Kind != c.kind || s.Attempt != c.attempt {
		return nil // superseded
	}
	st := c.strategies[s.Kind]
	if st == nil {
		return protocol.Errorf(protocol.CodeRecoveryFailed, "no %s strategy", s.Kind)
	}
	st.Reset()
	return st.Begin(c.env, s.Attempt)
}

// Fail records a failed attempt. It returns the next step, escalating to
// the next strategy after MaxAttempts, or false once every strategy is
// exhausted.
func (c *Coordinator) Fail() (Step, bool) {
	if !c.active {
		return Step{}, false
	}
	if st := c.strategies[c.kind]; st != nil {
		st.Reset()
	}
	c.tries++
	c.attempt++
	if c.attempt > MaxAttempts {
		next := c.nextAvailable(c.kind + 1)
		if next == None {
			c.active = false
			c.kind = None
			c.attempt = 0
			return Step{}, false
		}
		c.kind = next
		c.attempt = 1
	}
	return c.step(c.backoff.Delay(c.tries - 1)), true
}

// Succeed closes the episode and resets the attempt counter.
func (c *Coordinator) Succeed() {
	if st := c.strategies[c.kind]; st != nil {
		st.Reset()
	}
	c.active = false
	c.kind = None
	c.attempt = 0
	c.tries = 0
}

// HandleResponse routes a response packet to the strategy in flight.
// Responses for any other strategy are ignored.
func (c *Coordinator) HandleResponse(p *protocol.Packet) (bool, error) {
	st := c.byType[p.Type]
	if st == nil || p.Type != st.ResponseType() {
		return false, protocol.Errorf(protocol.CodeInvalidState, "%s is not a recovery response", p.Type)
	}
	if !c.active || st.Kind() != c.kind {
		return false, nil
	}
	return st.HandleResponse(c.env, p)
}

// HandleRequest answers a peer-initiated recovery request.
func (c *Coordinator) HandleRequest(p *protocol.Packet) error {
	st := c.byType[p.Type]
	if st == nil || p.Type != st.RequestType() {
		return protocol.Errorf(protocol.CodeInvalidState, "%s is not a recovery request", p.Type)
	}
	return st.HandleRequest(c.env, p)
}

func (c *Coordinator) step(delay time.Duration) Step {
	return Step{Kind: c.kind, Attempt: c.attempt, Delay: delay, Episode: c.episode, Trigger: c.trigger}
}

func (c *Coordinator) nextAvailable(k Kind) Kind {
	for ; k <= Emergency; k++ {
		if c.strategies[k] != nil {
			return k
		}
	}
	return None
}
