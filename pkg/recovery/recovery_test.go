package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

var testPSK = []byte("recovery-test-psk-32-bytes-long!")

// fakeStrategy records every attempt it is asked to run.
type fakeStrategy struct {
	kind Kind
	log  *[]Kind
}

func (f *fakeStrategy) Kind() Kind                  { return f.kind }
func (f *fakeStrategy) RequestType() protocol.Type  { return protocol.Type(0x80 + f.kind) }
func (f *fakeStrategy) ResponseType() protocol.Type { return protocol.Type(0x90 + f.kind) }
func (f *fakeStrategy) Reset()                      {}

func (f *fakeStrategy) Begin(Env, int) error {
	*f.log = append(*f.log, f.kind)
	return nil
}

func (f *fakeStrategy) HandleResponse(Env, *protocol.Packet) (bool, error) { return true, nil }
func (f *fakeStrategy) HandleRequest(Env, *protocol.Packet) error          { return nil }

func newFakeCoordinator(log *[]Kind) *Coordinator {
	var ss []Strategy
	for k := TimeResync; k <= Emergency; k++ {
		ss = append(ss, &fakeStrategy{kind: k, log: log})
	}
	return NewCoordinator(nil, Backoff{Base: time.Millisecond, Max: 8 * time.Millisecond}, ss...)
}

func TestEscalationIsMonotonic(t *testing.T) {
	var log []Kind
	c := newFakeCoordinator(&log)

	step, ok := c.Open(TriggerDrift)
	require.True(t, ok)
	for ok {
		require.NoError(t, c.Run(step))
		step, ok = c.Fail()
	}

	require.Len(t, log, 4*MaxAttempts)
	for i := 1; i < len(log); i++ {
		assert.GreaterOrEqual(t, log[i], log[i-1], "escalation went backwards at %d", i)
	}
	assert.Equal(t, TimeResync, log[0])
	assert.Equal(t, SequenceRepair, log[MaxAttempts])
	assert.Equal(t, Rekey, log[2*MaxAttempts])
	assert.Equal(t, Emergency, log[3*MaxAttempts])
	assert.False(t, c.Active())
}

func TestTriggerPicksStartingTier(t *testing.T) {
	cases := map[Trigger]Kind{
		TriggerDrift:       TimeResync,
		TriggerSequenceGap: SequenceRepair,
		TriggerAuthFailure: Rekey,
		TriggerCombined:    Emergency,
	}
	for trig, want := range cases {
		var log []Kind
		c := newFakeCoordinator(&log)
		step, ok := c.Open(trig)
		require.True(t, ok)
		assert.Equal(t, want, step.Kind, trig.String())
		assert.Equal(t, 1, step.Attempt)
	}
}

func TestOneEpisodeAtATime(t *testing.T) {
	var log []Kind
	c := newFakeCoordinator(&log)
	_, ok := c.Open(TriggerDrift)
	require.True(t, ok)
	_, ok = c.Open(TriggerAuthFailure)
	assert.False(t, ok)
}

func TestSuccessResetsAttempts(t *testing.T) {
	var log []Kind
	c := newFakeCoordinator(&log)
	first, _ := c.Open(TriggerDrift)
	c.Fail()
	step, _ := c.Fail()
	assert.Equal(t, 3, step.Attempt)

	c.Succeed()
	assert.False(t, c.Active())
	assert.Zero(t, c.Attempt())

	step, ok := c.Open(TriggerDrift)
	require.True(t, ok)
	assert.Equal(t, 1, step.Attempt)
	assert.Equal(t, TimeResync, step.Kind)
	assert.Equal(t, first.Episode+1, step.Episode)
}

func TestStaleStepIsIgnored(t *testing.T) {
	var log []Kind
	c := newFakeCoordinator(&log)
	old, _ := c.Open(TriggerDrift)
	c.Fail()
	require.NoError(t, c.Run(old))
	assert.Empty(t, log)
}

func TestBackoff(t *testing.T) {
	b := DefaultBackoff
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 187*time.Millisecond)
		assert.LessOrEqual(t, d, 313*time.Millisecond)
		assert.LessOrEqual(t, b.Delay(20), 5*time.Second)
		assert.GreaterOrEqual(t, b.Delay(20), 3*time.Second)
	}
	assert.Equal(t, time.Second, Backoff{Base: 250 * time.Millisecond, Max: 4 * time.Second}.Delay(2))
}

func TestBackoffJitterVaries(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second, Jitter: 0.25}
	for n, nominal := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		seen := make(map[time.Duration]bool)
		for i := 0; i < 20; i++ {
			d := b.Delay(n)
			assert.InDelta(t, float64(nominal), float64(d), float64(nominal)*b.Jitter, "retry %d", n)
			seen[d] = true
		}
		assert.Greater(t, len(seen), 1, "retry %d is not jittered", n)
	}
}

func TestDetectorAuthThreshold(t *testing.T) {
	d := NewDetector()
	now := time.Unix(100, 0)
	for i := 0; i < AuthFailureThreshold-1; i++ {
		_, fired := d.AuthFailure(now)
		require.False(t, fired)
	}
	// Old failures age out of the window.
	_, fired := d.AuthFailure(now.Add(AuthFailureWindow + time.Second))
	assert.False(t, fired)

	d = NewDetector()
	var trig Trigger
	for i := 0; i < AuthFailureThreshold; i++ {
		trig, fired = d.AuthFailure(now)
	}
	assert.True(t, fired)
	assert.Equal(t, TriggerAuthFailure, trig)
}

func TestDetectorDriftAndCombined(t *testing.T) {
	d := NewDetector()
	now := time.Unix(100, 0)
	_, fired := d.Drift(50*time.Millisecond, now)
	assert.False(t, fired)

	var trig Trigger
	for i := 0; i < DriftStrikes; i++ {
		trig, fired = d.Drift(-300*time.Millisecond, now)
	}
	require.True(t, fired)
	assert.Equal(t, TriggerDrift, trig)

	for i := 0; i < GapStrikes; i++ {
		trig, fired = d.SequenceGap(now.Add(time.Second))
	}
	require.True(t, fired)
	assert.Equal(t, TriggerCombined, trig)

	d.Reset()
	for i := 0; i < GapStrikes; i++ {
		trig, fired = d.SequenceGap(now.Add(time.Second))
	}
	assert.Equal(t, TriggerSequenceGap, trig)
}

func TestClockOffset(t *testing.T) {
	// Peer is 500 ms ahead, 40 ms each way.
	t1 := int64(10_000)
	t2 := t1 + 40 + 500
	t3 := t2 + 1
	t4 := t3 - 500 + 40
	assert.Equal(t, 500*time.Millisecond, ClockOffset(t1, t2, t3, t4))
	assert.Equal(t, MaxSlewPerHop, SlewStep(time.Second))
	assert.Equal(t, -MaxSlewPerHop, SlewStep(-time.Second))
	assert.Equal(t, 3*time.Millisecond, SlewStep(3*time.Millisecond))
}

// pairEnv is one end of an in-memory session pair. Sends are queued and
// delivered to the other end by pump.
type pairEnv struct {
	id     uint64
	keys   *crypto.KeyRing
	now    time.Time
	skew   time.Duration
	seq    protocol.RepairBody
	slewed time.Duration
	peerSt *protocol.RepairBody
	out    []*protocol.Packet
	coord  *Coordinator
}

func (e *pairEnv) Now() time.Time        { return e.now.Add(e.skew) }
func (e *pairEnv) SessionID() uint64     { return e.id }
func (e *pairEnv) Keys() *crypto.KeyRing { return e.keys }
func (e *pairEnv) Slew(d time.Duration)  { e.slewed += d }

func (e *pairEnv) SequenceState() protocol.RepairBody { return e.seq }

func (e *pairEnv) Send(t protocol.Type, body []byte) error {
	e.out = append(e.out, &protocol.Packet{Type: t, Payload: body})
	return nil
}

func (e *pairEnv) Reconcile(peer protocol.RepairBody) error {
	e.peerSt = &peer
	return nil
}

func newPair(t *testing.T) (*pairEnv, *pairEnv) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	a := &pairEnv{id: 0xabc, keys: crypto.NewKeyRing(testPSK, 0xabc, now), now: now}
	b := &pairEnv{id: 0xabc, keys: crypto.NewKeyRing(testPSK, 0xabc, now), now: now}
	a.coord = NewCoordinator(a, DefaultBackoff, DefaultStrategies()...)
	b.coord = NewCoordinator(b, DefaultBackoff, DefaultStrategies()...)
	t.Cleanup(func() {
		a.keys.Wipe()
		b.keys.Wipe()
	})
	return a, b
}

// pump delivers queued packets both ways until quiet and reports whether
// the initiator's attempt completed.
func pump(t *testing.T, init, resp *pairEnv) bool {
	done := false
	for i := 0; i < 10; i++ {
		reqs, resps := init.out, resp.out
		init.out, resp.out = nil, nil
		if len(reqs) == 0 && len(resps) == 0 {
			break
		}
		for _, p := range reqs {
			require.NoError(t, resp.coord.HandleRequest(p))
		}
		for _, p := range resps {
			ok, err := init.coord.HandleResponse(p)
			require.NoError(t, err)
			done = done || ok
		}
	}
	return done
}

func runEpisode(t *testing.T, init, resp *pairEnv, trig Trigger) {
	step, ok := init.coord.Open(trig)
	require.True(t, ok)
	require.NoError(t, init.coord.Run(step))
	require.True(t, pump(t, init, resp), "%s did not complete", step.Kind)
	init.coord.Succeed()
}

func TestTimeResyncMeasuresOffset(t *testing.T) {
	a, b := newPair(t)
	b.skew = 2 * time.Second
	runEpisode(t, a, b, TriggerDrift)
	assert.Equal(t, 2*time.Second, a.slewed)
}

func TestSequenceRepairExchangesState(t *testing.T) {
	a, b := newPair(t)
	a.seq = protocol.RepairBody{NextExpected: 10, LastAcked: 20, NextSend: 25}
	b.seq = protocol.RepairBody{NextExpected: 22, LastAcked: 10, NextSend: 10}
	runEpisode(t, a, b, TriggerSequenceGap)
	require.NotNil(t, a.peerSt)
	require.NotNil(t, b.peerSt)
	assert.Equal(t, b.seq, *a.peerSt)
	assert.Equal(t, a.seq, *b.peerSt)
}

func TestRekeySwitchesBothSides(t *testing.T) {
	a, b := newPair(t)
	before := a.keys.SendKey()
	runEpisode(t, a, b, TriggerAuthFailure)

	assert.Equal(t, uint32(1), a.keys.Generation())
	assert.Equal(t, uint32(1), b.keys.Generation())
	assert.Equal(t, a.keys.SendKey(), b.keys.SendKey())
	assert.NotEqual(t, before, a.keys.SendKey())

	// The superseded key still verifies for one interval.
	assert.True(t, b.keys.VerifyWith(func(k []byte) bool { return crypto.Equal(k, before[:]) }))
}

func TestRekeyRetryIsIdempotent(t *testing.T) {
	a, b := newPair(t)
	step, _ := a.coord.Open(TriggerAuthFailure)
	require.NoError(t, a.coord.Run(step))
	// Deliver the request but lose the response.
	require.NoError(t, b.coord.HandleRequest(a.out[0]))
	a.out, b.out = nil, nil
	require.Equal(t, uint32(1), b.keys.Generation())

	step, ok := a.coord.Fail()
	require.True(t, ok)
	require.NoError(t, a.coord.Run(step))
	require.True(t, pump(t, a, b))
	assert.Equal(t, a.keys.SendKey(), b.keys.SendKey())
}

func TestEmergencyRestore(t *testing.T) {
	a, b := newPair(t)
	a.seq = protocol.RepairBody{NextExpected: 3, LastAcked: 7, NextSend: 9}
	b.seq = protocol.RepairBody{NextExpected: 8, LastAcked: 3, NextSend: 3}
	runEpisode(t, a, b, TriggerCombined)

	assert.Equal(t, uint32(1), a.keys.Generation())
	assert.Equal(t, a.keys.SendKey(), b.keys.SendKey())
	require.NotNil(t, a.peerSt)
	assert.Equal(t, uint32(8), a.peerSt.NextExpected)
	require.NotNil(t, b.peerSt)
	assert.Equal(t, uint32(3), b.peerSt.NextExpected)
}

func TestEmergencyRejectsForeignSession(t *testing.T) {
	a, b := newPair(t)
	b.id = 0xdef
	b.keys = crypto.NewKeyRing(testPSK, 0xdef, b.now)
	b.coord = NewCoordinator(b, DefaultBackoff, DefaultStrategies()...)

	step, _ := a.coord.Open(TriggerCombined)
	require.NoError(t, a.coord.Run(step))
	err := b.coord.HandleRequest(a.out[0])
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeProofFailed))

	_, err = a.coord.HandleResponse(b.out[0])
	assert.True(t, protocol.IsCode(err, protocol.CodeRecoveryFailed))
}

func TestBackupRoundTrip(t *testing.T) {
	key := crypto.EmergencyKey(crypto.DailyKey(testPSK, time.Now()), 5)
	in := Backup{SessionID: 5, Generation: 2, NextSend: 10, NextExpected: 11, LastAcked: 12, Time: time.UnixMilli(1234567)}
	sealed, err := SealState(key, in, 1)
	require.NoError(t, err)

	out, err := OpenState(key, sealed, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = OpenState(key, sealed, 5, 2)
	assert.Error(t, err, "round is bound")
	sealed[20] ^= 1
	_, err = OpenState(key, sealed, 5, 1)
	assert.Error(t, err)
}
