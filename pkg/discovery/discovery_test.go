package discovery

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

func psk(name string) *crypto.PSK {
	key := make([]byte, 32)
	copy(key, "discovery-key-"+name)
	return &crypto.PSK{Name: name, Key: key}
}

// run drives one discovery through the wire codec and returns both ends.
func run(t *testing.T, mine, theirs []*crypto.PSK) (*Initiator, *Responder, *protocol.DiscoveryConfirmBody, error) {
	t.Helper()
	now := time.Now()
	in, err := NewInitiator(42, mine)
	require.NoError(t, err)
	req, err := in.Start()
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, in.State())

	decReq, err := protocol.DecodeDiscovery(req.Marshal())
	require.NoError(t, err)
	r, resp, err := Respond(42, theirs, decReq, now)
	require.NoError(t, err)
	assert.Equal(t, StateResponded, r.State())

	decResp, err := protocol.DecodeDiscoveryResponse(resp.Marshal())
	require.NoError(t, err)
	confirm, err := in.HandleResponse(decResp)
	require.NoError(t, err)

	decConfirm, err := protocol.DecodeDiscoveryConfirm(confirm.Marshal())
	require.NoError(t, err)
	_, err = r.HandleConfirm(decConfirm)
	return in, r, confirm, err
}

func TestDiscoverySelectsSharedPSK(t *testing.T) {
	for i := 0; i < 5; i++ {
		in, r, _, err := run(t,
			[]*crypto.PSK{psk("A"), psk("B"), psk("C")},
			[]*crypto.PSK{psk("B"), psk("D")})
		require.NoError(t, err)

		assert.Equal(t, StateCompleted, in.State())
		assert.Equal(t, StateCompleted, r.State())
		require.NotNil(t, in.Selected())
		require.NotNil(t, r.Selected())
		assert.Equal(t, "B", in.Selected().Name)
		assert.Equal(t, "B", r.Selected().Name)
	}
}

func TestDiscoveryPrefersInitiatorOrder(t *testing.T) {
	in, r, _, err := run(t,
		[]*crypto.PSK{psk("C"), psk("A")},
		[]*crypto.PSK{psk("A"), psk("B"), psk("C")})
	require.NoError(t, err)
	assert.Equal(t, "C", in.Selected().Name)
	assert.Equal(t, "C", r.Selected().Name)
}

func TestDiscoveryDisjointFails(t *testing.T) {
	in, r, confirm, err := run(t,
		[]*crypto.PSK{psk("A"), psk("C")},
		[]*crypto.PSK{psk("B"), psk("D")})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeDiscoveryFailed))
	assert.Equal(t, protocol.DiscoveryStatusNoMatch, confirm.Status)
	assert.Equal(t, StateFailed, in.State())
	assert.Equal(t, StateFailed, r.State())
	assert.Nil(t, in.Selected())
}

func TestDiscoveryRejectsForgedProof(t *testing.T) {
	in, _ := NewInitiator(7, []*crypto.PSK{psk("A")})
	req, err := in.Start()
	require.NoError(t, err)
	r, _, err := Respond(7, []*crypto.PSK{psk("A")}, req, time.Now())
	require.NoError(t, err)

	_, err = r.HandleConfirm(&protocol.DiscoveryConfirmBody{Status: protocol.DiscoveryStatusSelected})
	assert.True(t, protocol.IsCode(err, protocol.CodeProofFailed))
	assert.Equal(t, StateFailed, r.State())

	// A confirm is accepted once.
	_, err = r.HandleConfirm(&protocol.DiscoveryConfirmBody{Status: protocol.DiscoveryStatusSelected})
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidState))
}

func TestDiscoveryRejectsIndexProbe(t *testing.T) {
	in, _ := NewInitiator(7, []*crypto.PSK{psk("A")})
	req, _ := in.Start()
	r, _, err := Respond(7, []*crypto.PSK{psk("A")}, req, time.Now())
	require.NoError(t, err)
	_, err = r.HandleConfirm(&protocol.DiscoveryConfirmBody{Status: protocol.DiscoveryStatusSelected, Index: 5})
	assert.True(t, protocol.IsCode(err, protocol.CodeEnumerationAttempt))
}

func TestInitiatorRetriesThenFails(t *testing.T) {
	in, err := NewInitiator(1, []*crypto.PSK{psk("A")})
	require.NoError(t, err)
	first, err := in.Start()
	require.NoError(t, err)

	for i := 1; i < MaxAttempts; i++ {
		again, ok := in.Retry()
		require.True(t, ok)
		assert.Same(t, first, again, "retries resend the same commitment")
	}
	_, ok := in.Retry()
	assert.False(t, ok)
	assert.Equal(t, StateFailed, in.State())
	assert.Equal(t, MaxAttempts, in.Attempts())
}

func TestSetLimits(t *testing.T) {
	_, err := NewInitiator(1, nil)
	assert.True(t, protocol.IsCode(err, protocol.CodePSKNotFound))

	var many []*crypto.PSK
	for i := 0; i <= MaxPSKs; i++ {
		many = append(many, psk(string(rune('a'+i))))
	}
	_, err = NewInitiator(1, many)
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidParameter))

	_, _, err = Respond(1, many[:1], &protocol.DiscoveryBody{}, time.Now())
	assert.True(t, protocol.IsCode(err, protocol.CodeEnumerationAttempt))
}

func TestResponderRejectsIdentityElement(t *testing.T) {
	req := &protocol.DiscoveryBody{Elements: [][protocol.ElementSize]byte{{}}}
	_, _, err := Respond(1, []*crypto.PSK{psk("A")}, req, time.Now())
	assert.True(t, protocol.IsCode(err, protocol.CodeDiscoveryFailed))
}

func TestResponderRetransmitAndExpiry(t *testing.T) {
	in, _ := NewInitiator(9, []*crypto.PSK{psk("A")})
	req, _ := in.Start()
	now := time.Now()
	r, resp, err := Respond(9, []*crypto.PSK{psk("A")}, req, now)
	require.NoError(t, err)
	assert.True(t, r.Matches(req))
	assert.Same(t, resp, r.Response())
	assert.False(t, r.Expired(now.Add(Timeout)))
	assert.True(t, r.Expired(now.Add(Timeout*MaxAttempts+time.Millisecond)))
}

func TestGuardBlocksEnumeration(t *testing.T) {
	g := NewGuard()
	src := netip.MustParseAddr("192.0.2.1")
	now := time.Unix(5000, 0)

	for i := 0; i < PerSourceRate; i++ {
		require.NoError(t, g.Admit(src, now))
	}
	err := g.Admit(src, now)
	assert.True(t, protocol.IsCode(err, protocol.CodeEnumerationAttempt))
	assert.True(t, g.Blocked(src, now.Add(BlockCooldown-time.Second)))
	assert.False(t, g.Blocked(src, now.Add(BlockCooldown)))
}

func TestGuardCountsFailures(t *testing.T) {
	g := NewGuard()
	src := netip.MustParseAddr("192.0.2.2")
	now := time.Unix(5000, 0)
	noMatch := protocol.Errorf(protocol.CodeDiscoveryFailed, "no shared psk")

	for i := 0; i < MaxFailures-1; i++ {
		g.Failed(src, noMatch, now)
	}
	assert.False(t, g.Blocked(src, now))
	g.Failed(src, noMatch, now)
	assert.True(t, g.Blocked(src, now))

	other := netip.MustParseAddr("192.0.2.3")
	g.Failed(other, protocol.Errorf(protocol.CodeProofFailed, "bad proof"), now)
	assert.True(t, g.Blocked(other, now), "proof failures block immediately")
}
