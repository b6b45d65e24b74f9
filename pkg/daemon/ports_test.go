package daemon

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

func newTestPortManager() (*PortManager, *transport.Mem) {
	host := transport.NewMemNetwork().Host(netip.MustParseAddr("10.9.0.1"))
	return NewPortManager(host, slog.New(slog.DiscardHandler)), host
}

func TestPortManagerSharedClaims(t *testing.T) {
	pm, host := newTestPortManager()
	a, b := sessionOwner(1), sessionOwner(2)

	require.NoError(t, pm.Claim(a, []uint16{1001, 1002}))
	require.NoError(t, pm.Claim(b, []uint16{1002, 1003}))
	for _, p := range []uint16{1001, 1002, 1003} {
		assert.True(t, host.Bound(p), "port %d", p)
	}

	// a moves off 1001 and 1002; 1002 stays claimed by b
	require.NoError(t, pm.Claim(a, []uint16{1003}))
	assert.False(t, pm.Claimed(1001))
	assert.True(t, pm.Claimed(1002))
	assert.True(t, host.Bound(1001), "released port drains first")

	pm.Advance()
	assert.True(t, host.Bound(1001))
	pm.Advance()
	assert.False(t, host.Bound(1001))
	assert.True(t, host.Bound(1002))
	assert.Equal(t, 2, pm.Len())
}

func TestPortManagerDropUnbindsAtOnce(t *testing.T) {
	pm, host := newTestPortManager()
	a, b := sessionOwner(1), discoveryOwner(1)

	require.NoError(t, pm.Claim(a, []uint16{2001, 2002}))
	require.NoError(t, pm.Claim(b, []uint16{2002}))
	pm.Drop(a)
	assert.False(t, host.Bound(2001))
	assert.True(t, host.Bound(2002))

	pm.Drop(b)
	assert.False(t, host.Bound(2002))
	assert.Zero(t, pm.Len())
}

func TestPortManagerReclaimStopsDraining(t *testing.T) {
	pm, host := newTestPortManager()
	a := sessionOwner(1)

	require.NoError(t, pm.Claim(a, []uint16{3001}))
	require.NoError(t, pm.Claim(a, nil))
	require.NoError(t, pm.Claim(a, []uint16{3001}))
	pm.Advance()
	pm.Advance()
	pm.Advance()
	assert.True(t, host.Bound(3001))
}

func TestPortManagerTouchDrainsOnDemandBinds(t *testing.T) {
	pm, host := newTestPortManager()
	require.NoError(t, host.Send(4001, netip.MustParseAddrPort("10.9.0.2:9"), []byte("x")))
	pm.Touch(4001)
	require.NoError(t, pm.Claim(listenerOwner, []uint16{4002}))
	pm.Touch(4002)

	pm.Advance()
	pm.Advance()
	assert.False(t, host.Bound(4001))
	assert.True(t, host.Bound(4002), "touching a claimed port does not drain it")
}

func TestListenerPortsCoverMargin(t *testing.T) {
	psk := []byte("0123456789abcdef0123456789abcdef")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ports := listenerPorts(psk, now)
	require.Len(t, ports, 2*hopping.MinMargin+1)

	// the port for now is the middle of the set and is stable within a window
	assert.Equal(t, ports[hopping.MinMargin], listenerPorts(psk, now.Add(time.Millisecond))[hopping.MinMargin])
	for _, p := range ports {
		assert.GreaterOrEqual(t, p, uint16(protocol.PortRangeMin))
	}
}
