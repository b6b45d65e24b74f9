package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/discovery"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
	"github.com/TeoSlayer/hopwire/pkg/transport"
)

var (
	addrA = netip.MustParseAddr("10.1.0.1")
	addrB = netip.MustParseAddr("10.1.0.2")
)

func testPSK(t *testing.T, name string) *crypto.PSK {
	t.Helper()
	p, err := crypto.GeneratePSK(name)
	require.NoError(t, err)
	return p
}

type node struct {
	*Daemon
	host *transport.Mem
}

func startNode(t *testing.T, n *transport.MemNetwork, addr netip.Addr, cfg Config) *node {
	t.Helper()
	host := n.Host(addr)
	cfg.Transport = host
	cfg.ListenAddr = addr
	cfg.Logger = slog.New(slog.DiscardHandler)
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	return &node{Daemon: d, host: host}
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// connectPair dials b from a and returns both ends once established.
func connectPair(t *testing.T, a, b *node, opts DialOptions) (*Conn, *Conn) {
	t.Helper()
	ca, err := a.Dial(ctxTimeout(t, 5*time.Second), addrB, opts)
	require.NoError(t, err)
	cb, err := b.Accept(ctxTimeout(t, 5*time.Second))
	require.NoError(t, err)
	require.Equal(t, ca.Session().ID(), cb.Session().ID())
	return ca, cb
}

func readAll(t *testing.T, c *Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 0, n)
	tmp := make([]byte, 4096)
	for len(buf) < n {
		k, err := c.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:k]...)
	}
	return buf
}

func TestDialAcceptExchange(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})

	ca, cb := connectPair(t, a, b, DialOptions{})
	assert.Equal(t, session.RoleInitiator, ca.Session().Role())
	assert.Equal(t, session.RoleResponder, cb.Session().Role())
	assert.Equal(t, addrB.String()+"#"+hexID(ca.Session().ID()), ca.RemoteAddr().String())

	_, err := ca.Write([]byte("hello over hops"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello over hops"), readAll(t, cb, len("hello over hops")))

	big := make([]byte, 40000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	_, err = cb.Write(big)
	require.NoError(t, err)
	assert.Equal(t, big, readAll(t, ca, len(big)))

	require.NoError(t, ca.Close())
	require.NoError(t, cb.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = cb.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return a.Stats().Sessions == 0 && b.Stats().Sessions == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, a.Stats().Established)
	assert.EqualValues(t, 1, b.Stats().Established)
}

func TestDialWithDiscovery(t *testing.T) {
	n := transport.NewMemNetwork()
	pa, pb, pc, pd := testPSK(t, "a"), testPSK(t, "b"), testPSK(t, "c"), testPSK(t, "d")
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{pa, pb, pc}})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{pb, pd}, Listen: true})

	got, err := a.Discover(ctxTimeout(t, 5*time.Second), addrB)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	ca, cb := connectPair(t, a, b, DialOptions{})
	_, err = ca.Write([]byte("via discovered key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("via discovered key"), readAll(t, cb, len("via discovered key")))
	assert.GreaterOrEqual(t, a.Stats().Discoveries, uint64(2))
	require.Eventually(t, func() bool { return b.Stats().Discoveries >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDiscoveryDisjointSetsFail(t *testing.T) {
	n := transport.NewMemNetwork()
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{testPSK(t, "a"), testPSK(t, "c")}})
	startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{testPSK(t, "b"), testPSK(t, "d")}, Listen: true})

	_, err := a.Dial(ctxTimeout(t, 5*time.Second), addrB, DialOptions{})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeDiscoveryFailed), "got %v", err)
	assert.Zero(t, a.Stats().Sessions)
}

func TestDialTimesOutWithoutListener(t *testing.T) {
	n := transport.NewMemNetwork()
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{testPSK(t, "x")}})
	startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{testPSK(t, "y")}, Listen: true})

	_, err := a.Dial(ctxTimeout(t, 600*time.Millisecond), addrB, DialOptions{})
	assert.ErrorIs(t, err, protocol.ErrDialTimeout)
	require.Eventually(t, func() bool { return a.Stats().Sessions == 0 }, time.Second, 10*time.Millisecond)
}

func TestReplayedPacketBlocksSource(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")

	var (
		mu       sync.Mutex
		captured []byte
		from, to netip.AddrPort
	)
	n.SetFilter(func(f, dst netip.AddrPort, data []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if captured == nil && f.Addr() == addrA && len(data) > 1 && protocol.Type(data[1]) == protocol.TypeData {
			captured = append([]byte(nil), data...)
			from, to = f, dst
		}
		return false
	})

	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})
	ca, cb := connectPair(t, a, b, DialOptions{})
	_, err := ca.Write([]byte("once"))
	require.NoError(t, err)
	assert.Equal(t, []byte("once"), readAll(t, cb, 4))

	mu.Lock()
	replay, src, dst := captured, from, to
	mu.Unlock()
	require.NotNil(t, replay)
	require.NoError(t, a.host.Send(src.Port(), dst, replay))

	require.Eventually(t, func() bool { return b.Stats().Blocked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, b.blocked.Blocked(addrA, time.Now()))
}

func TestDiscoveryFloodIsAnsweredThenBlocked(t *testing.T) {
	n := transport.NewMemNetwork()
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{testPSK(t, "b")}, Listen: true})
	raw := n.Host(addrA)
	port := b.config.discoveryPort()
	to := netip.AddrPortFrom(addrB, port)
	offer := []*crypto.PSK{testPSK(t, "x")}

	for i := 0; i <= discovery.PerSourceRate; i++ {
		id := session.RandomID()
		in, err := discovery.NewInitiator(id, offer)
		require.NoError(t, err)
		req, err := in.Start()
		require.NoError(t, err)
		p := &protocol.Packet{
			Version:   protocol.Version,
			Type:      protocol.TypeDiscovery,
			SessionID: id,
			Timestamp: protocol.DayTimestamp(time.Now()),
			Counter:   uint64(i + 1),
			Payload:   req.Marshal(),
		}
		key := crypto.DiscoveryKey(id)
		buf, err := p.Marshal(key[:])
		require.NoError(t, err)
		require.NoError(t, raw.Send(port, to, buf))
	}

	var answer *protocol.ErrorBody
	deadline := time.After(2 * time.Second)
	for answer == nil {
		select {
		case dg := <-raw.Recv():
			p, err := protocol.Parse(dg.Data)
			require.NoError(t, err)
			if p.Type != protocol.TypeError {
				continue
			}
			key := crypto.DiscoveryKey(p.SessionID)
			require.True(t, p.Verify(key[:]))
			answer, err = protocol.DecodeError(p.Payload)
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("flooding source got no ERROR")
		}
	}
	assert.Equal(t, protocol.CodeEnumerationAttempt, answer.Code)
	assert.Equal(t, protocol.TypeDiscovery, answer.Related)
	require.Eventually(t, func() bool { return b.Stats().Blocked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, b.blocked.Blocked(addrA, time.Now()))
}

func TestDiscoveryRetriesBackOff(t *testing.T) {
	nominal := []time.Duration{discovery.Timeout, 2 * discovery.Timeout, 4 * discovery.Timeout, 4 * discovery.Timeout}
	for n, want := range nominal {
		seen := make(map[time.Duration]bool)
		for i := 0; i < 20; i++ {
			d := discoveryBackoff.Delay(n)
			assert.InDelta(t, float64(want), float64(d), float64(want)*discoveryBackoff.Jitter, "retry %d", n)
			seen[d] = true
		}
		assert.Greater(t, len(seen), 1, "retry %d is not jittered", n)
	}
}

func TestDialBeyondSessionLimitTearsDownSession(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}, MaxSessions: 1})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})
	connectPair(t, a, b, DialOptions{})

	_, err := a.Dial(ctxTimeout(t, 5*time.Second), addrB, DialOptions{})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeResourceExhausted), "got %v", err)
	assert.Equal(t, 1, a.Stats().Sessions)
	assert.EqualValues(t, 1, a.Stats().Closed, "the refused session was torn down")
}

func TestSessionBackupLifecycle(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")
	dir := t.TempDir()
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}, StateDir: dir})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})

	ca, _ := connectPair(t, a, b, DialOptions{})
	id := ca.Session().ID()
	require.Eventually(t, func() bool {
		_, err := os.Stat(backupPath(dir, id))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	bk, err := LoadBackup(dir, psk.Key, id, time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, bk.SessionID)

	_, err = LoadBackup(dir, testPSK(t, "other").Key, id, time.Now())
	assert.Error(t, err)

	require.NoError(t, ca.Close())
	require.Eventually(t, func() bool {
		_, err := os.Stat(backupPath(dir, id))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopResetsSessions(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})
	ca, cb := connectPair(t, a, b, DialOptions{})

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Zero(t, a.Stats().Sessions)
	<-ca.Session().Done()

	require.NoError(t, cb.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := cb.Read(make([]byte, 8))
	assert.ErrorIs(t, err, protocol.ErrConnReset)

	_, err = a.Dial(context.Background(), addrB, DialOptions{})
	assert.ErrorIs(t, err, protocol.ErrSessionClosed)
}

func TestConnReadDeadline(t *testing.T) {
	n := transport.NewMemNetwork()
	psk := testPSK(t, "shared")
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{psk}})
	b := startNode(t, n, addrB, Config{PSKs: []*crypto.PSK{psk}, Listen: true})
	ca, _ := connectPair(t, a, b, DialOptions{})

	require.NoError(t, ca.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := ca.Read(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, ca.SetReadDeadline(time.Now().Add(-time.Second)))
	_, err = ca.Read(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestAcceptRequiresListen(t *testing.T) {
	n := transport.NewMemNetwork()
	a := startNode(t, n, addrA, Config{PSKs: []*crypto.PSK{testPSK(t, "x")}})
	_, err := a.Accept(context.Background())
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidState))
}

func TestNewValidatesPSKs(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, protocol.ErrNoPSK)

	var many []*crypto.PSK
	for range 9 {
		many = append(many, testPSK(t, "k"))
	}
	_, err = New(Config{PSKs: many, Transport: transport.NewMemNetwork().Host(addrA)})
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidParameter))
}

func TestPolicyDispatch(t *testing.T) {
	d, err := New(Config{
		PSKs:      []*crypto.PSK{testPSK(t, "x")},
		Transport: transport.NewMemNetwork().Host(addrA),
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer d.Stop()

	src := netip.MustParseAddr("192.0.2.9")
	d.handleError(src, nil, protocol.NewError(protocol.CodeMalformedPacket, "short"))
	d.handleError(src, nil, protocol.NewError(protocol.CodeInvalidState, "late"))
	assert.EqualValues(t, 1, d.Stats().Dropped)
	assert.EqualValues(t, 1, d.Stats().Responded)
	assert.False(t, d.blocked.Blocked(src, time.Now()))

	d.handleError(src, nil, protocol.NewError(protocol.CodeEnumerationAttempt, "probing"))
	assert.EqualValues(t, 1, d.Stats().Blocked)
	assert.True(t, d.blocked.Blocked(src, time.Now()))

	d.handleDatagram(&transport.Datagram{From: netip.AddrPortFrom(src, 9), Data: []byte{1}})
	assert.EqualValues(t, 2, d.Stats().Dropped, "blocked sources are dropped before parsing")
}

func TestSYNCache(t *testing.T) {
	c := newSYNCache()
	now := time.Now()
	assert.True(t, c.Add(7, now))
	assert.False(t, c.Add(7, now.Add(time.Second)))
	assert.True(t, c.Add(8, now))

	c.Reap(now.Add(SYNMemory))
	assert.True(t, c.Add(7, now.Add(SYNMemory)))
}
