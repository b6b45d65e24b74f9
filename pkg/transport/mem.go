package transport

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"sync"
)

// MemNetwork connects in-process transports by address. It behaves like a
// lossy UDP network: datagrams to unbound ports vanish, and a drop rate or
// filter can discard more.
type MemNetwork struct {
	mu     sync.RWMutex
	hosts  map[netip.Addr]*Mem
	loss   float64
	filter func(from, to netip.AddrPort, data []byte) bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[netip.Addr]*Mem)}
}

// SetLoss drops the given fraction of datagrams at random.
func (n *MemNetwork) SetLoss(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = rate
}

// SetFilter installs a function that drops a datagram when it returns
// true. nil removes it.
func (n *MemNetwork) SetFilter(f func(from, to netip.AddrPort, data []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Host returns the transport for addr, creating it on first use.
func (n *MemNetwork) Host(addr netip.Addr) *Mem {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.hosts[addr]; ok {
		return m
	}
	m := &Mem{
		net:    n,
		addr:   addr,
		bound:  make(map[uint16]bool),
		recvCh: make(chan *Datagram, RecvQueue),
	}
	n.hosts[addr] = m
	return m
}

func (n *MemNetwork) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.RLock()
	dst := n.hosts[to.Addr()]
	loss, filter := n.loss, n.filter
	n.mu.RUnlock()
	if dst == nil {
		return
	}
	if loss > 0 && rand.Float64() < loss {
		dst.stats.dropped.Add(1)
		return
	}
	if filter != nil && filter(from, to, data) {
		dst.stats.dropped.Add(1)
		return
	}
	dst.receive(from, to.Port(), data)
}

// Mem is one host on a MemNetwork.
type Mem struct {
	net  *MemNetwork
	addr netip.Addr

	mu     sync.Mutex
	bound  map[uint16]bool
	closed bool

	recvCh    chan *Datagram
	closeOnce sync.Once
	stats     counters
}

func (m *Mem) Addr() netip.Addr { return m.addr }

func (m *Mem) Bind(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.bound[port] = true
	return nil
}

func (m *Mem) Unbind(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bound, port)
	return nil
}

func (m *Mem) Bound(port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound[port]
}

func (m *Mem) Send(localPort uint16, to netip.AddrPort, data []byte) error {
	if err := m.Bind(localPort); err != nil {
		return err
	}
	m.stats.sent(len(data))
	m.net.deliver(netip.AddrPortFrom(m.addr, localPort), to, bytes.Clone(data))
	return nil
}

func (m *Mem) receive(from netip.AddrPort, port uint16, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.bound[port] {
		m.stats.dropped.Add(1)
		return
	}
	select {
	case m.recvCh <- &Datagram{LocalPort: port, From: from, Data: data}:
		m.stats.received(len(data))
	default:
		m.stats.dropped.Add(1)
	}
}

func (m *Mem) Recv() <-chan *Datagram { return m.recvCh }

func (m *Mem) Stats() Stats {
	m.mu.Lock()
	n := len(m.bound)
	m.mu.Unlock()
	return m.stats.snapshot(n)
}

// Close unbinds every port and closes the receive channel. The host stays
// registered; a closed host drops everything sent to it.
func (m *Mem) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		clear(m.bound)
		close(m.recvCh)
		m.mu.Unlock()
	})
	return nil
}
