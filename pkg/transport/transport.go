// Package transport moves raw datagrams between hop ports. A Transport
// owns one socket per bound local port and merges everything received
// into a single channel.
package transport

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/TeoSlayer/hopwire/internal/pool"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// RecvQueue is the capacity of the receive channel. Datagrams arriving
// while it is full are dropped, like a full socket buffer would.
const RecvQueue = 4096

// Datagram is one received UDP payload.
type Datagram struct {
	LocalPort uint16
	From      netip.AddrPort
	Data      []byte

	buf *[]byte
}

// Release returns the datagram's buffer to the pool. Data must not be used
// afterwards.
func (d *Datagram) Release() {
	if d.buf != nil {
		pool.Datagrams.Put(d.buf)
		d.buf = nil
	}
	d.Data = nil
}

// Transport sends and receives datagrams on hop ports.
type Transport interface {
	// Bind opens port. Binding an open port is a no-op.
	Bind(port uint16) error
	// Unbind closes port. Unbinding a closed port is a no-op.
	Unbind(port uint16) error
	Bound(port uint16) bool
	// Send transmits data from localPort, binding it first if needed.
	Send(localPort uint16, to netip.AddrPort, data []byte) error
	// Recv delivers datagrams from every bound port. It is closed by Close.
	Recv() <-chan *Datagram
	Stats() Stats
	Close() error
}

// Stats counts transport traffic.
type Stats struct {
	Bound      int
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
}

type counters struct {
	pktsIn   atomic.Uint64
	pktsOut  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	dropped  atomic.Uint64
}

func (c *counters) sent(n int) {
	c.pktsOut.Add(1)
	c.bytesOut.Add(uint64(n))
}

func (c *counters) received(n int) {
	c.pktsIn.Add(1)
	c.bytesIn.Add(uint64(n))
}

func (c *counters) snapshot(bound int) Stats {
	return Stats{
		Bound:      bound,
		PacketsIn:  c.pktsIn.Load(),
		PacketsOut: c.pktsOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		Dropped:    c.dropped.Load(),
	}
}
