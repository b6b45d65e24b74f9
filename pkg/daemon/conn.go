package daemon

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
	"github.com/TeoSlayer/hopwire/pkg/session"
)

// Conn implements net.Conn over a session. Each Write becomes one or more
// messages; Read returns their bytes in order.
type Conn struct {
	s       *session.Session
	d       *Daemon
	recvBuf []byte // leftover from previous read

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
	deadlineCh    chan struct{} // closed when a deadline is set/changed
}

func newConn(s *session.Session, d *Daemon) *Conn {
	return &Conn{s: s, d: d, deadlineCh: make(chan struct{})}
}

// Session returns the underlying session.
func (c *Conn) Session() *session.Session { return c.s }

func (c *Conn) Read(b []byte) (int, error) {
	if len(c.recvBuf) > 0 {
		n := copy(b, c.recvBuf)
		c.recvBuf = c.recvBuf[n:]
		return n, nil
	}
	ctx, cancel, err := c.waitContext(true)
	if err != nil {
		return 0, err
	}
	defer cancel()

	msg, err := c.s.Read(ctx)
	if err != nil {
		return 0, deadlineErr(err)
	}
	n := copy(b, msg)
	if n < len(msg) {
		c.recvBuf = msg[n:]
	}
	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	ctx, cancel, err := c.waitContext(false)
	if err != nil {
		return 0, err
	}
	defer cancel()

	written := 0
	for written < len(b) {
		end := min(written+protocol.MaxMessageSize, len(b))
		if err := c.s.Write(ctx, b[written:end]); err != nil {
			return written, deadlineErr(err)
		}
		written = end
	}
	return written, nil
}

// waitContext returns a context that ends at the read or write deadline,
// or as soon as any deadline changes.
func (c *Conn) waitContext(read bool) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	dl := c.writeDeadline
	if read {
		dl = c.readDeadline
	}
	dch := c.deadlineCh
	c.mu.Unlock()

	if !dl.IsZero() && !time.Now().Before(dl) {
		return nil, nil, os.ErrDeadlineExceeded
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if dl.IsZero() {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), dl)
	}
	go func() {
		select {
		case <-dch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel, nil
}

func deadlineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Close starts a graceful close and returns without waiting for it.
func (c *Conn) Close() error {
	return c.s.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return hopAddr{addr: c.d.config.ListenAddr, id: c.s.ID()}
}

func (c *Conn) RemoteAddr() net.Addr {
	return hopAddr{addr: c.s.Peer(), id: c.s.ID()}
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.setDeadline(&t, &t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.setDeadline(&t, nil)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.setDeadline(nil, &t)
	return nil
}

func (c *Conn) setDeadline(read, write *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read != nil {
		c.readDeadline = *read
	}
	if write != nil {
		c.writeDeadline = *write
	}
	// Signal any blocked call to re-check
	close(c.deadlineCh)
	c.deadlineCh = make(chan struct{})
}

// hopAddr is a peer address plus the session id, satisfying net.Addr. The
// port changes every hop, so it is not part of the address.
type hopAddr struct {
	addr netip.Addr
	id   uint64
}

func (a hopAddr) Network() string { return "hopwire" }
func (a hopAddr) String() string  { return a.addr.String() + "#" + hexID(a.id) }
