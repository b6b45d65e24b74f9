package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/TeoSlayer/hopwire/internal/pool"
)

// UDP binds real UDP sockets on one local address.
type UDP struct {
	addr netip.Addr
	log  *slog.Logger

	mu    sync.Mutex
	conns map[uint16]*net.UDPConn

	recvCh    chan *Datagram
	done      chan struct{}
	readWg    sync.WaitGroup
	closeOnce sync.Once
	stats     counters
}

// NewUDP creates a transport that binds ports on addr, typically the
// unspecified address.
func NewUDP(addr netip.Addr, log *slog.Logger) *UDP {
	if log == nil {
		log = slog.Default()
	}
	return &UDP{
		addr:   addr,
		log:    log,
		conns:  make(map[uint16]*net.UDPConn),
		recvCh: make(chan *Datagram, RecvQueue),
		done:   make(chan struct{}),
	}
}

func (u *UDP) Bind(port uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bindLocked(port)
}

func (u *UDP) bindLocked(port uint16) error {
	select {
	case <-u.done:
		return ErrClosed
	default:
	}
	if _, ok := u.conns[port]; ok {
		return nil
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(u.addr, port)))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	u.conns[port] = conn
	u.readWg.Add(1)
	go u.readLoop(port, conn)
	return nil
}

func (u *UDP) Unbind(port uint16) error {
	u.mu.Lock()
	conn, ok := u.conns[port]
	delete(u.conns, port)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func (u *UDP) Bound(port uint16) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.conns[port]
	return ok
}

func (u *UDP) Send(localPort uint16, to netip.AddrPort, data []byte) error {
	u.mu.Lock()
	if err := u.bindLocked(localPort); err != nil {
		u.mu.Unlock()
		return err
	}
	conn := u.conns[localPort]
	u.mu.Unlock()

	n, err := conn.WriteToUDPAddrPort(data, to)
	if err != nil {
		return fmt.Errorf("send from %d: %w", localPort, err)
	}
	u.stats.sent(n)
	return nil
}

func (u *UDP) Recv() <-chan *Datagram { return u.recvCh }

func (u *UDP) Stats() Stats {
	u.mu.Lock()
	n := len(u.conns)
	u.mu.Unlock()
	return u.stats.snapshot(n)
}

// Close unbinds every port and closes the receive channel once all read
// loops have exited.
func (u *UDP) Close() error {
	var errs []error
	u.closeOnce.Do(func() {
		u.mu.Lock()
		close(u.done)
		for port, conn := range u.conns {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(u.conns, port)
		}
		u.mu.Unlock()
		u.readWg.Wait()
		close(u.recvCh)
	})
	return errors.Join(errs...)
}

func (u *UDP) readLoop(port uint16, conn *net.UDPConn) {
	defer u.readWg.Done()
	for {
		bufPtr := pool.Datagrams.Get()
		buf := *bufPtr
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			pool.Datagrams.Put(bufPtr)
			if errors.Is(err, net.ErrClosed) {
				u.log.Debug("port read loop stopped", "port", port)
			} else {
				u.log.Error("port read error", "port", port, "error", err)
			}
			return
		}
		u.stats.received(n)
		d := &Datagram{LocalPort: port, From: from, Data: buf[:n], buf: bufPtr}
		select {
		case u.recvCh <- d:
		case <-u.done:
			d.Release()
			return
		default:
			u.stats.dropped.Add(1)
			d.Release()
		}
	}
}
