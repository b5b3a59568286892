package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDP is a connected UDP socket.
type UDP struct {
	addr string

	mu     sync.Mutex
	conn   *net.UDPConn
	closed atomic.Bool
}

// NewUDP returns an unconnected UDP socket for host:port.
func NewUDP(addr string) *UDP {
	return &UDP{addr: addr}
}

// Connect resolves the address and binds a connected socket. Nothing is sent
// on the wire; UDP has no handshake of its own.
func (u *UDP) Connect(ctx context.Context) error {
	if u.closed.Load() {
		return ErrClosed
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", u.addr)
	if err != nil {
		return fmt.Errorf("socket: dial udp %s: %w", u.addr, err)
	}
	conn := c.(*net.UDPConn)
	// Larger buffers absorb bursts of a key frame's worth of packets.
	_ = conn.SetReadBuffer(1 << 20)
	_ = conn.SetWriteBuffer(1 << 20)

	return u.attach(conn)
}

// attach stores a freshly dialed conn. A Close that ran while dialing wins
// and the conn is released.
func (u *UDP) attach(conn *net.UDPConn) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed.Load() {
		conn.Close()
		return ErrClosed
	}
	if u.conn != nil {
		conn.Close()
		return fmt.Errorf("socket: udp %s already connected", u.addr)
	}
	u.conn = conn
	return nil
}

func (u *UDP) get() (*net.UDPConn, error) {
	if u.closed.Load() {
		return nil, ErrClosed
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil, ErrNotConnected
	}
	return u.conn, nil
}

func (u *UDP) Send(b []byte) error {
	conn, err := u.get()
	if err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		if u.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("socket: udp write: %w", err)
	}
	return nil
}

func (u *UDP) Receive(b []byte) (int, error) {
	conn, err := u.get()
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(b)
	if err != nil {
		if u.closed.Load() || errors.Is(err, net.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("socket: udp read: %w", err)
	}
	return n, nil
}

func (u *UDP) SetReadDeadline(t time.Time) error {
	conn, err := u.get()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

func (u *UDP) IsConnected() bool {
	_, err := u.get()
	return err == nil
}

func (u *UDP) RemoteAddr() string {
	return u.addr
}

// Close releases the socket and unblocks a pending Receive.
func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}
