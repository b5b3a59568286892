package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the TLS application protocol negotiated by srt+quic endpoints.
const ALPN = "srt-datagram"

const quicCloseCode quic.ApplicationErrorCode = 0

// QUICConfig returns the quic-go configuration shared by both ends: datagram
// support enabled and a keep-alive below the idle timeout so an idle SRT
// session does not lose its QUIC connection.
func QUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// QUIC carries each SRT packet in one unreliable QUIC DATAGRAM frame.
type QUIC struct {
	addr string
	tls  *tls.Config

	mu       sync.Mutex
	conn     quic.Connection
	deadline time.Time
	closed   atomic.Bool
}

// NewQUIC returns an unconnected QUIC datagram socket for host:port. If
// tlsConf has no NextProtos, ALPN is used.
func NewQUIC(addr string, tlsConf *tls.Config) *QUIC {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return &QUIC{addr: addr, tls: tlsConf}
}

// Connect performs the QUIC handshake.
func (q *QUIC) Connect(ctx context.Context) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if q.tls == nil {
		return fmt.Errorf("socket: quic %s: accepted socket is already connected", q.addr)
	}
	conn, err := quic.DialAddr(ctx, q.addr, q.tls, QUICConfig())
	if err != nil {
		return fmt.Errorf("socket: dial quic %s: %w", q.addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(quicCloseCode, "datagrams required")
		return fmt.Errorf("socket: quic peer %s does not support datagrams", q.addr)
	}
	q.mu.Lock()
	q.conn = conn
	q.mu.Unlock()
	return nil
}

func newAcceptedQUIC(conn quic.Connection) *QUIC {
	return &QUIC{addr: conn.RemoteAddr().String(), conn: conn}
}

func (q *QUIC) get() (quic.Connection, time.Time, error) {
	if q.closed.Load() {
		return nil, time.Time{}, ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil {
		return nil, time.Time{}, ErrNotConnected
	}
	return q.conn, q.deadline, nil
}

func (q *QUIC) Send(b []byte) error {
	conn, _, err := q.get()
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(b); err != nil {
		if q.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("socket: quic send datagram: %w", err)
	}
	return nil
}

func (q *QUIC) Receive(b []byte) (int, error) {
	conn, deadline, err := q.get()
	if err != nil {
		return 0, err
	}
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	d, err := conn.ReceiveDatagram(ctx)
	switch {
	case err == nil:
		return copy(b, d), nil
	case errors.Is(err, context.DeadlineExceeded):
		return 0, fmt.Errorf("socket: quic receive: %w", os.ErrDeadlineExceeded)
	case q.closed.Load():
		return 0, ErrClosed
	default:
		return 0, fmt.Errorf("socket: quic receive datagram: %w", err)
	}
}

// SetReadDeadline applies to Receive calls started after it returns.
func (q *QUIC) SetReadDeadline(t time.Time) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	q.deadline = t
	q.mu.Unlock()
	return nil
}

func (q *QUIC) IsConnected() bool {
	conn, _, err := q.get()
	return err == nil && conn.Context().Err() == nil
}

func (q *QUIC) RemoteAddr() string {
	return q.addr
}

func (q *QUIC) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil {
		return nil
	}
	return q.conn.CloseWithError(quicCloseCode, "closed")
}

// QUICListener accepts QUIC connections and hands each out as a datagram
// Socket.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens on addr. The TLS config must carry a certificate; ALPN
// is filled in when empty.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("socket: listen quic %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for the next connection. The returned socket is already
// connected; calling Connect on it is an error.
func (l *QUICListener) Accept(ctx context.Context) (*QUIC, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("socket: accept quic: %w", err)
	}
	return newAcceptedQUIC(conn), nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}
