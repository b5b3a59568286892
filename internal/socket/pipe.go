package socket

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// PipeEnd is one side of an in-memory datagram pipe. Datagrams are lost when
// the receiving side's buffer is full or a drop filter discards them, which
// makes it a convenient lossy link for tests.
type PipeEnd struct {
	name string
	peer *PipeEnd
	in   chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
	dropFn   func([]byte) bool

	Sent    atomic.Int64
	Dropped atomic.Int64
}

// Pipe returns two connected ends, each buffering up to buffer datagrams.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer < 1 {
		buffer = 1
	}
	a := &PipeEnd{name: "pipe-a", in: make(chan []byte, buffer), closed: make(chan struct{})}
	b := &PipeEnd{name: "pipe-b", in: make(chan []byte, buffer), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetDrop installs a filter on outgoing datagrams; returning true discards
// the datagram. A nil filter delivers everything.
func (p *PipeEnd) SetDrop(fn func(b []byte) bool) {
	p.mu.Lock()
	p.dropFn = fn
	p.mu.Unlock()
}

func (p *PipeEnd) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *PipeEnd) Connect(context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}
	return nil
}

func (p *PipeEnd) Send(b []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.mu.Lock()
	drop := p.dropFn
	p.mu.Unlock()
	if drop != nil && drop(b) {
		p.Dropped.Add(1)
		return nil
	}
	cp := append([]byte(nil), b...)
	select {
	case p.peer.in <- cp:
		p.Sent.Add(1)
	default:
		p.Dropped.Add(1)
	}
	return nil
}

func (p *PipeEnd) Receive(b []byte) (int, error) {
	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, fmt.Errorf("socket: %s receive: %w", p.name, os.ErrDeadlineExceeded)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-p.in:
		return copy(b, d), nil
	case <-p.closed:
		return 0, ErrClosed
	case <-timeout:
		return 0, fmt.Errorf("socket: %s receive: %w", p.name, os.ErrDeadlineExceeded)
	}
}

func (p *PipeEnd) SetReadDeadline(t time.Time) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

func (p *PipeEnd) IsConnected() bool {
	return !p.isClosed()
}

func (p *PipeEnd) RemoteAddr() string {
	return p.peer.name
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
