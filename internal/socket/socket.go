// Package socket provides the datagram transports the SRT engine runs over.
// A Socket is owned by exactly one connection; Send may be called from one
// writer at a time and Receive from one reader at a time, concurrently with
// each other.
package socket

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrNotConnected is returned by Send and Receive before Connect.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("socket: closed")
)

// Socket is a connected, message-oriented transport. Each Send is delivered
// as one datagram (or not at all); Receive returns one datagram.
type Socket interface {
	Connect(ctx context.Context) error
	Close() error
	Send(b []byte) error
	Receive(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	IsConnected() bool
	RemoteAddr() string
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
