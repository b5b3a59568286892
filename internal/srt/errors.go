package srt

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Dial when the handshake does not complete
	// within the connect timeout.
	ErrTimeout = errors.New("srt: connection setup timed out")
	// ErrConnClosed is the terminal cause of a connection closed locally.
	ErrConnClosed = errors.New("srt: connection closed")
	// ErrPeerShutdown is the terminal cause when the peer sent a shutdown.
	ErrPeerShutdown = errors.New("srt: peer shut down the connection")
	// ErrPeerIdle is the terminal cause when CheckServerAlive is set and the
	// peer stays silent past the idle timeout.
	ErrPeerIdle = errors.New("srt: peer stopped responding")
)

// RejectReason is a handshake rejection code as carried in the handshake
// type field.
type RejectReason uint32

const (
	RejUnknown    RejectReason = 1000
	RejSystem     RejectReason = 1001
	RejPeer       RejectReason = 1002
	RejResource   RejectReason = 1003
	RejRogue      RejectReason = 1004
	RejBacklog    RejectReason = 1005
	RejIPE        RejectReason = 1006
	RejClose      RejectReason = 1007
	RejVersion    RejectReason = 1008
	RejRdvCookie  RejectReason = 1009
	RejBadSecret  RejectReason = 1010
	RejUnsecure   RejectReason = 1011
	RejMessageAPI RejectReason = 1012
	RejCongestion RejectReason = 1013
	RejFilter     RejectReason = 1014
	RejGroup      RejectReason = 1015
	RejTimeout    RejectReason = 1016
	RejCrypto     RejectReason = 1017
)

var rejectText = map[RejectReason]string{
	RejUnknown:    "unknown or erroneous",
	RejSystem:     "error in system calls",
	RejPeer:       "peer rejected connection",
	RejResource:   "resource allocation failure",
	RejRogue:      "rogue peer or incorrect parameters",
	RejBacklog:    "listener's backlog exceeded",
	RejIPE:        "internal program error",
	RejClose:      "socket is being closed",
	RejVersion:    "peer version too old",
	RejRdvCookie:  "rendezvous-mode cookie collision",
	RejBadSecret:  "incorrect passphrase",
	RejUnsecure:   "password required or unexpected",
	RejMessageAPI: "stream flag collision",
	RejCongestion: "incompatible congestion-controller type",
	RejFilter:     "incompatible packet filter",
	RejGroup:      "incompatible group",
	RejTimeout:    "connection timeout",
	RejCrypto:     "conflicting cryptographic configurations",
}

func (r RejectReason) String() string {
	if s, ok := rejectText[r]; ok {
		return s
	}
	if r >= 2000 {
		return fmt.Sprintf("application rejection %d", r-2000)
	}
	return fmt.Sprintf("rejection %d", uint32(r))
}

// RejectError reports a connection attempt refused by the peer or by the
// local handshake checks.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return "srt: connection rejected: " + e.Reason.String()
}

// IsAuthFailure reports whether err is a rejection caused by the passphrase.
func IsAuthFailure(err error) bool {
	var rej *RejectError
	if !errors.As(err, &rej) {
		return false
	}
	return rej.Reason == RejBadSecret || rej.Reason == RejUnsecure
}
