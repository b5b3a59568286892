package srt

import (
	"sync"
	"time"
)

type sentPacket struct {
	seq  uint32
	sent time.Time
	wire []byte
}

// history retains recently sent data packets for NAK-driven resends. It is
// bounded both by count and by age; entries are in sequence order with no
// gaps, so lookup is an index computation.
type history struct {
	mu        sync.Mutex
	entries   []sentPacket
	size      int
	retention time.Duration
}

func newHistory(size int, retention time.Duration) *history {
	if size < 1 {
		size = 1
	}
	return &history{size: size, retention: retention}
}

// add records a packet; wire must not be modified afterwards.
func (h *history) add(seq uint32, wire []byte, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.entries); n > 0 && h.entries[n-1].seq != SeqAdd(seq, -1) {
		// A gap breaks index lookup; start over.
		h.entries = h.entries[:0]
	}
	h.entries = append(h.entries, sentPacket{seq: seq, sent: now, wire: wire})
	h.expireLocked(now)
}

func (h *history) expireLocked(now time.Time) {
	drop := 0
	for drop < len(h.entries) {
		e := h.entries[drop]
		if len(h.entries)-drop <= h.size && (h.retention <= 0 || now.Sub(e.sent) <= h.retention) {
			break
		}
		drop++
	}
	h.trimLocked(drop)
}

func (h *history) trimLocked(drop int) {
	if drop == 0 {
		return
	}
	clear(h.entries[:drop])
	h.entries = h.entries[drop:]
}

// get returns the stored packet for seq, or nil when it has expired or was
// never sent.
func (h *history) get(seq uint32, now time.Time) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked(now)
	if len(h.entries) == 0 {
		return nil
	}
	i := SeqDiff(seq, h.entries[0].seq)
	if i < 0 || i >= len(h.entries) || h.entries[i].seq != seq {
		return nil
	}
	return h.entries[i].wire
}

// ackUpTo drops every packet before seq: the receiver has all of them.
func (h *history) ackUpTo(seq uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return
	}
	n := SeqDiff(seq, h.entries[0].seq)
	if n <= 0 {
		return
	}
	h.trimLocked(min(n, len(h.entries)))
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
