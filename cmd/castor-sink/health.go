package main

import (
	"sync"
	"time"

	"github.com/zsiec/castor/internal/mpegts"
)

// healthReport summarizes the transport stream of one connection.
type healthReport struct {
	Bytes           int64
	Packets         int64
	Discontinuities int64
	Duplicates      int64
	Invalid         int64
	RandomAccess    int64
	PIDs            map[uint16]int64
	Uptime          time.Duration
}

// health checks a TS byte stream that arrives in arbitrary chunks.
type health struct {
	mu      sync.Mutex
	cc      *mpegts.ContinuityChecker
	carry   []byte
	bytes   int64
	invalid int64
	ra      int64
	pids    map[uint16]int64
	start   time.Time
}

func newHealth() *health {
	return &health{
		cc:    mpegts.NewContinuityChecker(),
		pids:  make(map[uint16]int64),
		start: time.Now(),
	}
}

func (h *health) write(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bytes += int64(len(b))

	if len(h.carry) > 0 {
		need := mpegts.PacketSize - len(h.carry)
		if len(b) < need {
			h.carry = append(h.carry, b...)
			return
		}
		h.packetLocked(append(h.carry, b[:need]...))
		h.carry = h.carry[:0]
		b = b[need:]
	}
	for len(b) >= mpegts.PacketSize {
		h.packetLocked(b[:mpegts.PacketSize])
		b = b[mpegts.PacketSize:]
	}
	h.carry = append(h.carry, b...)
}

func (h *health) packetLocked(pkt []byte) {
	if _, err := h.cc.Check(pkt); err != nil {
		h.invalid++
		return
	}
	hdr, _ := mpegts.ParseHeader(pkt)
	h.pids[hdr.PID]++
	if hdr.RandomAccess {
		h.ra++
	}
}

func (h *health) report() healthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	pids := make(map[uint16]int64, len(h.pids))
	for k, v := range h.pids {
		pids[k] = v
	}
	return healthReport{
		Bytes:           h.bytes,
		Packets:         h.cc.Packets,
		Discontinuities: h.cc.Discontinuity,
		Duplicates:      h.cc.Duplicates,
		Invalid:         h.invalid,
		RandomAccess:    h.ra,
		PIDs:            pids,
		Uptime:          time.Since(h.start),
	}
}
