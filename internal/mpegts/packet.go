package mpegts

import "fmt"

const (
	// PacketSize is the fixed size of a transport stream packet.
	PacketSize = 188

	syncByte = 0x47

	// payloadCapacity is the payload room of a packet with no adaptation field.
	payloadCapacity = PacketSize - 4
)

// Header holds the fields of a TS packet header and the offset of its payload.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	PayloadUnitStartIndicator bool
	HasAdaptationField        bool
	HasPayload                bool
	RandomAccess              bool
	HasPCR                    bool
	DiscontinuityIndicator    bool
	PayloadOffset             int
}

// ParseHeader decodes the header and adaptation-field flags of one packet.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != PacketSize {
		return h, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return h, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if h.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			flags := buf[offset+1]
			h.DiscontinuityIndicator = flags&0x80 != 0
			h.RandomAccess = flags&0x40 != 0
			h.HasPCR = flags&0x10 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			return h, fmt.Errorf("mpegts: adaptation field length %d overruns packet", afLen)
		}
	}
	h.PayloadOffset = offset
	return h, nil
}

// ParsePCR returns the 27 MHz PCR carried by a packet whose header has HasPCR.
func ParsePCR(buf []byte) int64 {
	b := buf[6:12]
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return base*300 + ext
}

// ContinuityChecker tracks per-PID continuity counters across a stream of
// packets and counts unexpected jumps.
type ContinuityChecker struct {
	last          map[uint16]uint8
	Packets       int64
	Discontinuity int64
	Duplicates    int64
}

// NewContinuityChecker returns an empty checker.
func NewContinuityChecker() *ContinuityChecker {
	return &ContinuityChecker{last: make(map[uint16]uint8)}
}

// Check records one packet and reports whether its CC followed the
// previous packet on the same PID. Packets without payload do not advance
// the counter; a signaled discontinuity resets tracking for the PID.
func (c *ContinuityChecker) Check(pkt []byte) (bool, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return false, err
	}
	c.Packets++
	if !h.HasPayload {
		return true, nil
	}
	prev, seen := c.last[h.PID]
	c.last[h.PID] = h.ContinuityCounter
	if !seen || h.DiscontinuityIndicator {
		return true, nil
	}
	if h.ContinuityCounter == (prev+1)&0x0F {
		return true, nil
	}
	if h.ContinuityCounter == prev {
		c.Duplicates++
	} else {
		c.Discontinuity++
	}
	return false, nil
}

// CheckStream runs Check over every packet in a 188-byte aligned buffer.
func (c *ContinuityChecker) CheckStream(data []byte) error {
	if len(data)%PacketSize != 0 {
		return fmt.Errorf("mpegts: stream length %d not a multiple of %d", len(data), PacketSize)
	}
	for off := 0; off < len(data); off += PacketSize {
		if _, err := c.Check(data[off : off+PacketSize]); err != nil {
			return fmt.Errorf("mpegts: packet at offset %d: %w", off, err)
		}
	}
	return nil
}
