package srt

const (
	// MaxSeq is the largest packet sequence number; the space wraps to 0.
	MaxSeq = 1<<31 - 1
	// MaxMessageNumber is the largest message number; the space wraps to 1.
	MaxMessageNumber = 1<<26 - 1

	seqThreshold = 1 << 30
)

// SeqNext returns the sequence number following s.
func SeqNext(s uint32) uint32 {
	return (s + 1) & MaxSeq
}

// SeqAdd offsets s by n (which may be negative) on the 31-bit ring.
func SeqAdd(s uint32, n int) uint32 {
	return uint32((int64(s) + int64(n)) & MaxSeq)
}

// SeqDiff returns a-b as the shortest signed distance on the ring.
func SeqDiff(a, b uint32) int {
	d := int64(a&MaxSeq) - int64(b&MaxSeq)
	switch {
	case d > seqThreshold:
		d -= MaxSeq + 1
	case d < -seqThreshold:
		d += MaxSeq + 1
	}
	return int(d)
}

// SeqLess reports whether a precedes b.
func SeqLess(a, b uint32) bool {
	return SeqDiff(a, b) < 0
}

// MsgNext returns the message number following m. Zero is never produced.
func MsgNext(m uint32) uint32 {
	m = (m + 1) & MaxMessageNumber
	if m == 0 {
		m = 1
	}
	return m
}
