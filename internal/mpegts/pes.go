package mpegts

const (
	streamIDVideo = 0xE0
	streamIDAudio = 0xC0

	// pesHeaderLen is the PES header size with a PTS and no DTS.
	pesHeaderLen = 14

	// ptsMask keeps timestamps inside the 33-bit PTS/PCR base range.
	ptsMask = 1<<33 - 1
)

// microsTo90k converts a microsecond timestamp to the 90 kHz clock.
func microsTo90k(us int64) int64 {
	return us * 9 / 100
}

// appendPESHeader writes a PES header carrying a PTS for an elementary
// payload of esLen bytes. Video PES packets larger than the 16-bit length
// field use the unbounded (zero) length.
func appendPESHeader(dst []byte, streamID byte, pts int64, esLen int) []byte {
	pesLen := 3 + 5 + esLen // flags, header_data_length, PTS
	if pesLen > 0xFFFF {
		pesLen = 0
	}
	flags := byte(0x80) // marker bits '10'
	if streamID == streamIDVideo {
		flags |= 0x04 // data_alignment_indicator
	}
	dst = append(dst,
		0x00, 0x00, 0x01, streamID,
		byte(pesLen>>8), byte(pesLen),
		flags,
		0x80, // PTS only
		5,    // PES_header_data_length
	)
	return appendTimestamp(dst, 0x2, pts)
}

// appendTimestamp encodes a 33-bit PTS/DTS with the given 4-bit prefix.
func appendTimestamp(dst []byte, prefix byte, ts int64) []byte {
	ts &= ptsMask
	return append(dst,
		prefix<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)&0xFE|0x01,
		byte(ts>>7),
		byte(ts<<1)&0xFE|0x01,
	)
}

// appendPCR encodes a PCR base (90 kHz) with a zero extension.
func appendPCR(dst []byte, base int64) []byte {
	base &= ptsMask
	return append(dst,
		byte(base>>25),
		byte(base>>17),
		byte(base>>9),
		byte(base>>1),
		byte(base<<7)&0x80|0x7E,
		0x00,
	)
}
