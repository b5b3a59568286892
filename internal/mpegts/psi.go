package mpegts

const (
	PIDPAT   uint16 = 0x0000
	PIDPMT   uint16 = 0x1000
	PIDVideo uint16 = 0x0100
	PIDAudio uint16 = 0x0101

	tableIDPAT = 0x00
	tableIDPMT = 0x02

	programNumber     = 1
	transportStreamID = 1
)

// Stream types carried in the PMT.
const (
	StreamTypeH264    = 0x1B
	StreamTypeH265    = 0x24
	StreamTypeAAC     = 0x0F // ADTS
	StreamTypePrivate = 0x06 // Opus, identified by descriptor
)

// esEntry is one elementary stream line of the PMT.
type esEntry struct {
	streamType  byte
	pid         uint16
	descriptors []byte
}

// patSection builds a complete PAT section (with CRC) for a single program.
func patSection(version byte) []byte {
	// section_length counts from transport_stream_id through the CRC.
	const sectionLength = 5 + 4 + 4
	s := make([]byte, 0, 3+sectionLength)
	s = append(s,
		tableIDPAT,
		0xB0|byte(sectionLength>>8), byte(sectionLength),
		byte(transportStreamID>>8), byte(transportStreamID),
		0xC1|(version&0x1F)<<1, // reserved, version, current_next_indicator
		0x00,                   // section_number
		0x00,                   // last_section_number
		byte(programNumber>>8), byte(programNumber),
		0xE0|byte(PIDPMT>>8), byte(PIDPMT&0xFF),
	)
	return appendCRC32(s)
}

// pmtSection builds a complete PMT section (with CRC).
func pmtSection(version byte, pcrPID uint16, streams []esEntry) []byte {
	body := 0
	for _, es := range streams {
		body += 5 + len(es.descriptors)
	}
	sectionLength := 9 + body + 4

	s := make([]byte, 0, 3+sectionLength)
	s = append(s,
		tableIDPMT,
		0xB0|byte(sectionLength>>8), byte(sectionLength),
		byte(programNumber>>8), byte(programNumber),
		0xC1|(version&0x1F)<<1,
		0x00,
		0x00,
		0xE0|byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program_info_length = 0
	)
	for _, es := range streams {
		s = append(s,
			es.streamType,
			0xE0|byte(es.pid>>8), byte(es.pid),
			0xF0|byte(len(es.descriptors)>>8), byte(len(es.descriptors)),
		)
		s = append(s, es.descriptors...)
	}
	return appendCRC32(s)
}

// opusDescriptors returns the registration and extension descriptors that
// identify an Opus elementary stream (ETSI TS 102 366 style mapping).
func opusDescriptors(channels int) []byte {
	return []byte{
		0x05, 4, 'O', 'p', 'u', 's', // registration_descriptor
		0x7F, 2, 0x80, byte(channels), // DVB extension: opus channel config
	}
}

// appendPSIPacket wraps a section into one TS packet with a zero pointer
// field, padding the remainder with 0xFF.
func appendPSIPacket(dst []byte, pid uint16, cc byte, section []byte) []byte {
	var pkt [PacketSize]byte
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8)&0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F
	pkt[4] = 0x00 // pointer_field
	n := copy(pkt[5:], section)
	for i := 5 + n; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return append(dst, pkt[:]...)
}
