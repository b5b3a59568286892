package rtp

import "encoding/binary"

// AACPayloader packs AAC access units per RFC 3640 (mpeg4-generic,
// AAC-hbr mode): a 16-bit AU-headers-length followed by one 16-bit AU
// header (13-bit size, 3-bit index) and the raw access unit. An access unit
// larger than one packet is fragmented; every fragment repeats the header
// with the full AU size.
type AACPayloader struct{}

const auHeaderSection = 4

// Payload implements rtp.Payloader. ADTS headers are stripped.
func (AACPayloader) Payload(mtu uint16, au []byte) [][]byte {
	au = stripADTS(au)
	if len(au) == 0 || int(mtu) <= auHeaderSection || len(au) > 0x1FFF {
		return nil
	}
	room := int(mtu) - auHeaderSection
	var out [][]byte
	for off := 0; off < len(au); off += room {
		chunk := au[off:min(off+room, len(au))]
		p := make([]byte, auHeaderSection, auHeaderSection+len(chunk))
		binary.BigEndian.PutUint16(p[0:2], 16) // one 16-bit AU header
		binary.BigEndian.PutUint16(p[2:4], uint16(len(au))<<3)
		out = append(out, append(p, chunk...))
	}
	return out
}

func stripADTS(b []byte) []byte {
	if len(b) < 7 || b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return b
	}
	n := 7
	if b[1]&0x01 == 0 { // CRC present
		n = 9
	}
	if len(b) < n {
		return nil
	}
	return b[n:]
}

// audioSpecificConfig returns the two-byte AAC-LC AudioSpecificConfig for
// the SDP fmtp line.
func audioSpecificConfig(sampleRateIndex, channels int) []byte {
	const aacLC = 2
	v := uint16(aacLC)<<11 | uint16(sampleRateIndex&0x0F)<<7 | uint16(channels&0x0F)<<3
	return binary.BigEndian.AppendUint16(nil, v)
}

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

func sampleRateIndex(rate int) (int, bool) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}
