package mpegts

import (
	"bytes"
	"fmt"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// H.264 and H.265 NAL unit types the muxer cares about.
const (
	h264NALSPS = 7
	h264NALAUD = 9

	h265NALVPS = 32
	h265NALSPS = 33
	h265NALAUD = 35
)

var (
	h264AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	h265AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x46, 0x01, 0x50}
)

// nalTypes returns the NAL unit types of an Annex B buffer in order.
func nalTypes(data []byte, hevc bool) []byte {
	var types []byte
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		off := 0
		if data[i+2] == 1 {
			off = i + 3
		} else if data[i+2] == 0 && data[i+3] == 1 {
			off = i + 4
		} else {
			continue
		}
		if off >= len(data) {
			break
		}
		if hevc {
			types = append(types, (data[off]>>1)&0x3F)
		} else {
			types = append(types, data[off]&0x1F)
		}
		i = off
	}
	return types
}

func hasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, startCode) || bytes.HasPrefix(data, startCode[1:])
}

// prepareVideo returns the elementary stream bytes for one access unit:
// Annex B framing, a leading access unit delimiter, and in-band parameter
// sets on key frames that lack them.
func prepareVideo(dst []byte, payload []byte, keyFrame bool, info videoTrackInfo) []byte {
	hevc := info.hevc
	var types []byte
	if hasStartCode(payload) {
		types = nalTypes(payload, hevc)
	}

	aud, audType, psType := h264AUD, byte(h264NALAUD), byte(h264NALSPS)
	if hevc {
		aud, audType, psType = h265AUD, h265NALAUD, h265NALVPS
	}

	hasAUD := len(types) > 0 && types[0] == audType
	hasPS := bytes.IndexByte(types, psType) >= 0
	if hevc && !hasPS {
		hasPS = bytes.IndexByte(types, h265NALSPS) >= 0
	}

	if !hasAUD {
		dst = append(dst, aud...)
	}
	if keyFrame && !hasPS {
		for _, ps := range info.parameterSets() {
			dst = append(dst, startCode...)
			dst = append(dst, ps...)
		}
	}
	if len(types) == 0 {
		dst = append(dst, startCode...)
	}
	return append(dst, payload...)
}

// videoTrackInfo is the subset of media.VideoInfo the ES writer needs.
type videoTrackInfo struct {
	hevc          bool
	vps, sps, pps []byte
}

func (v videoTrackInfo) parameterSets() [][]byte {
	var out [][]byte
	for _, ps := range [][]byte{v.vps, v.sps, v.pps} {
		if len(ps) > 0 {
			out = append(out, ps)
		}
	}
	return out
}

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

func aacSampleRateIndex(rate int) (int, error) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, nil
		}
	}
	return 0, fmt.Errorf("mpegts: unsupported AAC sample rate %d", rate)
}

func isADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0
}

// appendADTS prepends a 7-byte ADTS header (AAC-LC, no CRC) to a raw AAC
// access unit. ADTS-framed input is passed through.
func appendADTS(dst []byte, au []byte, sampleRateIndex, channels int) []byte {
	if isADTS(au) {
		return append(dst, au...)
	}
	const profile = 1 // AAC-LC (object type 2) minus one
	frameLen := 7 + len(au)
	dst = append(dst,
		0xFF,
		0xF1, // MPEG-4, layer 0, protection absent
		byte(profile<<6|sampleRateIndex<<2|(channels>>2)&0x01),
		byte((channels&0x03)<<6|(frameLen>>11)&0x03),
		byte(frameLen>>3),
		byte((frameLen&0x07)<<5|0x1F),
		0xFC,
	)
	return append(dst, au...)
}

// appendOpusControlHeader writes the opus_control_header that precedes
// every Opus access unit in a transport stream.
func appendOpusControlHeader(dst []byte, auSize int) []byte {
	dst = append(dst, 0x7F, 0xE0)
	for auSize >= 0xFF {
		dst = append(dst, 0xFF)
		auSize -= 0xFF
	}
	return append(dst, byte(auSize))
}
