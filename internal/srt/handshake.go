package srt

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	handshakeSize = 48

	// srtMagic is the extension field of a version 5 induction response.
	srtMagic = 0x4A17

	// udtDgram is the socket type a version 4 induction request advertises.
	udtDgram = 2

	// maxStreamIDLen is the longest stream id the SID extension carries.
	maxStreamIDLen = 512
)

// HandshakeType is the handshake type field. Values of 1000 and above are
// rejection codes.
type HandshakeType int32

const (
	HSWaveAHand  HandshakeType = 0
	HSInduction  HandshakeType = 1
	HSConclusion HandshakeType = -1
	HSAgreement  HandshakeType = -2
	HSDone       HandshakeType = -3
)

func (t HandshakeType) String() string {
	switch t {
	case HSWaveAHand:
		return "waveahand"
	case HSInduction:
		return "induction"
	case HSConclusion:
		return "conclusion"
	case HSAgreement:
		return "agreement"
	case HSDone:
		return "done"
	}
	if t.IsRejection() {
		return "rejection(" + RejectReason(t).String() + ")"
	}
	return fmt.Sprintf("HandshakeType(%d)", int32(t))
}

// IsRejection reports whether t carries a rejection reason.
func (t HandshakeType) IsRejection() bool {
	return t >= HandshakeType(RejUnknown)
}

// Extension flags of a version 5 conclusion request.
const (
	ExtFlagHSReq  uint16 = 0x01
	ExtFlagKMReq  uint16 = 0x02
	ExtFlagConfig uint16 = 0x04
)

// ExtType identifies a handshake extension block.
type ExtType uint16

const (
	ExtHSReq      ExtType = 1
	ExtHSRsp      ExtType = 2
	ExtKMReq      ExtType = 3
	ExtKMRsp      ExtType = 4
	ExtSID        ExtType = 5
	ExtCongestion ExtType = 6
	ExtFilter     ExtType = 7
	ExtGroup      ExtType = 8
)

// Extension is one handshake extension block. Content length is a multiple
// of four bytes.
type Extension struct {
	Type    ExtType
	Content []byte
}

// Handshake is the body of a handshake control packet.
type Handshake struct {
	Version         uint32
	EncryptionField uint16
	ExtensionField  uint16
	InitialSeq      uint32
	MTU             uint32
	FlowWindow      uint32
	Type            HandshakeType
	SocketID        uint32
	Cookie          uint32
	PeerIP          net.IP
	Extensions      []Extension
}

// Extension returns the first extension of type t.
func (h *Handshake) Extension(t ExtType) (Extension, bool) {
	for _, e := range h.Extensions {
		if e.Type == t {
			return e, true
		}
	}
	return Extension{}, false
}

// AppendTo appends the handshake body and its extensions to dst.
func (h *Handshake) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.EncryptionField)
	dst = binary.BigEndian.AppendUint16(dst, h.ExtensionField)
	dst = binary.BigEndian.AppendUint32(dst, h.InitialSeq&MaxSeq)
	dst = binary.BigEndian.AppendUint32(dst, h.MTU)
	dst = binary.BigEndian.AppendUint32(dst, h.FlowWindow)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Type))
	dst = binary.BigEndian.AppendUint32(dst, h.SocketID)
	dst = binary.BigEndian.AppendUint32(dst, h.Cookie)
	dst = appendPeerIP(dst, h.PeerIP)
	for _, e := range h.Extensions {
		dst = binary.BigEndian.AppendUint16(dst, uint16(e.Type))
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.Content)/4))
		dst = append(dst, e.Content...)
	}
	return dst
}

// Packet wraps h in a control packet.
func (h *Handshake) Packet(ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlHandshake, Timestamp: ts, DestSocketID: dest, Body: h.AppendTo(nil)}
}

// ParseHandshake decodes a handshake control packet.
func ParseHandshake(p *ControlPacket) (*Handshake, error) {
	if err := p.expect(CtrlHandshake); err != nil {
		return nil, err
	}
	b := p.Body
	if len(b) < handshakeSize {
		return nil, malformed("handshake body of %d bytes", len(b))
	}
	h := &Handshake{
		Version:         binary.BigEndian.Uint32(b[0:4]),
		EncryptionField: binary.BigEndian.Uint16(b[4:6]),
		ExtensionField:  binary.BigEndian.Uint16(b[6:8]),
		InitialSeq:      binary.BigEndian.Uint32(b[8:12]) & MaxSeq,
		MTU:             binary.BigEndian.Uint32(b[12:16]),
		FlowWindow:      binary.BigEndian.Uint32(b[16:20]),
		Type:            HandshakeType(int32(binary.BigEndian.Uint32(b[20:24]))),
		SocketID:        binary.BigEndian.Uint32(b[24:28]),
		Cookie:          binary.BigEndian.Uint32(b[28:32]),
		PeerIP:          parsePeerIP(b[32:48]),
	}
	// Only version 5 conclusion-phase packets carry extensions; anything
	// else past the fixed body is padding.
	if h.Version < 5 || h.Type != HSConclusion {
		return h, nil
	}
	rest := b[handshakeSize:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, malformed("truncated handshake extension header")
		}
		t := ExtType(binary.BigEndian.Uint16(rest[0:2]))
		n := int(binary.BigEndian.Uint16(rest[2:4])) * 4
		if len(rest) < 4+n {
			return nil, malformed("extension %d of %d bytes overruns packet", t, n)
		}
		h.Extensions = append(h.Extensions, Extension{Type: t, Content: rest[4 : 4+n]})
		rest = rest[4+n:]
	}
	return h, nil
}

// appendPeerIP writes the 16-byte peer address field. libsrt stores each
// 32-bit word in host (little-endian) order, IPv4 in the first word.
func appendPeerIP(dst []byte, ip net.IP) []byte {
	var field [16]byte
	if ip4 := ip.To4(); ip4 != nil {
		copy(field[:4], ip4)
	} else if ip16 := ip.To16(); ip16 != nil {
		copy(field[:], ip16)
	}
	for i := 0; i < 16; i += 4 {
		field[i], field[i+1], field[i+2], field[i+3] = field[i+3], field[i+2], field[i+1], field[i]
	}
	return append(dst, field[:]...)
}

func parsePeerIP(b []byte) net.IP {
	var field [16]byte
	for i := 0; i < 16; i += 4 {
		field[i], field[i+1], field[i+2], field[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
	if binary.BigEndian.Uint32(field[4:8])|binary.BigEndian.Uint32(field[8:12])|binary.BigEndian.Uint32(field[12:16]) == 0 {
		return net.IPv4(field[0], field[1], field[2], field[3])
	}
	return net.IP(field[:])
}

// SRT option flags exchanged in HSREQ/HSRSP.
const (
	FlagTSBPDSnd     uint32 = 0x01
	FlagTSBPDRcv     uint32 = 0x02
	FlagCrypt        uint32 = 0x04
	FlagTLPktDrop    uint32 = 0x08
	FlagPeriodicNak  uint32 = 0x10
	FlagRexmitFlg    uint32 = 0x20
	FlagStream       uint32 = 0x40
	FlagPacketFilter uint32 = 0x80
)

// SRTVersion is the protocol version advertised in HSREQ (1.5.3).
const SRTVersion uint32 = 0x010503

// HSExt is the content of an HSREQ or HSRSP extension.
type HSExt struct {
	Version uint32
	Flags   uint32
	// RecvLatency and SendLatency are TSBPD delays in milliseconds.
	RecvLatency uint16
	SendLatency uint16
}

func (e HSExt) Extension(t ExtType) Extension {
	b := binary.BigEndian.AppendUint32(nil, e.Version)
	b = binary.BigEndian.AppendUint32(b, e.Flags)
	b = binary.BigEndian.AppendUint16(b, e.RecvLatency)
	b = binary.BigEndian.AppendUint16(b, e.SendLatency)
	return Extension{Type: t, Content: b}
}

// ParseHSExt decodes HSREQ/HSRSP content.
func ParseHSExt(content []byte) (HSExt, error) {
	if len(content) < 12 {
		return HSExt{}, malformed("hs extension of %d bytes", len(content))
	}
	return HSExt{
		Version:     binary.BigEndian.Uint32(content[0:4]),
		Flags:       binary.BigEndian.Uint32(content[4:8]),
		RecvLatency: binary.BigEndian.Uint16(content[8:10]),
		SendLatency: binary.BigEndian.Uint16(content[10:12]),
	}, nil
}

// StreamIDExtension encodes a stream id the way libsrt does: zero padded to
// a word boundary with the bytes of every word reversed.
func StreamIDExtension(sid string) (Extension, error) {
	if len(sid) > maxStreamIDLen {
		return Extension{}, fmt.Errorf("srt: stream id of %d bytes exceeds %d", len(sid), maxStreamIDLen)
	}
	return Extension{Type: ExtSID, Content: swapWords([]byte(sid))}, nil
}

// StreamIDFromExtension reverses StreamIDExtension.
func StreamIDFromExtension(e Extension) string {
	b := swapWords(e.Content)
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// CongestionExtension names the congestion controller ("live").
func CongestionExtension(name string) Extension {
	return Extension{Type: ExtCongestion, Content: swapWords([]byte(name))}
}

func swapWords(b []byte) []byte {
	out := make([]byte, (len(b)+3)/4*4)
	copy(out, b)
	for i := 0; i < len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}
