package srt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the common SRT packet header.
const HeaderSize = 16

// ErrMalformed is wrapped by every decode error.
var ErrMalformed = errors.New("srt: malformed packet")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// IsControl reports whether a datagram carries a control packet.
func IsControl(b []byte) bool {
	return len(b) > 0 && b[0]&0x80 != 0
}

// Position is the PP field of a data packet: where the packet sits within
// its message.
type Position uint8

const (
	PositionMiddle Position = 0
	PositionLast   Position = 1
	PositionFirst  Position = 2
	PositionSolo   Position = 3
)

func (p Position) String() string {
	switch p {
	case PositionMiddle:
		return "middle"
	case PositionLast:
		return "last"
	case PositionFirst:
		return "first"
	default:
		return "solo"
	}
}

// KeyFlag selects the even or odd stream encrypting key. In key material
// messages KeyBoth announces both.
type KeyFlag uint8

const (
	KeyNone KeyFlag = 0
	KeyEven KeyFlag = 1
	KeyOdd  KeyFlag = 2
	KeyBoth KeyFlag = 3
)

func (k KeyFlag) String() string {
	switch k {
	case KeyNone:
		return "none"
	case KeyEven:
		return "even"
	case KeyOdd:
		return "odd"
	default:
		return "both"
	}
}

// DataPacket is an SRT data packet.
type DataPacket struct {
	Seq           uint32
	Position      Position
	InOrder       bool
	Key           KeyFlag
	Retransmitted bool
	MessageNumber uint32
	Timestamp     uint32
	DestSocketID  uint32
	Payload       []byte
}

// AppendTo appends the wire form of p to dst.
func (p *DataPacket) AppendTo(dst []byte) []byte {
	w1 := uint32(p.Position)<<30 | p.MessageNumber&MaxMessageNumber
	if p.InOrder {
		w1 |= 1 << 29
	}
	w1 |= uint32(p.Key&0x03) << 27
	if p.Retransmitted {
		w1 |= 1 << 26
	}
	dst = binary.BigEndian.AppendUint32(dst, p.Seq&MaxSeq)
	dst = binary.BigEndian.AppendUint32(dst, w1)
	dst = binary.BigEndian.AppendUint32(dst, p.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, p.DestSocketID)
	return append(dst, p.Payload...)
}

func (p *DataPacket) MarshalBinary() ([]byte, error) {
	return p.AppendTo(make([]byte, 0, HeaderSize+len(p.Payload))), nil
}

// UnmarshalBinary decodes a data packet. The payload is copied.
func (p *DataPacket) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return malformed("data packet of %d bytes", len(b))
	}
	if IsControl(b) {
		return malformed("control bit set on data packet")
	}
	w1 := binary.BigEndian.Uint32(b[4:8])
	*p = DataPacket{
		Seq:           binary.BigEndian.Uint32(b[0:4]) & MaxSeq,
		Position:      Position(w1 >> 30),
		InOrder:       w1&(1<<29) != 0,
		Key:           KeyFlag(w1>>27) & 0x03,
		Retransmitted: w1&(1<<26) != 0,
		MessageNumber: w1 & MaxMessageNumber,
		Timestamp:     binary.BigEndian.Uint32(b[8:12]),
		DestSocketID:  binary.BigEndian.Uint32(b[12:16]),
		Payload:       append([]byte(nil), b[HeaderSize:]...),
	}
	return nil
}

// markRetransmitted sets the R flag on a marshaled data packet in place.
func markRetransmitted(wire []byte) {
	wire[4] |= 0x04
}

// ControlType identifies a control packet.
type ControlType uint16

const (
	CtrlHandshake         ControlType = 0x0000
	CtrlKeepAlive         ControlType = 0x0001
	CtrlAck               ControlType = 0x0002
	CtrlNak               ControlType = 0x0003
	CtrlCongestionWarning ControlType = 0x0004
	CtrlShutdown          ControlType = 0x0005
	CtrlAckAck            ControlType = 0x0006
	CtrlDropReq           ControlType = 0x0007
	CtrlPeerError         ControlType = 0x0008
	CtrlUser              ControlType = 0x7FFF
)

func (t ControlType) String() string {
	switch t {
	case CtrlHandshake:
		return "handshake"
	case CtrlKeepAlive:
		return "keepalive"
	case CtrlAck:
		return "ack"
	case CtrlNak:
		return "nak"
	case CtrlCongestionWarning:
		return "congestion-warning"
	case CtrlShutdown:
		return "shutdown"
	case CtrlAckAck:
		return "ackack"
	case CtrlDropReq:
		return "dropreq"
	case CtrlPeerError:
		return "peer-error"
	case CtrlUser:
		return "user"
	default:
		return fmt.Sprintf("ControlType(0x%04X)", uint16(t))
	}
}

func (t ControlType) known() bool {
	return t <= CtrlPeerError || t == CtrlUser
}

// Subtypes of CtrlUser packets.
const (
	SubtypeKMReq uint16 = 3
	SubtypeKMRsp uint16 = 4
)

// ControlPacket is an SRT control packet with an undecoded body. The typed
// helpers in this package build and parse the bodies.
type ControlPacket struct {
	Type         ControlType
	Subtype      uint16
	TypeInfo     uint32
	Timestamp    uint32
	DestSocketID uint32
	Body         []byte
}

// AppendTo appends the wire form of p to dst.
func (p *ControlPacket) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, 0x8000|uint16(p.Type))
	dst = binary.BigEndian.AppendUint16(dst, p.Subtype)
	dst = binary.BigEndian.AppendUint32(dst, p.TypeInfo)
	dst = binary.BigEndian.AppendUint32(dst, p.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, p.DestSocketID)
	return append(dst, p.Body...)
}

func (p *ControlPacket) MarshalBinary() ([]byte, error) {
	return p.AppendTo(make([]byte, 0, HeaderSize+len(p.Body))), nil
}

// UnmarshalBinary decodes a control packet of a known type. The body is
// copied.
func (p *ControlPacket) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return malformed("control packet of %d bytes", len(b))
	}
	if !IsControl(b) {
		return malformed("control bit clear on control packet")
	}
	t := ControlType(binary.BigEndian.Uint16(b[0:2]) & 0x7FFF)
	if !t.known() {
		return malformed("unknown control type 0x%04X", uint16(t))
	}
	*p = ControlPacket{
		Type:         t,
		Subtype:      binary.BigEndian.Uint16(b[2:4]),
		TypeInfo:     binary.BigEndian.Uint32(b[4:8]),
		Timestamp:    binary.BigEndian.Uint32(b[8:12]),
		DestSocketID: binary.BigEndian.Uint32(b[12:16]),
		Body:         append([]byte(nil), b[HeaderSize:]...),
	}
	return nil
}

func (p *ControlPacket) expect(t ControlType) error {
	if p.Type != t {
		return fmt.Errorf("srt: %s packet parsed as %s", p.Type, t)
	}
	return nil
}
