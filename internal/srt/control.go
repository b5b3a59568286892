package srt

import (
	"encoding/binary"
)

// placeholder is the 4-byte zero body libsrt puts on control packets that
// carry no information (keepalive, ACKACK, shutdown).
var placeholder = []byte{0, 0, 0, 0}

// KeepAlivePacket builds a keepalive.
func KeepAlivePacket(ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlKeepAlive, Timestamp: ts, DestSocketID: dest, Body: placeholder}
}

// ShutdownPacket builds a shutdown notice.
func ShutdownPacket(ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlShutdown, Timestamp: ts, DestSocketID: dest, Body: placeholder}
}

// AckAckPacket acknowledges the ACK with the given number.
func AckAckPacket(ackNumber, ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlAckAck, TypeInfo: ackNumber, Timestamp: ts, DestSocketID: dest, Body: placeholder}
}

// CongestionWarningPacket builds a congestion warning.
func CongestionWarningPacket(ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlCongestionWarning, Timestamp: ts, DestSocketID: dest}
}

// Ack is the body of an ACK. LastAckedSeq is the first sequence number the
// receiver has not yet received. A light ACK carries only that field.
type Ack struct {
	AckNumber             uint32
	LastAckedSeq          uint32
	RTT                   uint32 // microseconds
	RTTVar                uint32
	AvailableBuffer       uint32 // packets
	PacketsReceivingRate  uint32 // packets/s
	EstimatedLinkCapacity uint32 // packets/s
	ReceivingRate         uint32 // bytes/s
	Light                 bool
}

const (
	ackLightSize = 4
	ackSmallSize = 16
	ackFullSize  = 28
)

// Packet builds the control packet for a.
func (a *Ack) Packet(ts, dest uint32) *ControlPacket {
	body := binary.BigEndian.AppendUint32(nil, a.LastAckedSeq&MaxSeq)
	if !a.Light {
		for _, v := range []uint32{a.RTT, a.RTTVar, a.AvailableBuffer, a.PacketsReceivingRate, a.EstimatedLinkCapacity, a.ReceivingRate} {
			body = binary.BigEndian.AppendUint32(body, v)
		}
	}
	return &ControlPacket{Type: CtrlAck, TypeInfo: a.AckNumber, Timestamp: ts, DestSocketID: dest, Body: body}
}

// ParseAck decodes a light (4-byte), small (16-byte) or full (28-byte) ACK.
func ParseAck(p *ControlPacket) (Ack, error) {
	if err := p.expect(CtrlAck); err != nil {
		return Ack{}, err
	}
	b := p.Body
	a := Ack{AckNumber: p.TypeInfo}
	switch {
	case len(b) >= ackLightSize && len(b) < ackSmallSize:
		a.Light = true
	case len(b) >= ackSmallSize:
	default:
		return a, malformed("ack body of %d bytes", len(b))
	}
	a.LastAckedSeq = binary.BigEndian.Uint32(b[0:4]) & MaxSeq
	if a.Light {
		return a, nil
	}
	a.RTT = binary.BigEndian.Uint32(b[4:8])
	a.RTTVar = binary.BigEndian.Uint32(b[8:12])
	a.AvailableBuffer = binary.BigEndian.Uint32(b[12:16])
	if len(b) >= ackFullSize {
		a.PacketsReceivingRate = binary.BigEndian.Uint32(b[16:20])
		a.EstimatedLinkCapacity = binary.BigEndian.Uint32(b[20:24])
		a.ReceivingRate = binary.BigEndian.Uint32(b[24:28])
	}
	return a, nil
}

// LossRange is an inclusive range of lost sequence numbers.
type LossRange struct {
	From, To uint32
}

// Len returns the number of sequence numbers in the range.
func (r LossRange) Len() int {
	return SeqDiff(r.To, r.From) + 1
}

// NakPacket builds a NAK carrying the compressed loss list: single losses
// are one word, ranges are two words with the top bit set on the first.
func NakPacket(losses []LossRange, ts, dest uint32) *ControlPacket {
	var body []byte
	for _, r := range losses {
		if r.From == r.To {
			body = binary.BigEndian.AppendUint32(body, r.From&MaxSeq)
			continue
		}
		body = binary.BigEndian.AppendUint32(body, 0x80000000|r.From&MaxSeq)
		body = binary.BigEndian.AppendUint32(body, r.To&MaxSeq)
	}
	return &ControlPacket{Type: CtrlNak, Timestamp: ts, DestSocketID: dest, Body: body}
}

// ParseNak decodes a NAK loss list.
func ParseNak(p *ControlPacket) ([]LossRange, error) {
	if err := p.expect(CtrlNak); err != nil {
		return nil, err
	}
	b := p.Body
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, malformed("nak body of %d bytes", len(b))
	}
	var out []LossRange
	for i := 0; i < len(b); i += 4 {
		w := binary.BigEndian.Uint32(b[i:])
		if w&0x80000000 == 0 {
			out = append(out, LossRange{From: w, To: w})
			continue
		}
		if i+8 > len(b) {
			return nil, malformed("nak range start without end")
		}
		i += 4
		end := binary.BigEndian.Uint32(b[i:])
		if end&0x80000000 != 0 {
			return nil, malformed("nak range end has the range bit set")
		}
		r := LossRange{From: w & MaxSeq, To: end}
		if SeqLess(r.To, r.From) {
			return nil, malformed("nak range %d-%d is inverted", r.From, r.To)
		}
		out = append(out, r)
	}
	return out, nil
}

// DropReq asks the receiver to stop waiting for one message.
type DropReq struct {
	MessageNumber uint32
	FirstSeq      uint32
	LastSeq       uint32
}

func (d *DropReq) Packet(ts, dest uint32) *ControlPacket {
	body := binary.BigEndian.AppendUint32(nil, d.FirstSeq&MaxSeq)
	body = binary.BigEndian.AppendUint32(body, d.LastSeq&MaxSeq)
	return &ControlPacket{Type: CtrlDropReq, TypeInfo: d.MessageNumber, Timestamp: ts, DestSocketID: dest, Body: body}
}

func ParseDropReq(p *ControlPacket) (DropReq, error) {
	if err := p.expect(CtrlDropReq); err != nil {
		return DropReq{}, err
	}
	if len(p.Body) < 8 {
		return DropReq{}, malformed("dropreq body of %d bytes", len(p.Body))
	}
	return DropReq{
		MessageNumber: p.TypeInfo,
		FirstSeq:      binary.BigEndian.Uint32(p.Body[0:4]) & MaxSeq,
		LastSeq:       binary.BigEndian.Uint32(p.Body[4:8]) & MaxSeq,
	}, nil
}

// PeerErrorPacket reports an error code to the peer.
func PeerErrorPacket(code, ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlPeerError, TypeInfo: code, Timestamp: ts, DestSocketID: dest, Body: placeholder}
}

// KMRefreshPacket carries key material outside the handshake, as a KMREQ
// from the sender or a KMRSP from the receiver.
func KMRefreshPacket(subtype uint16, km []byte, ts, dest uint32) *ControlPacket {
	return &ControlPacket{Type: CtrlUser, Subtype: subtype, Timestamp: ts, DestSocketID: dest, Body: km}
}
