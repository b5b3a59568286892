package srt

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDataPacketRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []DataPacket{
		{Seq: 0, Position: PositionSolo, MessageNumber: 1, Payload: []byte{0x47}},
		{Seq: MaxSeq, Position: PositionFirst, InOrder: true, Key: KeyEven, MessageNumber: MaxMessageNumber, Timestamp: 0xFFFFFFFF, DestSocketID: 0xDEADBEEF},
		{Seq: 12345, Position: PositionMiddle, Key: KeyOdd, Retransmitted: true, MessageNumber: 77, Timestamp: 1000, DestSocketID: 9, Payload: bytes.Repeat([]byte{0xAA}, 1316)},
		{Seq: 1, Position: PositionLast, MessageNumber: 2, Payload: []byte{1, 2, 3}},
	}
	for _, want := range tests {
		b, err := want.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if IsControl(b) {
			t.Fatal("data packet marked as control")
		}
		var got DataPacket
		if err := got.UnmarshalBinary(b); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDataPacketWireLayout(t *testing.T) {
	t.Parallel()
	p := DataPacket{
		Seq:           0x01020304,
		Position:      PositionSolo,
		Key:           KeyOdd,
		Retransmitted: true,
		MessageNumber: 5,
		Timestamp:     0x0A0B0C0D,
		DestSocketID:  0x11223344,
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0xD4, 0x00, 0x00, 0x05, // PP=11 O=0 KK=10 R=1
		0x0A, 0x0B, 0x0C, 0x0D,
		0x11, 0x22, 0x33, 0x44,
	}
	if diff := cmp.Diff(want, p.AppendTo(nil)); diff != "" {
		t.Errorf("wire layout (-want +got):\n%s", diff)
	}

	plain := DataPacket{Position: PositionSolo}
	wire := plain.AppendTo(nil)
	markRetransmitted(wire)
	var got DataPacket
	if err := got.UnmarshalBinary(wire); err != nil {
		t.Fatal(err)
	}
	if !got.Retransmitted || got.Position != PositionSolo {
		t.Errorf("markRetransmitted: %+v", got)
	}
}

func TestControlPacketRoundTrip(t *testing.T) {
	t.Parallel()
	want := ControlPacket{Type: CtrlUser, Subtype: SubtypeKMRsp, TypeInfo: 3, Timestamp: 99, DestSocketID: 7, Body: []byte{1, 2, 3, 4}}
	b, _ := want.MarshalBinary()
	if b[0] != 0xFF || b[1] != 0xFF {
		t.Errorf("type bytes = % X, want FF FF", b[:2])
	}
	var got ControlPacket
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestControlPacketErrors(t *testing.T) {
	t.Parallel()
	var p ControlPacket
	if err := p.UnmarshalBinary([]byte{0x80, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("truncated: err = %v", err)
	}
	unknown := (&ControlPacket{Type: 0x0042}).AppendTo(nil)
	if err := p.UnmarshalBinary(unknown); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown type: err = %v", err)
	}
	data := (&DataPacket{}).AppendTo(nil)
	if err := p.UnmarshalBinary(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("data as control: err = %v", err)
	}
	var d DataPacket
	if err := d.UnmarshalBinary(KeepAlivePacket(0, 0).AppendTo(nil)); !errors.Is(err, ErrMalformed) {
		t.Errorf("control as data: err = %v", err)
	}
}

func TestAck(t *testing.T) {
	t.Parallel()
	full := Ack{AckNumber: 4, LastAckedSeq: 1000, RTT: 20000, RTTVar: 5000, AvailableBuffer: 8000, PacketsReceivingRate: 500, EstimatedLinkCapacity: 9000, ReceivingRate: 600000}
	p := full.Packet(1, 2)
	if len(p.Body) != ackFullSize {
		t.Fatalf("full ack body = %d bytes", len(p.Body))
	}
	got, err := ParseAck(p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(full, got); diff != "" {
		t.Errorf("full ack (-want +got):\n%s", diff)
	}

	light := Ack{AckNumber: 0, LastAckedSeq: 55, Light: true}
	got, err = ParseAck(light.Packet(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(light, got); diff != "" {
		t.Errorf("light ack (-want +got):\n%s", diff)
	}

	small := &ControlPacket{Type: CtrlAck, Body: make([]byte, ackSmallSize)}
	small.Body[7] = 0x10 // RTT 16
	got, err = ParseAck(small)
	if err != nil || got.Light || got.RTT != 16 {
		t.Errorf("small ack = %+v, %v", got, err)
	}

	if _, err := ParseAck(&ControlPacket{Type: CtrlAck, Body: []byte{1}}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short ack: err = %v", err)
	}
	if _, err := ParseAck(KeepAlivePacket(0, 0)); err == nil {
		t.Error("keepalive parsed as ack")
	}
}

func TestNakLossList(t *testing.T) {
	t.Parallel()
	losses := []LossRange{{From: 5, To: 5}, {From: 10, To: 20}, {From: MaxSeq - 1, To: 1}}
	p := NakPacket(losses, 0, 0)
	want := []byte{
		0x00, 0x00, 0x00, 0x05,
		0x80, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x14,
		0xFF, 0xFF, 0xFF, 0xFE, 0x00, 0x00, 0x00, 0x01,
	}
	if diff := cmp.Diff(want, p.Body); diff != "" {
		t.Errorf("loss list (-want +got):\n%s", diff)
	}
	got, err := ParseNak(p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(losses, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if n := got[2].Len(); n != 4 {
		t.Errorf("wrapped range length = %d, want 4", n)
	}

	bad := [][]byte{
		{},
		{0x80, 0, 0, 1},
		{0x80, 0, 0, 9, 0, 0, 0, 2},
		{0x80, 0, 0, 1, 0x80, 0, 0, 2},
		{0, 0, 1},
	}
	for _, b := range bad {
		if _, err := ParseNak(&ControlPacket{Type: CtrlNak, Body: b}); !errors.Is(err, ErrMalformed) {
			t.Errorf("body % X: err = %v, want ErrMalformed", b, err)
		}
	}
}

func TestDropReqAndPeerError(t *testing.T) {
	t.Parallel()
	want := DropReq{MessageNumber: 12, FirstSeq: 100, LastSeq: 104}
	got, err := ParseDropReq(want.Packet(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if _, err := ParseDropReq(&ControlPacket{Type: CtrlDropReq, Body: []byte{1}}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short dropreq: err = %v", err)
	}
	if pe := PeerErrorPacket(4000, 0, 0); pe.Type != CtrlPeerError || pe.TypeInfo != 4000 {
		t.Errorf("peer error packet = %+v", pe)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	t.Parallel()
	sid, err := StreamIDExtension("#!::r=live/cam1,m=publish")
	if err != nil {
		t.Fatal(err)
	}
	want := &Handshake{
		Version:         5,
		EncryptionField: 2,
		ExtensionField:  ExtFlagHSReq | ExtFlagKMReq | ExtFlagConfig,
		InitialSeq:      0x1234567,
		MTU:             1500,
		FlowWindow:      8192,
		Type:            HSConclusion,
		SocketID:        42,
		Cookie:          0xCAFE,
		PeerIP:          net.IPv4(192, 168, 1, 20),
		Extensions: []Extension{
			HSExt{Version: SRTVersion, Flags: FlagTSBPDSnd | FlagCrypt, RecvLatency: 120, SendLatency: 80}.Extension(ExtHSReq),
			sid,
		},
	}
	p := want.Packet(5, 0)
	if len(p.Body) != handshakeSize+16+4+len(sid.Content) {
		t.Errorf("body = %d bytes", len(p.Body))
	}
	got, err := ParseHandshake(p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	e, ok := got.Extension(ExtHSReq)
	if !ok {
		t.Fatal("HSREQ missing")
	}
	hs, err := ParseHSExt(e.Content)
	if err != nil {
		t.Fatal(err)
	}
	if hs.RecvLatency != 120 || hs.SendLatency != 80 || hs.Flags != FlagTSBPDSnd|FlagCrypt {
		t.Errorf("HSREQ = %+v", hs)
	}
	e, _ = got.Extension(ExtSID)
	if s := StreamIDFromExtension(e); s != "#!::r=live/cam1,m=publish" {
		t.Errorf("stream id = %q", s)
	}
}

func TestHandshakeWireDetails(t *testing.T) {
	t.Parallel()
	h := Handshake{Version: 4, Type: HSConclusion, PeerIP: net.IPv4(127, 0, 0, 1)}
	b := h.AppendTo(nil)
	if diff := cmp.Diff([]byte{0x01, 0x00, 0x00, 0x7F}, b[32:36]); diff != "" {
		t.Errorf("peer ip word (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xFF, 0xFF, 0xFF, 0xFF}, b[20:24]); diff != "" {
		t.Errorf("conclusion type (-want +got):\n%s", diff)
	}

	ext, _ := StreamIDExtension("abcde")
	if diff := cmp.Diff([]byte{'d', 'c', 'b', 'a', 0, 0, 0, 'e'}, ext.Content); diff != "" {
		t.Errorf("stream id encoding (-want +got):\n%s", diff)
	}
	if _, err := StreamIDExtension(string(make([]byte, maxStreamIDLen+1))); err == nil {
		t.Error("expected error for oversize stream id")
	}

	v6 := net.ParseIP("2001:db8::1")
	got := parsePeerIP(appendPeerIP(nil, v6))
	if !got.Equal(v6) {
		t.Errorf("ipv6 round trip = %v", got)
	}
}

func TestHandshakeErrors(t *testing.T) {
	t.Parallel()
	if _, err := ParseHandshake(&ControlPacket{Type: CtrlHandshake, Body: make([]byte, 20)}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short handshake: err = %v", err)
	}
	h := Handshake{Version: 5, Type: HSConclusion}
	body := h.AppendTo(nil)
	body = append(body, 0x00, 0x01, 0x00, 0x05) // HSREQ claiming 20 bytes
	if _, err := ParseHandshake(&ControlPacket{Type: CtrlHandshake, Body: body}); !errors.Is(err, ErrMalformed) {
		t.Errorf("overrunning extension: err = %v", err)
	}
	if _, err := ParseHSExt([]byte{1, 2}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short HSREQ: err = %v", err)
	}
	if !HandshakeType(RejBadSecret).IsRejection() || HSConclusion.IsRejection() {
		t.Error("IsRejection misclassifies")
	}
}
