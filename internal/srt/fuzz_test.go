package srt

import "testing"

func FuzzControlPacket(f *testing.F) {
	f.Add(KeepAlivePacket(1, 2).AppendTo(nil))
	f.Add(NakPacket([]LossRange{{From: 1, To: 4}, {From: 9, To: 9}}, 0, 0).AppendTo(nil))
	f.Add((&Ack{AckNumber: 1, LastAckedSeq: 10, RTT: 100}).Packet(0, 0).AppendTo(nil))
	f.Add((&Handshake{Version: 5, Type: HSConclusion, Extensions: []Extension{HSExt{}.Extension(ExtHSRsp)}}).Packet(0, 0).AppendTo(nil))
	f.Fuzz(func(t *testing.T, b []byte) {
		var p ControlPacket
		if err := p.UnmarshalBinary(b); err != nil {
			return
		}
		switch p.Type {
		case CtrlAck:
			ParseAck(&p)
		case CtrlNak:
			if losses, err := ParseNak(&p); err == nil {
				for _, r := range losses {
					if r.Len() < 1 {
						t.Fatalf("range %+v has length %d", r, r.Len())
					}
				}
			}
		case CtrlDropReq:
			ParseDropReq(&p)
		case CtrlHandshake:
			hs, err := ParseHandshake(&p)
			if err != nil {
				return
			}
			for _, e := range hs.Extensions {
				if len(e.Content)%4 != 0 {
					t.Fatalf("extension %d content of %d bytes", e.Type, len(e.Content))
				}
				ParseHSExt(e.Content)
				StreamIDFromExtension(e)
			}
		case CtrlUser:
			ParseKMResponse(p.Body)
		}
	})
}

func FuzzDataPacket(f *testing.F) {
	f.Add((&DataPacket{Seq: 7, Position: PositionSolo, Payload: []byte{0x47}}).AppendTo(nil))
	f.Fuzz(func(t *testing.T, b []byte) {
		var p DataPacket
		if err := p.UnmarshalBinary(b); err != nil {
			return
		}
		out := p.AppendTo(nil)
		var q DataPacket
		if err := q.UnmarshalBinary(out); err != nil {
			t.Fatalf("re-decode: %v", err)
		}
		if q.Seq != p.Seq || q.MessageNumber != p.MessageNumber || len(q.Payload) != len(p.Payload) {
			t.Fatalf("round trip changed %+v to %+v", p, q)
		}
	})
}

func FuzzKeyMaterial(f *testing.F) {
	c, err := NewCrypto("correct horse battery", 16)
	if err != nil {
		f.Fatal(err)
	}
	km, _ := c.KeyMaterial()
	seed, _ := km.MarshalBinary()
	f.Add(seed)
	f.Fuzz(func(t *testing.T, b []byte) {
		var km KeyMaterial
		if err := km.UnmarshalBinary(b); err != nil {
			return
		}
		if _, err := km.MarshalBinary(); err != nil {
			t.Fatalf("decoded key material does not encode: %v", err)
		}
	})
}
