package srt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zsiec/castor/internal/socket"
)

// testPeer plays the listener side of a connection over an in-memory pipe.
type testPeer struct {
	t    *testing.T
	sock *socket.PipeEnd

	socketID   uint32
	cookie     uint32
	passphrase string
	latencyMs  uint16
	reject     RejectReason // nonzero rejects the conclusion
	silent     bool         // never answers the handshake

	conclusion *Handshake
	crypto     *Crypto
}

func newTestPeer(t *testing.T) (*testPeer, *socket.PipeEnd) {
	a, b := socket.Pipe(4096)
	t.Cleanup(func() { b.Close() })
	return &testPeer{t: t, sock: b, socketID: 0x5EED, cookie: 0xC00C1E}, a
}

func (p *testPeer) read(timeout time.Duration) ([]byte, error) {
	p.sock.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := p.sock.Receive(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *testPeer) send(c *ControlPacket) {
	p.sock.Send(c.AppendTo(nil))
}

// serveHandshake answers one induction and one conclusion.
func (p *testPeer) serveHandshake() error {
	for {
		b, err := p.read(2 * time.Second)
		if err != nil {
			return err
		}
		var cp ControlPacket
		if cp.UnmarshalBinary(b) != nil || cp.Type != CtrlHandshake {
			continue
		}
		if p.silent {
			continue
		}
		hs, err := ParseHandshake(&cp)
		if err != nil {
			return err
		}
		switch hs.Type {
		case HSInduction:
			if hs.Version != 4 || hs.ExtensionField != udtDgram {
				return fmt.Errorf("induction version %d ext %d", hs.Version, hs.ExtensionField)
			}
			resp := Handshake{Version: 5, ExtensionField: srtMagic, InitialSeq: hs.InitialSeq, MTU: 1500, FlowWindow: 8192, Type: HSInduction, SocketID: p.socketID, Cookie: p.cookie}
			p.send(resp.Packet(0, hs.SocketID))
		case HSConclusion:
			if hs.Cookie != p.cookie {
				return fmt.Errorf("conclusion cookie 0x%x", hs.Cookie)
			}
			p.conclusion = hs
			if p.reject != 0 {
				p.send((&Handshake{Version: 5, Type: HandshakeType(p.reject), SocketID: p.socketID}).Packet(0, hs.SocketID))
				return nil
			}
			resp := Handshake{Version: 5, InitialSeq: hs.InitialSeq, MTU: 1500, FlowWindow: 8192, Type: HSConclusion, SocketID: p.socketID}
			resp.Extensions = append(resp.Extensions, HSExt{Version: SRTVersion, Flags: FlagTSBPDRcv, RecvLatency: p.latencyMs}.Extension(ExtHSRsp))
			if e, ok := hs.Extension(ExtKMReq); ok {
				resp.Extensions = append(resp.Extensions, Extension{Type: ExtKMRsp, Content: p.kmResponse(e.Content)})
			}
			p.send(resp.Packet(0, hs.SocketID))
			return nil
		}
	}
}

func (p *testPeer) kmResponse(content []byte) []byte {
	if p.passphrase == "" {
		return KMStateContent(KMNoSecret)
	}
	var km KeyMaterial
	if err := km.UnmarshalBinary(content); err != nil {
		return KMStateContent(KMBadSecret)
	}
	c, err := NewCryptoFromKM(p.passphrase, &km)
	if err != nil {
		return KMStateContent(KMBadSecret)
	}
	p.crypto = c
	return content
}

// dial runs Dial against the peer. Handshake failures are returned.
func (p *testPeer) dial(sock socket.Socket, cfg Config) (*Conn, error) {
	errc := make(chan error, 1)
	go func() { errc <- p.serveHandshake() }()
	conn, err := Dial(context.Background(), sock, cfg, nil)
	if perr := <-errc; perr != nil && err == nil {
		p.t.Fatalf("peer handshake: %v", perr)
	}
	if err == nil {
		p.t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func (p *testPeer) mustDial(sock socket.Socket, cfg Config) *Conn {
	p.t.Helper()
	conn, err := p.dial(sock, cfg)
	if err != nil {
		p.t.Fatalf("Dial: %v", err)
	}
	return conn
}

// next returns the next data packet, answering KMREQs and skipping other
// control packets along the way.
func (p *testPeer) next() DataPacket {
	p.t.Helper()
	for {
		b, err := p.read(2 * time.Second)
		if err != nil {
			p.t.Fatalf("waiting for data: %v", err)
		}
		if IsControl(b) {
			var cp ControlPacket
			if err := cp.UnmarshalBinary(b); err == nil {
				p.onControl(&cp)
			}
			continue
		}
		var d DataPacket
		if err := d.UnmarshalBinary(b); err != nil {
			p.t.Fatal(err)
		}
		return d
	}
}

func (p *testPeer) onControl(cp *ControlPacket) {
	if cp.Type != CtrlUser || cp.Subtype != SubtypeKMReq || p.crypto == nil {
		return
	}
	var km KeyMaterial
	if err := km.UnmarshalBinary(cp.Body); err != nil {
		p.t.Errorf("KMREQ: %v", err)
		return
	}
	if err := p.crypto.Update(&km); err != nil {
		p.t.Errorf("KMREQ update: %v", err)
		return
	}
	p.send(KMRefreshPacket(SubtypeKMRsp, cp.Body, 0, 0))
}

// nextControl waits for a control packet of type want.
func (p *testPeer) nextControl(want ControlType) *ControlPacket {
	p.t.Helper()
	for {
		b, err := p.read(2 * time.Second)
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", want, err)
		}
		if !IsControl(b) {
			continue
		}
		var cp ControlPacket
		if err := cp.UnmarshalBinary(b); err != nil {
			continue
		}
		if cp.Type == want {
			return &cp
		}
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}
