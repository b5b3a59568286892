// Package srttest provides a minimal SRT listener for tests of code that
// publishes over srt.Conn.
package srttest

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/castor/internal/socket"
	"github.com/zsiec/castor/internal/srt"
)

const (
	inductionMagic = 0x4A17
	cookie         = 0xC00C1E
)

// Peer answers the caller handshake, decrypts data packets and reports
// them on Data.
type Peer struct {
	// Passphrase, when set, is used to unwrap the caller's key material.
	// A mismatch is answered with a bad-secret KMRSP.
	Passphrase string
	// Reject, when nonzero, rejects every conclusion with this reason.
	Reject srt.RejectReason
	// SocketID is the listener's socket id.
	SocketID uint32

	sock socket.Socket
	data chan srt.DataPacket

	mu        sync.Mutex
	crypto    *srt.Crypto
	callerID  uint32
	streamID  string
	shutdown  chan struct{}
	shutOnce  sync.Once
	connected chan struct{}
	connOnce  sync.Once
}

// NewPeer returns a peer serving sock.
func NewPeer(sock socket.Socket) *Peer {
	return &Peer{
		SocketID:  0x7E57,
		sock:      sock,
		data:      make(chan srt.DataPacket, 4096),
		shutdown:  make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Data delivers decrypted data packets in arrival order.
func (p *Peer) Data() <-chan srt.DataPacket { return p.data }

// Connected is closed once a conclusion has been accepted.
func (p *Peer) Connected() <-chan struct{} { return p.connected }

// ShutdownReceived is closed when the caller sends a shutdown.
func (p *Peer) ShutdownReceived() <-chan struct{} { return p.shutdown }

// StreamID returns the stream id of the accepted conclusion.
func (p *Peer) StreamID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamID
}

// SendShutdown closes the session from the listener side.
func (p *Peer) SendShutdown() error {
	p.mu.Lock()
	dest := p.callerID
	p.mu.Unlock()
	return p.sock.Send(srt.ShutdownPacket(0, dest).AppendTo(nil))
}

// Serve handles packets until ctx is done or the socket fails.
func (p *Peer) Serve(ctx context.Context) error {
	buf := make([]byte, 1<<16)
	for ctx.Err() == nil {
		p.sock.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := p.sock.Receive(buf)
		if err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			return err
		}
		b := buf[:n]
		if !srt.IsControl(b) {
			var d srt.DataPacket
			if d.UnmarshalBinary(b) != nil {
				continue
			}
			p.deliver(ctx, d)
			continue
		}
		var cp srt.ControlPacket
		if cp.UnmarshalBinary(b) != nil {
			continue
		}
		switch cp.Type {
		case srt.CtrlHandshake:
			p.handshake(&cp)
		case srt.CtrlShutdown:
			p.shutOnce.Do(func() { close(p.shutdown) })
		case srt.CtrlUser:
			if cp.Subtype == srt.SubtypeKMReq {
				p.updateKeys(cp.Body)
			}
		}
	}
	return ctx.Err()
}

func (p *Peer) deliver(ctx context.Context, d srt.DataPacket) {
	p.mu.Lock()
	c := p.crypto
	p.mu.Unlock()
	if c != nil && d.Key != srt.KeyNone {
		if err := c.Decrypt(d.Seq, d.Key, d.Payload); err != nil {
			return
		}
	}
	select {
	case p.data <- d:
	case <-ctx.Done():
	}
}

func (p *Peer) send(hs *srt.Handshake, dest uint32) {
	p.sock.Send(hs.Packet(0, dest).AppendTo(nil))
}

func (p *Peer) handshake(cp *srt.ControlPacket) {
	req, err := srt.ParseHandshake(cp)
	if err != nil {
		return
	}
	resp := srt.Handshake{
		Version:    5,
		InitialSeq: req.InitialSeq,
		MTU:        1500,
		FlowWindow: 8192,
		SocketID:   p.SocketID,
	}
	switch req.Type {
	case srt.HSInduction:
		resp.Type = srt.HSInduction
		resp.ExtensionField = inductionMagic
		resp.Cookie = cookie
		p.send(&resp, req.SocketID)
	case srt.HSConclusion:
		if p.Reject != 0 {
			resp.Type = srt.HandshakeType(p.Reject)
			p.send(&resp, req.SocketID)
			return
		}
		resp.Type = srt.HSConclusion
		resp.Extensions = append(resp.Extensions, srt.HSExt{Version: srt.SRTVersion, Flags: srt.FlagTSBPDRcv, RecvLatency: 120}.Extension(srt.ExtHSRsp))
		if e, ok := req.Extension(srt.ExtKMReq); ok {
			resp.Extensions = append(resp.Extensions, srt.Extension{Type: srt.ExtKMRsp, Content: p.acceptKeys(e.Content)})
		}
		p.mu.Lock()
		p.callerID = req.SocketID
		if e, ok := req.Extension(srt.ExtSID); ok {
			p.streamID = srt.StreamIDFromExtension(e)
		}
		p.mu.Unlock()
		p.send(&resp, req.SocketID)
		p.connOnce.Do(func() { close(p.connected) })
	}
}

func (p *Peer) acceptKeys(content []byte) []byte {
	if p.Passphrase == "" {
		return srt.KMStateContent(srt.KMNoSecret)
	}
	var km srt.KeyMaterial
	if err := km.UnmarshalBinary(content); err != nil {
		return srt.KMStateContent(srt.KMBadSecret)
	}
	c, err := srt.NewCryptoFromKM(p.Passphrase, &km)
	if err != nil {
		return srt.KMStateContent(srt.KMBadSecret)
	}
	p.mu.Lock()
	p.crypto = c
	p.mu.Unlock()
	return content
}

func (p *Peer) updateKeys(content []byte) {
	p.mu.Lock()
	c, dest := p.crypto, p.callerID
	p.mu.Unlock()
	if c == nil {
		return
	}
	var km srt.KeyMaterial
	if km.UnmarshalBinary(content) != nil || c.Update(&km) != nil {
		p.sock.Send(srt.KMRefreshPacket(srt.SubtypeKMRsp, srt.KMStateContent(srt.KMBadSecret), 0, dest).AppendTo(nil))
		return
	}
	p.sock.Send(srt.KMRefreshPacket(srt.SubtypeKMRsp, content, 0, dest).AppendTo(nil))
}
