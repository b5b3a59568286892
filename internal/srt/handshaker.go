package srt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// HandshakeState is the caller-side handshake progress.
type HandshakeState int

const (
	StateInduction HandshakeState = iota
	StateConclusion
	StateConnected
	StateRejected
)

func (s HandshakeState) String() string {
	switch s {
	case StateInduction:
		return "induction"
	case StateConclusion:
		return "conclusion"
	case StateConnected:
		return "connected"
	default:
		return "rejected"
	}
}

// HandshakeConfig is the caller's side of the capability exchange.
type HandshakeConfig struct {
	StreamID   string
	Passphrase string
	KeyLength  int // bytes; 0 means 16 when a passphrase is set
	Latency    time.Duration
	MTU        uint32
	FlowWindow uint32
	PeerIP     net.IP
}

// Negotiated is the outcome of a successful handshake.
type Negotiated struct {
	InitialSeq   uint32
	SocketID     uint32
	PeerSocketID uint32
	MTU          uint32
	FlowWindow   uint32
	PeerLatency  time.Duration
	PeerVersion  uint32
	PeerFlags    uint32
	Encrypted    bool
}

// Handshaker drives a caller through induction and conclusion. It performs
// no I/O and no retries: the caller sends whatever Start and Handle return
// and resends the last request on its own schedule.
type Handshaker struct {
	cfg    HandshakeConfig
	state  HandshakeState
	isn    uint32
	sockID uint32

	crypto  *Crypto
	current *ControlPacket
	result  Negotiated
	reject  *RejectError
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("srt: crypto/rand failed: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// NewHandshaker picks a random initial sequence number and socket id.
// With a passphrase it also generates the connection's key material.
func NewHandshaker(cfg HandshakeConfig) (*Handshaker, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	if cfg.FlowWindow == 0 {
		cfg.FlowWindow = 8192
	}
	if cfg.PeerIP == nil {
		cfg.PeerIP = net.IPv4(127, 0, 0, 1)
	}
	if _, err := StreamIDExtension(cfg.StreamID); err != nil {
		return nil, err
	}
	h := &Handshaker{
		cfg:    cfg,
		isn:    randomUint32() & MaxSeq,
		sockID: randomUint32()&0x3FFFFFFF | 1,
	}
	if cfg.Passphrase != "" {
		if h.cfg.KeyLength == 0 {
			h.cfg.KeyLength = 16
		}
		c, err := NewCrypto(cfg.Passphrase, h.cfg.KeyLength)
		if err != nil {
			return nil, err
		}
		h.crypto = c
	}
	return h, nil
}

// State returns the current state.
func (h *Handshaker) State() HandshakeState { return h.state }

// InitialSeq returns the sequence number the caller announces.
func (h *Handshaker) InitialSeq() uint32 { return h.isn }

// SocketID returns the caller's socket id.
func (h *Handshaker) SocketID() uint32 { return h.sockID }

// Crypto returns the key material owner, nil when unencrypted.
func (h *Handshaker) Crypto() *Crypto { return h.crypto }

// Current returns the request to (re)send in the current state.
func (h *Handshaker) Current() *ControlPacket { return h.current }

// Result returns the negotiated parameters once connected.
func (h *Handshaker) Result() Negotiated { return h.result }

func (h *Handshaker) base() Handshake {
	return Handshake{
		InitialSeq: h.isn,
		MTU:        h.cfg.MTU,
		FlowWindow: h.cfg.FlowWindow,
		SocketID:   h.sockID,
		PeerIP:     h.cfg.PeerIP,
	}
}

// Start returns the induction request.
func (h *Handshaker) Start() *ControlPacket {
	hs := h.base()
	hs.Version = 4
	hs.ExtensionField = udtDgram
	hs.Type = HSInduction
	h.state = StateInduction
	h.current = hs.Packet(0, 0)
	return h.current
}

func (h *Handshaker) fail(r RejectReason) error {
	h.state = StateRejected
	h.reject = &RejectError{Reason: r}
	h.current = nil
	return h.reject
}

// Handle consumes a packet from the listener. It returns the next request
// to send, nil when there is none. Packets that do not belong to the
// current phase are ignored. Once Rejected every call returns the same
// *RejectError.
func (h *Handshaker) Handle(p *ControlPacket) (*ControlPacket, error) {
	if h.state == StateRejected {
		return nil, h.reject
	}
	if h.state == StateConnected || p.Type != CtrlHandshake {
		return nil, nil
	}
	resp, err := ParseHandshake(p)
	if err != nil {
		return nil, err
	}
	if resp.Type.IsRejection() {
		return nil, h.fail(RejectReason(resp.Type))
	}

	switch h.state {
	case StateInduction:
		if resp.Type != HSInduction {
			return nil, nil
		}
		if resp.Version < 5 || resp.ExtensionField != srtMagic {
			return nil, h.fail(RejVersion)
		}
		return h.conclusion(resp.Cookie)
	case StateConclusion:
		if resp.Type != HSConclusion {
			return nil, nil
		}
		return nil, h.concluded(resp)
	}
	return nil, nil
}

func (h *Handshaker) conclusion(cookie uint32) (*ControlPacket, error) {
	hs := h.base()
	hs.Version = 5
	hs.Type = HSConclusion
	hs.Cookie = cookie
	hs.ExtensionField = ExtFlagHSReq | ExtFlagConfig

	flags := FlagTSBPDSnd | FlagTSBPDRcv | FlagTLPktDrop | FlagPeriodicNak | FlagRexmitFlg
	if h.crypto != nil {
		flags |= FlagCrypt
	}
	latency := uint16(h.cfg.Latency / time.Millisecond)
	hs.Extensions = append(hs.Extensions, HSExt{
		Version:     SRTVersion,
		Flags:       flags,
		RecvLatency: latency,
		SendLatency: latency,
	}.Extension(ExtHSReq))

	if h.cfg.StreamID != "" {
		sid, err := StreamIDExtension(h.cfg.StreamID)
		if err != nil {
			return nil, err
		}
		hs.Extensions = append(hs.Extensions, sid)
	}
	if h.crypto != nil {
		km, err := h.crypto.KeyMaterial()
		if err != nil {
			return nil, err
		}
		content, err := km.MarshalBinary()
		if err != nil {
			return nil, err
		}
		hs.ExtensionField |= ExtFlagKMReq
		hs.EncryptionField = uint16(h.crypto.KeyLen() / 8)
		hs.Extensions = append(hs.Extensions, Extension{Type: ExtKMReq, Content: content})
	}

	h.state = StateConclusion
	h.current = hs.Packet(0, 0)
	return h.current, nil
}

func (h *Handshaker) concluded(resp *Handshake) error {
	n := Negotiated{
		InitialSeq:   h.isn,
		SocketID:     h.sockID,
		PeerSocketID: resp.SocketID,
		MTU:          min(h.cfg.MTU, resp.MTU),
		FlowWindow:   min(h.cfg.FlowWindow, resp.FlowWindow),
		PeerLatency:  h.cfg.Latency,
		Encrypted:    h.crypto != nil,
	}
	if n.MTU == 0 {
		n.MTU = h.cfg.MTU
	}
	if n.FlowWindow == 0 {
		n.FlowWindow = h.cfg.FlowWindow
	}

	if e, ok := resp.Extension(ExtHSRsp); ok {
		rsp, err := ParseHSExt(e.Content)
		if err != nil {
			return err
		}
		n.PeerVersion = rsp.Version
		n.PeerFlags = rsp.Flags
		if peer := time.Duration(rsp.RecvLatency) * time.Millisecond; peer > n.PeerLatency {
			n.PeerLatency = peer
		}
	}

	if h.crypto != nil {
		e, ok := resp.Extension(ExtKMRsp)
		if !ok {
			return h.fail(RejUnsecure)
		}
		_, state, err := ParseKMResponse(e.Content)
		if err != nil {
			return h.fail(RejCrypto)
		}
		switch state {
		case KMSecured:
		case KMBadSecret, KMNoSecret:
			return h.fail(RejBadSecret)
		default:
			return h.fail(RejUnsecure)
		}
	}

	h.result = n
	h.state = StateConnected
	h.current = nil
	return nil
}
