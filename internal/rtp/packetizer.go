// Package rtp is a sibling transport to SRT: it carries the same frames as
// plain RTP over a datagram socket, one SSRC per track.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/castor/internal/media"
	"github.com/zsiec/castor/internal/sender"
	"github.com/zsiec/castor/internal/socket"
)

// ErrUnsupportedCodec is returned for tracks this transport cannot carry.
var ErrUnsupportedCodec = errors.New("rtp: unsupported codec")

const (
	DefaultMTU = 1200

	PayloadTypeVideo uint8 = 96
	PayloadTypeAudio uint8 = 97

	videoClock = 90000
	opusClock  = 48000
)

// Config controls packet sizing and payload types.
type Config struct {
	MTU          int
	VideoPayload uint8
	AudioPayload uint8
}

// DefaultConfig returns the dynamic payload types 96/97 and a 1200 byte MTU.
func DefaultConfig() Config {
	return Config{MTU: DefaultMTU, VideoPayload: PayloadTypeVideo, AudioPayload: PayloadTypeAudio}
}

type track struct {
	pt        uint8
	ssrc      uint32
	clock     uint32
	tsBase    uint32
	sequencer rtp.Sequencer
	payloader rtp.Payloader
	fmtp      string
	rtpmap    string
}

func newTrack(pt uint8, clock uint32, payloader rtp.Payloader) *track {
	return &track{
		pt:        pt,
		ssrc:      random32(),
		clock:     clock,
		tsBase:    random32(),
		sequencer: rtp.NewRandomSequencer(),
		payloader: payloader,
	}
}

func random32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// timestamp maps a microsecond presentation time onto the track clock.
func (t *track) timestamp(us int64) uint32 {
	return t.tsBase + uint32(us*int64(t.clock)/1_000_000)
}

// Packetizer implements sender.Packetizer over RTP.
type Packetizer struct {
	cfg       Config
	sock      socket.Socket
	audioSock socket.Socket
	log       *slog.Logger

	mu    sync.Mutex
	video *track
	audio *track
	sps   []byte
	pps   []byte
}

var _ sender.Packetizer = (*Packetizer)(nil)

// NewPacketizer returns a packetizer writing video to sock and audio to
// audioSock. A nil audioSock sends both tracks to sock. Sockets must already
// be connected.
func NewPacketizer(sock, audioSock socket.Socket, cfg Config, log *slog.Logger) *Packetizer {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MTU <= 0 {
		cfg.MTU = def.MTU
	}
	if cfg.VideoPayload == 0 {
		cfg.VideoPayload = def.VideoPayload
	}
	if cfg.AudioPayload == 0 {
		cfg.AudioPayload = def.AudioPayload
	}
	if audioSock == nil {
		audioSock = sock
	}
	return &Packetizer{
		cfg:       cfg,
		sock:      sock,
		audioSock: audioSock,
		log:       log.With("component", "rtp", "remote", sock.RemoteAddr()),
	}
}

// ConfigureVideo sets up the video track.
func (p *Packetizer) ConfigureVideo(info media.VideoInfo) error {
	if info.Codec != media.H264 {
		return fmt.Errorf("%w: video %s", ErrUnsupportedCodec, info.Codec)
	}
	t := newTrack(p.cfg.VideoPayload, videoClock, &codecs.H264Payloader{})
	t.rtpmap = fmt.Sprintf("H264/%d", videoClock)
	t.fmtp = "packetization-mode=1"

	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = t
	p.sps = clone(info.SPS)
	p.pps = clone(info.PPS)
	return nil
}

// ConfigureAudio sets up the audio track.
func (p *Packetizer) ConfigureAudio(info media.AudioInfo) error {
	var t *track
	switch info.Codec {
	case media.AAC:
		idx, ok := sampleRateIndex(info.SampleRate)
		if !ok {
			return fmt.Errorf("rtp: unsupported AAC sample rate %d", info.SampleRate)
		}
		t = newTrack(p.cfg.AudioPayload, uint32(info.SampleRate), AACPayloader{})
		t.rtpmap = fmt.Sprintf("mpeg4-generic/%d/%d", info.SampleRate, info.Channels)
		t.fmtp = fmt.Sprintf("streamtype=5;profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3;config=%X",
			audioSpecificConfig(idx, info.Channels))
	case media.Opus:
		t = newTrack(p.cfg.AudioPayload, opusClock, &codecs.OpusPayloader{})
		t.rtpmap = fmt.Sprintf("opus/%d/2", opusClock)
		if info.Channels == 2 {
			t.fmtp = "sprop-stereo=1"
		}
	default:
		return fmt.Errorf("%w: audio %s", ErrUnsupportedCodec, info.Codec)
	}
	p.mu.Lock()
	p.audio = t
	p.mu.Unlock()
	return nil
}

func (p *Packetizer) SetVideoInfo(info media.VideoInfo) {
	if err := p.ConfigureVideo(info); err != nil {
		p.log.Warn("video track not configured", "error", err)
	}
}

func (p *Packetizer) SetAudioInfo(info media.AudioInfo) {
	if err := p.ConfigureAudio(info); err != nil {
		p.log.Warn("audio track not configured", "error", err)
	}
}

// Packets builds the RTP packets for f without sending them.
func (p *Packetizer) Packets(f *media.Frame) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.audio
	payload := f.Payload()
	if f.Type == media.Video {
		t = p.video
		if f.KeyFrame && !hasSPS(payload) && p.sps != nil && p.pps != nil {
			payload = withParameterSets(payload, p.sps, p.pps)
		}
	}
	if t == nil {
		return nil, fmt.Errorf("rtp: no %s track configured", f.Type)
	}
	payloads := t.payloader.Payload(uint16(p.cfg.MTU-12), payload)
	if len(payloads) == 0 {
		return nil, fmt.Errorf("rtp: %s frame of %d bytes produced no packets", f.Type, f.Size)
	}
	ts := t.timestamp(f.Timestamp)
	pkts := make([]*rtp.Packet, len(payloads))
	for i, pl := range payloads {
		pkts[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    t.pt,
				SequenceNumber: t.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           t.ssrc,
			},
			Payload: pl,
		}
	}
	return pkts, nil
}

// Send packetizes f and writes every packet. Socket failures wrap
// sender.ErrFatal.
func (p *Packetizer) Send(ctx context.Context, f *media.Frame) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pkts, err := p.Packets(f)
	if err != nil {
		return 0, err
	}
	sock := p.sock
	if f.Type == media.Audio {
		sock = p.audioSock
	}
	written := 0
	for _, pkt := range pkts {
		b, err := pkt.Marshal()
		if err != nil {
			return written, fmt.Errorf("rtp: marshal: %w", err)
		}
		if err := sock.Send(b); err != nil {
			return written, fmt.Errorf("%w: rtp: %w", sender.ErrFatal, err)
		}
		written += len(b)
	}
	return written, nil
}

// SDP describes the configured tracks for a receiver listening on
// videoPort and audioPort.
func (p *Packetizer) SDP(host string, videoPort, audioPort int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 %s\r\ns=castor\r\nc=IN IP4 %s\r\nt=0 0\r\n", host, host)
	for _, m := range []struct {
		kind string
		port int
		t    *track
	}{{"video", videoPort, p.video}, {"audio", audioPort, p.audio}} {
		if m.t == nil {
			continue
		}
		s += fmt.Sprintf("m=%s %d RTP/AVP %d\r\na=rtpmap:%d %s\r\n", m.kind, m.port, m.t.pt, m.t.pt, m.t.rtpmap)
		if m.t.fmtp != "" {
			s += fmt.Sprintf("a=fmtp:%d %s\r\n", m.t.pt, m.t.fmtp)
		}
		s += fmt.Sprintf("a=ssrc:%d\r\n", m.t.ssrc)
	}
	return s
}

func hasSPS(annexB []byte) bool {
	for i := 0; i+3 < len(annexB); i++ {
		if annexB[i] == 0 && annexB[i+1] == 0 && annexB[i+2] == 1 && annexB[i+3]&0x1F == 7 {
			return true
		}
	}
	return false
}

func withParameterSets(payload, sps, pps []byte) []byte {
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(payload))
	out = append(out, 0, 0, 0, 1)
	out = append(out, sps...)
	out = append(out, 0, 0, 0, 1)
	out = append(out, pps...)
	return append(out, payload...)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
