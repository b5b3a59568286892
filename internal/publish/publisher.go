// Package publish ties the pieces of a live publish together: it parses the
// destination URL, dials the transport, runs the SRT handshake, drives a
// sender.Sender over the negotiated connection and reports the connection
// lifecycle as events.
package publish

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/castor/internal/certs"
	"github.com/zsiec/castor/internal/endpoint"
	"github.com/zsiec/castor/internal/event"
	"github.com/zsiec/castor/internal/media"
	"github.com/zsiec/castor/internal/mpegts"
	"github.com/zsiec/castor/internal/rtp"
	"github.com/zsiec/castor/internal/sender"
	"github.com/zsiec/castor/internal/socket"
	"github.com/zsiec/castor/internal/srt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a connection is up.
	ErrAlreadyConnected = errors.New("publish: already connected")
	// ErrNotConnected is returned by calls that need a live connection.
	ErrNotConnected = errors.New("publish: not connected")
)

// DialFunc returns an unconnected socket for addr. Publishers call it once
// per connection for srt URLs and twice (video, then audio) for rtp URLs.
type DialFunc func(ctx context.Context, ep endpoint.Endpoint, addr string) (socket.Socket, error)

// Config holds the publisher defaults. Per-connection SRT options come from
// the URL.
type Config struct {
	Sender sender.Config
	MPEGTS mpegts.Config
	// Dial creates transport sockets. Nil uses UDP, or QUIC for srt+quic.
	Dial DialFunc
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{
		Sender: sender.DefaultConfig(),
		MPEGTS: mpegts.DefaultConfig(),
	}
}

// Stats is a snapshot of the publisher state.
type Stats struct {
	Connected bool         `json:"connected"`
	URL       string       `json:"url,omitempty"`
	Sender    sender.Stats `json:"sender"`
	SRT       *srt.Stats   `json:"srt,omitempty"`
}

// Publisher is the context object of one publishing client. It holds at most
// one connection at a time; everything per-connection is created by Connect
// and dropped when the connection ends.
type Publisher struct {
	cfg Config
	log *slog.Logger
	bus *event.Bus

	mu        sync.Mutex
	video     *media.VideoInfo
	audio     *media.AudioInfo
	cacheSize int
	cacheTime time.Duration
	sess      *session
}

// New returns an idle publisher.
func New(cfg Config, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Sender.CacheSize <= 0 {
		cfg.Sender.CacheSize = sender.DefaultConfig().CacheSize
	}
	if cfg.Dial == nil {
		cfg.Dial = DialSocket
	}
	return &Publisher{
		cfg:       cfg,
		log:       log.With("component", "publisher"),
		bus:       event.NewBus(),
		cacheSize: cfg.Sender.CacheSize,
		cacheTime: cfg.Sender.CacheTime,
	}
}

// DialSocket is the default DialFunc.
func DialSocket(_ context.Context, ep endpoint.Endpoint, addr string) (socket.Socket, error) {
	if ep.Scheme != endpoint.SchemeSRTQUIC {
		return socket.NewUDP(addr), nil
	}
	if ep.Fingerprint == "" {
		return socket.NewQUIC(addr, &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS13}), nil
	}
	tlsConf, err := certs.PinnedClientConfig(ep.Fingerprint, socket.ALPN)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return socket.NewQUIC(addr, tlsConf), nil
}

// Events subscribes to the lifecycle events. Call cancel to unsubscribe.
func (p *Publisher) Events(buffer int) (<-chan event.Event, func()) {
	return p.bus.Subscribe(buffer)
}

// PrepareVideo sets the video track used by this and later connections.
func (p *Publisher) PrepareVideo(info media.VideoInfo) {
	p.mu.Lock()
	p.video = &info
	p.mu.Unlock()
	if s := p.current(); s != nil {
		s.snd.SetVideoInfo(info)
	}
}

// PrepareAudio sets the audio track used by this and later connections.
func (p *Publisher) PrepareAudio(info media.AudioInfo) {
	p.mu.Lock()
	p.audio = &info
	p.mu.Unlock()
	if s := p.current(); s != nil {
		s.snd.SetAudioInfo(info)
	}
}

func (p *Publisher) emit(kind event.Kind, url, reason string) {
	p.bus.Emit(event.Event{Kind: kind, URL: url, Reason: reason})
}

// Connect dials rawURL and starts sending. It returns once the connection
// is established or has failed; a failure is also reported as exactly one
// ConnectionFailed event.
func (p *Publisher) Connect(ctx context.Context, rawURL string) error {
	s := &session{url: endpoint.Redact(rawURL)}
	p.mu.Lock()
	if p.sess != nil {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.sess = s
	p.mu.Unlock()

	if err := p.connect(ctx, s, rawURL); err != nil {
		p.mu.Lock()
		p.sess = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Publisher) connect(ctx context.Context, s *session, rawURL string) error {
	url := s.url
	p.emit(event.ConnectionStarted, url, "")

	fail := func(err error) error {
		s.release()
		if srt.IsAuthFailure(err) {
			p.emit(event.AuthError, url, err.Error())
		}
		p.emit(event.ConnectionFailed, url, err.Error())
		p.log.Warn("connection failed", "url", url, "error", err)
		return err
	}

	ep, err := endpoint.Parse(rawURL)
	if err != nil {
		return fail(err)
	}
	if err := ep.Supported(); err != nil {
		return fail(err)
	}
	for _, k := range ep.Ignored {
		p.log.Warn("ignoring unknown URL option", "option", k)
	}
	s.ep = ep

	var pk sender.Packetizer
	if ep.IsSRT() {
		pk, err = p.dialSRT(ctx, s)
	} else {
		pk, err = p.dialRTP(ctx, s)
	}
	if err != nil {
		return fail(err)
	}

	scfg := p.cfg.Sender
	p.mu.Lock()
	scfg.CacheSize, scfg.CacheTime = p.cacheSize, p.cacheTime
	video, audio := p.video, p.audio
	p.mu.Unlock()
	scfg.OnBitrate = func(bps uint64) {
		p.bus.Emit(event.Event{Kind: event.NewBitrate, URL: url, Bitrate: bps})
	}
	scfg.OnFatal = func(err error) { p.end(s, err) }

	snd, err := sender.New(pk, scfg, p.log)
	if err != nil {
		return fail(err)
	}
	if video != nil {
		snd.SetVideoInfo(*video)
	}
	if audio != nil {
		snd.SetAudioInfo(*audio)
	}
	if err := snd.Start(context.Background()); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.snd = snd
	if s.conn != nil && s.conn.Negotiated().Encrypted {
		p.emit(event.AuthSuccess, url, "")
	}
	p.emit(event.ConnectionSuccess, url, "")
	s.up = true
	lost, cause := s.ended, s.cause
	s.mu.Unlock()
	p.log.Info("publishing", "url", url)

	// The connection died between the handshake and here.
	if lost {
		snd.Stop(true)
		p.disconnected(s, cause)
	}
	return nil
}

func (p *Publisher) dialSRT(ctx context.Context, s *session) (sender.Packetizer, error) {
	sock, err := p.cfg.Dial(ctx, s.ep, s.ep.Addr())
	if err != nil {
		return nil, err
	}
	cfg := s.ep.SRT
	cfg.OnLiveness = func(idle time.Duration) {
		p.emit(event.LivenessFailure, s.url, fmt.Sprintf("no packets from peer for %s", idle.Round(time.Millisecond)))
	}
	cfg.OnClose = func(err error) { p.end(s, err) }
	s.addSocket(sock)
	conn, err := srt.Dial(ctx, sock, cfg, p.log)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return srt.NewTSPacketizer(conn, p.cfg.MPEGTS, p.log), nil
}

func (p *Publisher) dialRTP(ctx context.Context, s *session) (sender.Packetizer, error) {
	for _, addr := range []string{s.ep.Addr(), s.ep.AudioAddr()} {
		sock, err := p.cfg.Dial(ctx, s.ep, addr)
		if err != nil {
			return nil, err
		}
		s.addSocket(sock)
		if !sock.IsConnected() {
			if err := sock.Connect(ctx); err != nil {
				return nil, err
			}
		}
	}

	pk := rtp.NewPacketizer(s.socks[0], s.socks[1], s.ep.RTP, p.log)
	p.mu.Lock()
	video, audio := p.video, p.audio
	p.mu.Unlock()
	if video != nil {
		if err := pk.ConfigureVideo(*video); err != nil {
			return nil, err
		}
	}
	if audio != nil {
		if err := pk.ConfigureAudio(*audio); err != nil {
			return nil, err
		}
	}
	s.sdp = pk.SDP(s.ep.Host, s.ep.Port, s.ep.AudioPort)
	return pk, nil
}

// end tears s down once. The Disconnect event is emitted here when the
// connection was reported up, otherwise by connect once it finishes.
func (p *Publisher) end(s *session, cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended, s.cause = true, cause
	up, snd := s.up, s.snd
	s.mu.Unlock()

	if snd != nil {
		snd.Stop(true)
	}
	s.release()
	if up {
		p.disconnected(s, cause)
	}
}

func (p *Publisher) disconnected(s *session, cause error) {
	p.mu.Lock()
	if p.sess == s {
		p.sess = nil
	}
	p.mu.Unlock()

	reason := "disconnected"
	if cause != nil && !errors.Is(cause, srt.ErrConnClosed) {
		reason = cause.Error()
	}
	p.log.Info("disconnected", "url", s.url, "reason", reason)
	p.emit(event.Disconnect, s.url, reason)
}

// Disconnect stops sending, drops pending frames and closes the connection.
// It returns ErrNotConnected when there is nothing to close.
func (p *Publisher) Disconnect() error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil || !s.isUp() {
		return ErrNotConnected
	}
	p.end(s, nil)
	return nil
}

// Close disconnects and closes the event stream.
func (p *Publisher) Close() {
	p.Disconnect()
	p.bus.Close()
}

func (p *Publisher) current() *session {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil || !s.isUp() {
		return nil
	}
	return s
}

// Connected reports whether a connection is up.
func (p *Publisher) Connected() bool { return p.current() != nil }

// SDP returns the session description of the current rtp connection.
func (p *Publisher) SDP() string {
	if s := p.current(); s != nil {
		return s.sdp
	}
	return ""
}

// SendVideo queues a video frame. It returns false when the frame was
// dropped.
func (p *Publisher) SendVideo(f *media.Frame) bool {
	return p.enqueue(f, media.Video)
}

// SendAudio queues an audio frame. It returns false when the frame was
// dropped.
func (p *Publisher) SendAudio(f *media.Frame) bool {
	return p.enqueue(f, media.Audio)
}

// enqueue hands the sender a copy tagged with typ; the caller's frame is not
// modified.
func (p *Publisher) enqueue(f *media.Frame, typ media.FrameType) bool {
	s := p.current()
	if s == nil || f == nil {
		return false
	}
	tagged := *f
	tagged.Type = typ
	return s.snd.Enqueue(&tagged)
}

// HasCongestion reports whether the send queue is at least thresholdPercent
// full. Without a connection the queue is empty.
func (p *Publisher) HasCongestion(thresholdPercent float64) (bool, error) {
	s := p.current()
	if s == nil {
		if thresholdPercent < 0 || thresholdPercent > 100 {
			return false, fmt.Errorf("%w: congestion threshold %v outside [0,100]", sender.ErrInvalidArgument, thresholdPercent)
		}
		return false, nil
	}
	return s.snd.HasCongestion(thresholdPercent)
}

// ResizeCache sets the send queue capacity for this and later connections.
func (p *Publisher) ResizeCache(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: cache size %d", sender.ErrInvalidArgument, n)
	}
	if s := p.current(); s != nil {
		if err := s.snd.ResizeCache(n); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.cacheSize = n
	p.mu.Unlock()
	return nil
}

// SetDelay sets the buffered span after which the oldest queued frames are
// evicted. Zero disables eviction.
func (p *Publisher) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	p.cacheTime = d
	p.mu.Unlock()
	if s := p.current(); s != nil {
		s.snd.SetCacheTime(d)
	}
}

// Stats returns a snapshot of the current connection.
func (p *Publisher) Stats() Stats {
	s := p.current()
	if s == nil {
		return Stats{}
	}
	st := Stats{Connected: true, URL: s.url, Sender: s.snd.Stats()}
	if conn := s.srtConn(); conn != nil {
		cs := conn.Stats()
		st.SRT = &cs
	}
	return st
}
