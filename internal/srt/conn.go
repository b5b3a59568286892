package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castor/internal/mpegts"
	"github.com/zsiec/castor/internal/socket"
)

const (
	handshakeResend = 250 * time.Millisecond
	shutdownWait    = 100 * time.Millisecond

	// udpIPOverhead is the IPv4 and UDP header size subtracted from the MTU.
	udpIPOverhead = 28

	recvBufferSize = 1 << 16
)

// Config holds the caller-side connection options.
type Config struct {
	StreamID   string
	Passphrase string
	// KeyLength is the AES key size in bytes (16, 24 or 32).
	KeyLength int
	Latency   time.Duration
	MTU       int
	// FlowWindow is the flow control window in packets.
	FlowWindow int
	// PayloadSize is the largest data packet payload. It is rounded down to
	// whole TS packets and capped by the MTU.
	PayloadSize int
	// SoloPackets sends every packet as its own single-packet message, the
	// way libsrt live mode senders do, instead of one message per write.
	SoloPackets bool

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	PeerIdleTimeout   time.Duration
	// CheckServerAlive closes the connection with ErrPeerIdle when the peer
	// is silent for PeerIdleTimeout. Otherwise the idle peer is only
	// reported through OnLiveness.
	CheckServerAlive bool

	HistoryRetention time.Duration
	HistorySize      int

	// KMRefreshRate is the number of packets sent with one key before
	// switching to the other parity. KMPreAnnounce packets before and after
	// the switch both keys are announced. Zero disables rotation.
	KMRefreshRate uint64
	KMPreAnnounce uint64

	// OnLiveness is called from the keep-alive goroutine when the peer has
	// been silent for PeerIdleTimeout, once per silent stretch.
	OnLiveness func(idle time.Duration)
	// OnClose is called exactly once, from its own goroutine, with the
	// terminal cause.
	OnClose func(err error)
}

// DefaultConfig returns libsrt's live-mode defaults.
func DefaultConfig() Config {
	return Config{
		KeyLength:         16,
		Latency:           120 * time.Millisecond,
		MTU:               1500,
		FlowWindow:        8192,
		PayloadSize:       7 * mpegts.PacketSize,
		ConnectTimeout:    3 * time.Second,
		KeepAliveInterval: time.Second,
		PeerIdleTimeout:   5 * time.Second,
		HistoryRetention:  time.Second,
		HistorySize:       8192,
		KMRefreshRate:     1 << 24,
		KMPreAnnounce:     1 << 12,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.KeyLength == 0 {
		cfg.KeyLength = def.KeyLength
	}
	if cfg.Latency <= 0 {
		cfg.Latency = def.Latency
	}
	if cfg.MTU <= 0 {
		cfg.MTU = def.MTU
	}
	if cfg.FlowWindow <= 0 {
		cfg.FlowWindow = def.FlowWindow
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = def.PayloadSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.PeerIdleTimeout <= 0 {
		cfg.PeerIdleTimeout = def.PeerIdleTimeout
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.KMRefreshRate > 0 {
		cfg.KMRefreshRate = max(cfg.KMRefreshRate, 2)
		if cfg.KMPreAnnounce == 0 || cfg.KMPreAnnounce > cfg.KMRefreshRate/2 {
			cfg.KMPreAnnounce = cfg.KMRefreshRate / 2
		}
	}
	return cfg
}

// packetPayload returns the data payload size for ps under mtu.
func packetPayload(ps, mtu int) int {
	limit := mtu - udpIPOverhead - HeaderSize
	ps = min(ps, limit)
	ps -= ps % mpegts.PacketSize
	return max(ps, mpegts.PacketSize)
}

// ConnState is the data path state of an established connection.
type ConnState int32

const (
	ConnConnected ConnState = iota
	ConnSending
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnSending:
		return "sending"
	default:
		return "closed"
	}
}

// Stats is a snapshot of connection counters.
type Stats struct {
	PacketsSent          uint64        `json:"packets_sent"`
	PacketsRetransmitted uint64        `json:"packets_retransmitted"`
	PacketsUnavailable   uint64        `json:"packets_unavailable"`
	BytesSent            uint64        `json:"bytes_sent"`
	MessagesSent         uint64        `json:"messages_sent"`
	AcksReceived         uint64        `json:"acks_received"`
	NaksReceived         uint64        `json:"naks_received"`
	KeepAlivesSent       uint64        `json:"keepalives_sent"`
	KeyRotations         uint64        `json:"key_rotations"`
	RTT                  time.Duration `json:"rtt"`
	HistoryLen           int           `json:"history_len"`
}

// Conn is an established caller-side SRT connection carrying data towards
// the peer. WriteMessage may be called from one goroutine at a time;
// everything else is safe for concurrent use.
type Conn struct {
	cfg         Config
	sock        socket.Socket
	log         *slog.Logger
	neg         Negotiated
	crypto      *Crypto
	epoch       time.Time
	payloadSize int
	history     *history

	// writeMu serializes every socket write and guards the fields below.
	writeMu    sync.Mutex
	nextSeq    uint32
	nextMsg    uint32
	keyPkts    uint64
	retireKey  KeyFlag
	retirePkts uint64

	kmPending atomic.Pointer[[]byte]

	acked    atomic.Uint32
	hasAcked atomic.Bool
	rtt      atomic.Int64 // microseconds
	lastSend atomic.Int64 // unix nanoseconds
	lastRecv atomic.Int64
	state    atomic.Int32

	pktsSent    atomic.Uint64
	retrans     atomic.Uint64
	unavailable atomic.Uint64
	bytesSent   atomic.Uint64
	msgsSent    atomic.Uint64
	acks        atomic.Uint64
	naks        atomic.Uint64
	keepalives  atomic.Uint64
	rotations   atomic.Uint64

	cancel  context.CancelFunc
	g       *errgroup.Group
	closing atomic.Bool
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// Dial connects sock if needed and runs the caller handshake over it. The
// whole exchange is bounded by cfg.ConnectTimeout; the current request is
// resent every 250 ms until the peer answers. On success the Conn owns sock;
// on failure the caller still does.
func Dial(ctx context.Context, sock socket.Socket, cfg Config, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	log = log.With("component", "srt-conn", "remote", sock.RemoteAddr())

	if cfg.Passphrase != "" {
		if err := ValidatePassphrase(cfg.Passphrase); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if !sock.IsConnected() {
		if err := sock.Connect(ctx); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("srt: connect socket: %w", err)
		}
	}

	hs, err := NewHandshaker(HandshakeConfig{
		StreamID:   cfg.StreamID,
		Passphrase: cfg.Passphrase,
		KeyLength:  cfg.KeyLength,
		Latency:    cfg.Latency,
		MTU:        uint32(cfg.MTU),
		FlowWindow: uint32(cfg.FlowWindow),
		PeerIP:     remoteIP(sock.RemoteAddr()),
	})
	if err != nil {
		return nil, err
	}

	log.Debug("starting handshake", "socket_id", hs.SocketID(), "isn", hs.InitialSeq())
	if err := runHandshake(ctx, sock, hs, log); err != nil {
		log.Debug("handshake failed", "state", hs.State(), "error", err)
		return nil, err
	}

	c := newConn(sock, cfg, hs.Result(), hs.Crypto(), log)
	c.start()
	c.log.Info("connected",
		"peer_socket_id", c.neg.PeerSocketID,
		"mtu", c.neg.MTU,
		"latency", c.neg.PeerLatency,
		"encrypted", c.neg.Encrypted,
		"payload_size", c.payloadSize,
	)
	return c, nil
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func runHandshake(ctx context.Context, sock socket.Socket, hs *Handshaker, log *slog.Logger) error {
	epoch := time.Now()
	send := func(p *ControlPacket) error {
		p.Timestamp = uint32(time.Since(epoch).Microseconds())
		if err := sock.Send(p.AppendTo(nil)); err != nil {
			return fmt.Errorf("srt: handshake send: %w", err)
		}
		return nil
	}
	if err := send(hs.Start()); err != nil {
		return err
	}
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, recvBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return err
		}
		deadline := time.Now().Add(handshakeResend)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := sock.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("srt: handshake: %w", err)
		}
		n, err := sock.Receive(buf)
		if err != nil {
			if !socket.IsTimeout(err) {
				return fmt.Errorf("srt: handshake receive: %w", err)
			}
			if ctx.Err() == nil {
				log.Debug("resending handshake", "state", hs.State())
				if err := send(hs.Current()); err != nil {
					return err
				}
			}
			continue
		}
		if !IsControl(buf[:n]) {
			continue
		}
		var p ControlPacket
		if err := p.UnmarshalBinary(buf[:n]); err != nil {
			return fmt.Errorf("srt: handshake: %w", err)
		}
		next, err := hs.Handle(&p)
		if err != nil {
			return err
		}
		if hs.State() == StateConnected {
			return nil
		}
		if next != nil {
			log.Debug("induction complete, sending conclusion")
			if err := send(next); err != nil {
				return err
			}
		}
	}
}

func newConn(sock socket.Socket, cfg Config, neg Negotiated, crypto *Crypto, log *slog.Logger) *Conn {
	c := &Conn{
		cfg:         cfg,
		sock:        sock,
		log:         log,
		neg:         neg,
		crypto:      crypto,
		epoch:       time.Now(),
		payloadSize: packetPayload(cfg.PayloadSize, int(neg.MTU)),
		history:     newHistory(cfg.HistorySize, cfg.HistoryRetention),
		nextSeq:     neg.InitialSeq,
		nextMsg:     1,
		done:        make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastSend.Store(now)
	c.lastRecv.Store(now)
	c.state.Store(int32(ConnConnected))
	return c
}

func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	c.g = g
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.keepAliveLoop(ctx) })
}

func (c *Conn) timestamp() uint32 {
	return uint32(time.Since(c.epoch).Microseconds())
}

// WriteMessage sends msg as one SRT message split over as many data packets
// as needed (or as solo packets with SoloPackets). It returns len(msg) on
// success. A socket failure closes the connection.
func (c *Conn) WriteMessage(msg []byte) (int, error) {
	if len(msg) == 0 {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == ConnClosed {
		return 0, c.closedErr()
	}

	ps := c.payloadSize
	total := (len(msg) + ps - 1) / ps
	msgNo := c.nextMsg
	now := time.Now()
	written := 0
	for i := 0; i < total; i++ {
		chunk := msg[i*ps : min((i+1)*ps, len(msg))]
		pkt := DataPacket{
			Seq:           c.nextSeq,
			Position:      position(i, total),
			MessageNumber: msgNo,
			Timestamp:     c.timestamp(),
			DestSocketID:  c.neg.PeerSocketID,
		}
		if c.cfg.SoloPackets {
			pkt.Position = PositionSolo
			pkt.MessageNumber = c.nextMsg
			c.nextMsg = MsgNext(c.nextMsg)
		}
		if c.crypto != nil {
			pkt.Key = c.crypto.Active()
		}
		wire := pkt.AppendTo(make([]byte, 0, HeaderSize+len(chunk)))
		wire = append(wire, chunk...)
		if c.crypto != nil {
			if err := c.crypto.Encrypt(pkt.Seq, pkt.Key, wire[HeaderSize:]); err != nil {
				err = fmt.Errorf("srt: encrypt seq %d: %w", pkt.Seq, err)
				c.fail(err)
				return written, err
			}
		}
		if err := c.sendLocked(wire); err != nil {
			if c.State() == ConnClosed {
				return written, c.closedErr()
			}
			c.fail(err)
			return written, err
		}
		c.history.add(pkt.Seq, wire, now)
		c.pktsSent.Add(1)
		c.bytesSent.Add(uint64(len(wire)))
		c.nextSeq = SeqNext(c.nextSeq)
		written += len(chunk)
		c.rotateLocked()
	}
	if !c.cfg.SoloPackets {
		c.nextMsg = MsgNext(c.nextMsg)
	}
	c.msgsSent.Add(1)
	c.state.CompareAndSwap(int32(ConnConnected), int32(ConnSending))
	return len(msg), nil
}

func position(i, total int) Position {
	switch {
	case total == 1:
		return PositionSolo
	case i == 0:
		return PositionFirst
	case i == total-1:
		return PositionLast
	default:
		return PositionMiddle
	}
}

func (c *Conn) sendLocked(wire []byte) error {
	if err := c.sock.Send(wire); err != nil {
		return fmt.Errorf("srt: send: %w", err)
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

func (c *Conn) sendControlLocked(p *ControlPacket) error {
	p.Timestamp = c.timestamp()
	if p.DestSocketID == 0 {
		p.DestSocketID = c.neg.PeerSocketID
	}
	return c.sendLocked(p.AppendTo(nil))
}

func (c *Conn) sendControl(p *ControlPacket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == ConnClosed {
		return c.closedErr()
	}
	return c.sendControlLocked(p)
}

// rotateLocked advances the key schedule after one packet was sent.
func (c *Conn) rotateLocked() {
	if c.crypto == nil || c.cfg.KMRefreshRate == 0 {
		return
	}
	c.keyPkts++
	if c.retireKey != KeyNone {
		c.retirePkts++
		if c.retirePkts >= c.cfg.KMPreAnnounce {
			c.crypto.Retire(c.retireKey)
			c.log.Debug("retired key", "key", c.retireKey)
			c.retireKey = KeyNone
			c.announceLocked()
		}
	}
	switch c.keyPkts {
	case c.cfg.KMRefreshRate - c.cfg.KMPreAnnounce:
		kk, err := c.crypto.RotateKey()
		if err != nil {
			c.log.Warn("key rotation failed", "error", err)
			return
		}
		c.log.Debug("pre-announcing key", "key", kk)
		c.announceLocked()
	case c.cfg.KMRefreshRate:
		old := c.crypto.Active()
		next := KeyOdd
		if old == KeyOdd {
			next = KeyEven
		}
		if err := c.crypto.Activate(next); err != nil {
			c.log.Warn("key switch failed", "error", err)
			return
		}
		c.rotations.Add(1)
		c.retireKey = old
		c.retirePkts = 0
		c.keyPkts = 0
	}
}

// announceLocked sends the installed keys in a KMREQ. The request is
// repeated from the keep-alive loop until the peer answers.
func (c *Conn) announceLocked() {
	km, err := c.crypto.KeyMaterial()
	if err != nil {
		c.log.Warn("building key material failed", "error", err)
		return
	}
	b, err := km.MarshalBinary()
	if err != nil {
		c.log.Warn("encoding key material failed", "error", err)
		return
	}
	c.kmPending.Store(&b)
	if err := c.sendControlLocked(KMRefreshPacket(SubtypeKMReq, b, 0, 0)); err != nil {
		c.log.Warn("sending KMREQ failed", "error", err)
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := c.sock.Receive(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if socket.IsTimeout(err) {
				continue
			}
			c.fail(fmt.Errorf("srt: read: %w", err))
			return nil
		}
		c.lastRecv.Store(time.Now().UnixNano())
		c.handle(buf[:n])
	}
}

func (c *Conn) handle(b []byte) {
	if !IsControl(b) {
		c.log.Debug("ignoring data packet from peer", "len", len(b))
		return
	}
	var p ControlPacket
	if err := p.UnmarshalBinary(b); err != nil {
		c.log.Debug("dropping malformed packet", "error", err)
		return
	}
	switch p.Type {
	case CtrlAck:
		c.handleAck(&p)
	case CtrlNak:
		c.handleNak(&p)
	case CtrlShutdown:
		c.log.Info("peer sent shutdown")
		c.fail(ErrPeerShutdown)
	case CtrlUser:
		if p.Subtype == SubtypeKMRsp {
			c.handleKMRsp(&p)
		}
	case CtrlPeerError:
		c.log.Warn("peer reported error", "code", p.TypeInfo)
	case CtrlCongestionWarning:
		c.log.Debug("peer congestion warning")
	}
}

func (c *Conn) handleAck(p *ControlPacket) {
	a, err := ParseAck(p)
	if err != nil {
		c.log.Debug("dropping malformed ack", "error", err)
		return
	}
	c.acks.Add(1)
	if !c.hasAcked.Load() || SeqLess(c.acked.Load(), a.LastAckedSeq) {
		c.acked.Store(a.LastAckedSeq)
		c.hasAcked.Store(true)
	}
	c.history.ackUpTo(a.LastAckedSeq)
	if a.Light {
		return
	}
	if a.RTT > 0 {
		c.rtt.Store(int64(a.RTT))
	}
	if err := c.sendControl(AckAckPacket(a.AckNumber, 0, 0)); err != nil {
		c.log.Debug("sending ackack failed", "error", err)
	}
}

// handleNak resends what the history still holds for the reported losses.
// At most HistorySize packets are considered per NAK.
func (c *Conn) handleNak(p *ControlPacket) {
	losses, err := ParseNak(p)
	if err != nil {
		c.log.Debug("dropping malformed nak", "error", err)
		return
	}
	c.naks.Add(1)

	now := time.Now()
	budget := c.cfg.HistorySize
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == ConnClosed {
		return
	}
	for _, r := range losses {
		for i := 0; i < r.Len() && budget > 0; i++ {
			budget--
			wire := c.history.get(SeqAdd(r.From, i), now)
			if wire == nil {
				c.unavailable.Add(1)
				continue
			}
			resend := append([]byte(nil), wire...)
			markRetransmitted(resend)
			if err := c.sendLocked(resend); err != nil {
				c.fail(err)
				return
			}
			c.retrans.Add(1)
		}
	}
}

func (c *Conn) handleKMRsp(p *ControlPacket) {
	_, state, err := ParseKMResponse(p.Body)
	if err != nil {
		c.log.Debug("dropping malformed KMRSP", "error", err)
		return
	}
	c.kmPending.Store(nil)
	if state != KMSecured {
		c.log.Warn("peer refused key material", "state", state)
		return
	}
	c.log.Debug("peer accepted key material")
}

func (c *Conn) keepAliveLoop(ctx context.Context) error {
	tick := max(c.cfg.KeepAliveInterval/4, 10*time.Millisecond)
	t := time.NewTicker(tick)
	defer t.Stop()

	var lastKM time.Time
	reported := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		now := time.Now()

		if now.Sub(time.Unix(0, c.lastSend.Load())) >= c.cfg.KeepAliveInterval {
			if err := c.sendControl(KeepAlivePacket(0, 0)); err != nil {
				c.fail(err)
				return nil
			}
			c.keepalives.Add(1)
		}
		if km := c.kmPending.Load(); km != nil && now.Sub(lastKM) >= c.cfg.KeepAliveInterval {
			lastKM = now
			if err := c.sendControl(KMRefreshPacket(SubtypeKMReq, *km, 0, 0)); err != nil {
				c.fail(err)
				return nil
			}
		}

		idle := now.Sub(time.Unix(0, c.lastRecv.Load()))
		if idle < c.cfg.PeerIdleTimeout {
			reported = false
			continue
		}
		if reported {
			continue
		}
		reported = true
		c.log.Warn("peer idle", "idle", idle)
		if c.cfg.OnLiveness != nil {
			c.cfg.OnLiveness(idle)
		}
		if c.cfg.CheckServerAlive {
			c.fail(ErrPeerIdle)
			return nil
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeWith(err, false)
}

// closeWith ends the connection once. Only the first caller does the work;
// later callers, including writers failing while Close is under way, return
// at once. Callers holding writeMu must pass sendShutdown=false.
func (c *Conn) closeWith(cause error, sendShutdown bool) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.errMu.Lock()
	c.err = cause
	c.errMu.Unlock()
	c.state.Store(int32(ConnClosed))
	if sendShutdown {
		c.sendShutdown()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.sock.Close()
	close(c.done)

	if errors.Is(cause, ErrConnClosed) {
		c.log.Info("connection closed")
	} else {
		c.log.Warn("connection lost", "error", cause)
	}
	if c.cfg.OnClose != nil {
		go c.cfg.OnClose(cause)
	}
}

// sendShutdown waits up to shutdownWait for the writer and sends a Shutdown.
// A writer stuck in Send keeps the lock; closing the socket releases it.
func (c *Conn) sendShutdown() {
	locked := make(chan struct{})
	go func() {
		c.writeMu.Lock()
		close(locked)
	}()
	t := time.NewTimer(shutdownWait)
	defer t.Stop()
	select {
	case <-locked:
		if err := c.sendControlLocked(ShutdownPacket(0, 0)); err != nil {
			c.log.Debug("sending shutdown failed", "error", err)
		}
		c.writeMu.Unlock()
	case <-t.C:
		c.log.Debug("writer busy, shutdown not sent")
		go func() {
			<-locked
			c.writeMu.Unlock()
		}()
	}
}

// Close sends a shutdown to the peer, releases the socket and waits for the
// connection goroutines. It is idempotent.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed, true)
	<-c.done
	if err := c.g.Wait(); err != nil {
		return fmt.Errorf("srt: close: %w", err)
	}
	return nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal cause, nil while the connection is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}

// State returns the data path state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Negotiated returns the handshake outcome.
func (c *Conn) Negotiated() Negotiated { return c.neg }

// PayloadSize returns the data payload bytes per packet.
func (c *Conn) PayloadSize() int { return c.payloadSize }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.sock.RemoteAddr() }

// Acked returns the latest ACK watermark: every sequence number before it
// has been received by the peer. ok is false before the first ACK.
func (c *Conn) Acked() (seq uint32, ok bool) {
	return c.acked.Load(), c.hasAcked.Load()
}

// NextSeq returns the sequence number of the next data packet.
func (c *Conn) NextSeq() uint32 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.nextSeq
}

// RTT returns the round trip time last reported by the peer.
func (c *Conn) RTT() time.Duration {
	return time.Duration(c.rtt.Load()) * time.Microsecond
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		PacketsSent:          c.pktsSent.Load(),
		PacketsRetransmitted: c.retrans.Load(),
		PacketsUnavailable:   c.unavailable.Load(),
		BytesSent:            c.bytesSent.Load(),
		MessagesSent:         c.msgsSent.Load(),
		AcksReceived:         c.acks.Load(),
		NaksReceived:         c.naks.Load(),
		KeepAlivesSent:       c.keepalives.Load(),
		KeyRotations:         c.rotations.Load(),
		RTT:                  c.RTT(),
		HistoryLen:           c.history.len(),
	}
}
