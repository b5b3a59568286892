// Package sender implements the transport-independent half of a live
// publisher: a bounded, drop-first frame queue, the drain loop that hands
// frames to a protocol Packetizer, and the once-per-second bitrate sampler
// that feeds adaptive behavior upstream.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castor/internal/media"
)

var (
	// ErrInvalidArgument is returned for out-of-range configuration calls.
	// The call has no effect when it fails.
	ErrInvalidArgument = errors.New("sender: invalid argument")

	// ErrFatal marks a Packetizer error after which no further frame can be
	// delivered (closed socket, peer shutdown). It ends the drain loop.
	ErrFatal = errors.New("sender: fatal transport error")

	errAlreadyRunning = errors.New("sender: already running")
)

// Packetizer turns frames into protocol packets and writes them to the
// wire. Each transport (SRT, RTP, ...) provides one. Send returns the
// number of bytes written to the network.
type Packetizer interface {
	SetVideoInfo(info media.VideoInfo)
	SetAudioInfo(info media.AudioInfo)
	Send(ctx context.Context, f *media.Frame) (int, error)
}

// Config controls queue sizing and telemetry callbacks.
type Config struct {
	// CacheSize is the queue capacity in frames.
	CacheSize int
	// CacheTime is the buffered span after which the oldest frames are
	// evicted. Zero disables time-based eviction.
	CacheTime time.Duration
	// BitrateInterval is the sampling period; bitrate samples are always
	// scaled to bits per second.
	BitrateInterval time.Duration
	// OnBitrate receives every bitrate sample from the sampler goroutine.
	OnBitrate func(bps uint64)
	// OnFatal is called once, from its own goroutine, when the drain loop
	// stops because the Packetizer returned an ErrFatal error.
	OnFatal func(err error)
}

// DefaultConfig returns the defaults used by the publisher.
func DefaultConfig() Config {
	return Config{
		CacheSize:       400,
		BitrateInterval: time.Second,
	}
}

// Sender owns the frame queue and runs the drain and bitrate goroutines for
// one connection.
type Sender struct {
	log        *slog.Logger
	cfg        Config
	packetizer Packetizer
	queue      *FrameQueue
	bitrate    BitrateEstimator

	// mu serializes Start and Stop; Stop holds it until both goroutines
	// have exited so concurrent callers all observe full quiescence.
	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	sentVideo    atomic.Int64
	sentAudio    atomic.Int64
	droppedVideo atomic.Int64
	droppedAudio atomic.Int64
	bytesSent    atomic.Int64
	sendErrors   atomic.Int64
	lastBitrate  atomic.Uint64

	errMu sync.Mutex
	err   error
}

// New creates a Sender that delivers frames through p. If log is nil,
// slog.Default() is used.
func New(p Packetizer, cfg Config, log *slog.Logger) (*Sender, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packetizer", ErrInvalidArgument)
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.BitrateInterval <= 0 {
		cfg.BitrateInterval = time.Second
	}
	s := &Sender{
		log:        log.With("component", "sender"),
		cfg:        cfg,
		packetizer: p,
	}
	q, err := NewFrameQueue(cfg.CacheSize, s.countDrop)
	if err != nil {
		return nil, err
	}
	q.SetCacheTime(cfg.CacheTime)
	s.queue = q
	return s, nil
}

// SetVideoInfo forwards the encoder's video configuration to the packetizer.
func (s *Sender) SetVideoInfo(info media.VideoInfo) { s.packetizer.SetVideoInfo(info) }

// SetAudioInfo forwards the encoder's audio configuration to the packetizer.
func (s *Sender) SetAudioInfo(info media.AudioInfo) { s.packetizer.SetAudioInfo(info) }

// Start resets all counters, clears the queue and launches the drain loop
// and the bitrate sampler. Both run until Stop is called, ctx is cancelled,
// or the packetizer reports a fatal error.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return errAlreadyRunning
	}

	s.resetCounters()
	s.queue.Clear()
	s.bitrate.Reset()
	s.setErr(nil)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.drain(gctx) })
	g.Go(func() error { return s.sample(gctx) })

	s.cancel = cancel
	s.group = g
	s.running.Store(true)
	s.log.Info("started", "cache_size", s.queue.Capacity(), "cache_time", s.queue.CacheTime())
	return nil
}

// Stop stops accepting frames, cancels both goroutines and waits for them
// to exit. With clearPending the queued frames are discarded; otherwise
// they are flushed through the packetizer before Stop returns. Either way
// no Packetizer.Send call happens after Stop returns. All counters are
// reset. Stop is idempotent and safe to call from any goroutine.
func (s *Sender) Stop(clearPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return
	}

	s.cancel()
	if err := s.group.Wait(); err != nil {
		s.log.Debug("tasks exited", "error", err)
	}
	s.cancel, s.group = nil, nil

	if clearPending {
		if n := s.queue.Clear(); n > 0 {
			s.log.Debug("discarded pending frames", "count", n)
		}
	} else {
		s.flush()
	}

	s.resetCounters()
	s.bitrate.Reset()
	s.log.Info("stopped")
}

// Running reports whether the drain loop has been started and not stopped.
func (s *Sender) Running() bool { return s.running.Load() }

// Err returns the fatal error that ended the drain loop, if any.
func (s *Sender) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Sender) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Enqueue hands a frame to the drain loop and reports whether it was
// accepted. The payload is copied, so the caller may reuse its buffer as
// soon as Enqueue returns. A rejected frame is counted as dropped for its
// type and must not be retried.
func (s *Sender) Enqueue(f *media.Frame) bool {
	if f == nil {
		return false
	}
	if !s.running.Load() || !f.Valid() {
		s.countDrop(f)
		return false
	}
	if !s.queue.Push(f.Clone()) {
		s.countDrop(f)
		return false
	}
	return true
}

func (s *Sender) countDrop(f *media.Frame) {
	if f.Type == media.Audio {
		s.droppedAudio.Add(1)
	} else {
		s.droppedVideo.Add(1)
	}
}

func (s *Sender) countSent(f *media.Frame, n int) {
	if f.Type == media.Audio {
		s.sentAudio.Add(1)
	} else {
		s.sentVideo.Add(1)
	}
	s.bytesSent.Add(int64(n))
	s.bitrate.Add(n)
}

func (s *Sender) drain(ctx context.Context) error {
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		n, err := s.packetizer.Send(ctx, f)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				s.log.Error("transport failed, stopping drain loop", "error", err)
				s.setErr(err)
				if s.cfg.OnFatal != nil {
					go s.cfg.OnFatal(err)
				}
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			s.sendErrors.Add(1)
			s.log.Warn("frame skipped", "type", f.Type, "ts", f.Timestamp, "error", err)
			continue
		}
		s.countSent(f, n)
	}
}

func (s *Sender) sample(ctx context.Context) error {
	interval := s.cfg.BitrateInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			bps := s.bitrate.Sample()
			if interval != time.Second {
				bps = uint64(float64(bps) * float64(time.Second) / float64(interval))
			}
			s.lastBitrate.Store(bps)
			if s.cfg.OnBitrate != nil {
				s.cfg.OnBitrate(bps)
			}
		}
	}
}

// flush sends whatever is still queued after the goroutines have exited.
func (s *Sender) flush() {
	pending := s.queue.Drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for i, f := range pending {
		if _, err := s.packetizer.Send(ctx, f); err != nil {
			s.log.Debug("flush abandoned", "sent", i, "pending", len(pending), "error", err)
			return
		}
	}
}

// flushTimeout bounds how long Stop(false) spends sending leftovers.
const flushTimeout = time.Second

// HasCongestion reports whether the queue occupancy is at or above
// thresholdPercent. It is a signal for the producer (for example to skip
// non-key frames) and never modifies the queue.
func (s *Sender) HasCongestion(thresholdPercent float64) (bool, error) {
	if thresholdPercent < 0 || thresholdPercent > 100 {
		return false, fmt.Errorf("%w: congestion threshold %v outside [0,100]", ErrInvalidArgument, thresholdPercent)
	}
	size, remaining := s.queue.occupancy()
	return float64(size)/float64(size+remaining) >= thresholdPercent/100, nil
}

// ResizeCache changes the queue capacity. It fails without effect when
// newSize is below the number of frames currently queued.
func (s *Sender) ResizeCache(newSize int) error {
	return s.queue.Resize(newSize)
}

// SetCacheTime sets the target buffering latency (setDelay).
func (s *Sender) SetCacheTime(d time.Duration) {
	s.queue.SetCacheTime(d)
}

// CacheSize returns the queue capacity.
func (s *Sender) CacheSize() int { return s.queue.Capacity() }

// QueueLen returns the number of frames waiting to be sent.
func (s *Sender) QueueLen() int { return s.queue.Len() }

// ClearCache discards every queued frame.
func (s *Sender) ClearCache() { s.queue.Clear() }
