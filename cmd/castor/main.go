package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castor/internal/event"
	"github.com/zsiec/castor/internal/publish"
)

var version = "dev"

var errConnectionLost = errors.New("connection lost")

type options struct {
	url        string
	duration   time.Duration
	fps        int
	gop        int
	bitrate    int
	sampleRate int
	cacheSize  int
	delay      time.Duration
	congestion float64
	sdpPath    string
	statsEvery time.Duration
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var o options
	flag.StringVar(&o.url, "url", "", "Destination URL (srt://, srt+quic://, rtp://)")
	flag.DurationVar(&o.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.IntVar(&o.fps, "fps", 30, "Video frame rate")
	flag.IntVar(&o.gop, "gop", 0, "Frames per key frame (default 2s of video)")
	flag.IntVar(&o.bitrate, "bitrate", 2_000_000, "Video bitrate in bits per second")
	flag.IntVar(&o.sampleRate, "audio-rate", 48000, "AAC sample rate (0 disables audio)")
	flag.IntVar(&o.cacheSize, "cache", 400, "Send queue capacity in frames")
	flag.DurationVar(&o.delay, "delay", 0, "Evict queued frames older than this (0 disables)")
	flag.Float64Var(&o.congestion, "congestion", 75, "Queue fill percentage above which non-key video frames are skipped")
	flag.StringVar(&o.sdpPath, "sdp", "", "Write the session description of an rtp:// publish to this file")
	flag.DurationVar(&o.statsEvery, "stats", 5*time.Second, "Statistics log interval (0 disables)")
	flag.Parse()

	if o.url == "" && flag.NArg() > 0 {
		o.url = flag.Arg(0)
	}
	if o.url == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  castor [flags] srt://host:port?streamid=live/test\n")
		fmt.Fprintf(os.Stderr, "  castor [flags] -url rtp://host:5004 -sdp stream.sdp\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("castor starting", "version", version, "fps", o.fps, "bitrate", o.bitrate, "audio_rate", o.sampleRate)
	if err := run(ctx, o); err != nil {
		slog.Error("publish failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	cfg := publish.DefaultConfig()
	cfg.Sender.CacheSize = o.cacheSize
	cfg.Sender.CacheTime = o.delay
	pub := publish.New(cfg, slog.Default())
	defer pub.Close()

	sig := newTestSignal(o.fps, o.gop, o.bitrate, o.sampleRate)
	pub.PrepareVideo(sig.videoInfo())
	if o.sampleRate > 0 {
		pub.PrepareAudio(sig.audioInfo())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, unsubscribe := pub.Events(event.DefaultBuffer)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return logEvents(ctx, events)
	})

	if err := pub.Connect(ctx, o.url); err != nil {
		cancel()
		g.Wait()
		return err
	}
	if o.sdpPath != "" {
		if sdp := pub.SDP(); sdp != "" {
			if err := os.WriteFile(o.sdpPath, []byte(sdp), 0o644); err != nil {
				cancel()
				g.Wait()
				return fmt.Errorf("writing sdp: %w", err)
			}
			slog.Info("wrote session description", "path", o.sdpPath)
		}
	}

	g.Go(func() error {
		defer cancel()
		return produce(ctx, pub, sig, o)
	})
	if o.statsEvery > 0 {
		g.Go(func() error {
			return logStats(ctx, pub, o.statsEvery)
		})
	}

	err := g.Wait()
	if pub.Connected() {
		pub.Disconnect()
	}
	return err
}

// produce feeds the synthetic signal in real time until ctx is done or the
// configured duration has passed.
func produce(ctx context.Context, pub *publish.Publisher, sig *testSignal, o options) error {
	t := time.NewTicker(sig.frameInterval())
	defer t.Stop()

	var stop <-chan time.Time
	if o.duration > 0 {
		timer := time.NewTimer(o.duration)
		defer timer.Stop()
		stop = timer.C
	}

	var skipped int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			slog.Info("duration reached", "duration", o.duration, "skipped_frames", skipped)
			return nil
		case <-t.C:
		}

		f := sig.nextVideo()
		congested, err := pub.HasCongestion(o.congestion)
		if err != nil {
			return err
		}
		if congested && !f.KeyFrame {
			skipped++
			slog.Debug("queue congested, skipping frame", "ts", f.Timestamp)
		} else {
			pub.SendVideo(f)
		}
		for _, a := range sig.audioUntil(f.Timestamp) {
			pub.SendAudio(a)
		}
	}
}

func logEvents(ctx context.Context, events <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Kind {
			case event.ConnectionFailed, event.AuthError:
				slog.Error(e.Kind.String(), "url", e.URL, "reason", e.Reason)
			case event.LivenessFailure:
				slog.Warn(e.Kind.String(), "reason", e.Reason)
			case event.NewBitrate:
				slog.Debug(e.Kind.String(), "bps", e.Bitrate)
			case event.Disconnect:
				slog.Warn(e.Kind.String(), "url", e.URL, "reason", e.Reason)
				if e.Reason != "disconnected" {
					return fmt.Errorf("%w: %s", errConnectionLost, e.Reason)
				}
				return nil
			default:
				slog.Info(e.Kind.String(), "url", e.URL)
			}
		}
	}
}

func logStats(ctx context.Context, pub *publish.Publisher, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		st := pub.Stats()
		if !st.Connected {
			continue
		}
		attrs := []any{
			"video_sent", st.Sender.SentVideoFrames,
			"audio_sent", st.Sender.SentAudioFrames,
			"video_dropped", st.Sender.DroppedVideoFrames,
			"audio_dropped", st.Sender.DroppedAudioFrames,
			"queue", st.Sender.QueueLen,
			"bitrate", st.Sender.Bitrate,
		}
		if st.SRT != nil {
			attrs = append(attrs,
				"packets", st.SRT.PacketsSent,
				"retransmitted", st.SRT.PacketsRetransmitted,
				"rtt", st.SRT.RTT,
			)
		}
		slog.Info("stats", attrs...)
	}
}
