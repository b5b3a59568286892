package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// readBufferSize holds ten 1316-byte SRT payloads.
const readBufferSize = 1316 * 10

// latencyNs is the listener TSBPD latency in nanoseconds (120ms).
const latencyNs = 120_000_000

// Server accepts SRT publish connections and checks the transport stream
// each one carries.
type Server struct {
	log     *slog.Logger
	addr    string
	allowed map[string]bool

	mu      sync.Mutex
	streams map[string]*health
}

// NewServer creates a sink listening on addr. A non-empty allow list limits
// the accepted stream keys. If log is nil, slog.Default() is used.
func NewServer(addr string, allow []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:     log.With("component", "srt-sink"),
		addr:    addr,
		streams: make(map[string]*health),
	}
	if len(allow) > 0 {
		s.allowed = make(map[string]bool, len(allow))
		for _, k := range allow {
			s.allowed[k] = true
		}
	}
	return s
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.accepts(req.StreamID) {
			s.log.Info("rejecting publish", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) accepts(streamID string) bool {
	if streamID == "" {
		return false
	}
	return s.allowed == nil || s.allowed[extractStreamKey(streamID)]
}

// handleConnection reads conn until it ends and logs the stream health.
func (s *Server) handleConnection(ctx context.Context, conn io.ReadCloser, key string) healthReport {
	defer conn.Close()

	h := newHealth()
	s.mu.Lock()
	s.streams[key] = h
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.streams[key] == h {
			delete(s.streams, key)
		}
		s.mu.Unlock()
	}()

	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
		h.write(buf[:n])
	}

	r := h.report()
	s.log.Info("connection closed", "stream_key", key,
		"bytes", r.Bytes, "packets", r.Packets,
		"discontinuities", r.Discontinuities, "duplicates", r.Duplicates,
		"invalid", r.Invalid, "key_frames", r.RandomAccess,
		"uptime", r.Uptime.Round(time.Millisecond))
	return r
}

// Reports returns the health of every open stream.
func (s *Server) Reports() map[string]healthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]healthReport, len(s.streams))
	for k, h := range s.streams {
		out[k] = h.report()
	}
	return out
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
