package srt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/castor/internal/media"
	"github.com/zsiec/castor/internal/mpegts"
	"github.com/zsiec/castor/internal/sender"
)

// TSPacketizer muxes frames into MPEG-TS and writes each frame's packets to
// a Conn as one message.
type TSPacketizer struct {
	conn *Conn
	mux  *mpegts.Muxer
	log  *slog.Logger
	buf  []byte
}

var _ sender.Packetizer = (*TSPacketizer)(nil)

// NewTSPacketizer returns a packetizer writing to conn.
func NewTSPacketizer(conn *Conn, cfg mpegts.Config, log *slog.Logger) *TSPacketizer {
	if log == nil {
		log = slog.Default()
	}
	return &TSPacketizer{
		conn: conn,
		mux:  mpegts.NewMuxer(cfg),
		log:  log.With("component", "srt-ts"),
	}
}

func (p *TSPacketizer) SetVideoInfo(info media.VideoInfo) {
	if err := p.mux.SetVideo(info); err != nil {
		p.log.Warn("video track not configured", "error", err)
	}
}

func (p *TSPacketizer) SetAudioInfo(info media.AudioInfo) {
	if err := p.mux.SetAudio(info); err != nil {
		p.log.Warn("audio track not configured", "error", err)
	}
}

// Send muxes f and writes it. It returns the bytes put on the wire,
// including SRT headers. Errors after the connection ended wrap
// sender.ErrFatal.
func (p *TSPacketizer) Send(ctx context.Context, f *media.Frame) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ts, err := p.mux.Mux(p.buf[:0], f)
	if err != nil {
		return 0, err
	}
	p.buf = ts

	n, err := p.conn.WriteMessage(ts)
	if err != nil {
		if p.conn.State() == ConnClosed {
			return n, fmt.Errorf("%w: %w", sender.ErrFatal, err)
		}
		return n, err
	}
	ps := p.conn.PayloadSize()
	packets := (len(ts) + ps - 1) / ps
	return len(ts) + packets*HeaderSize, nil
}
