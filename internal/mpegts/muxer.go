// Package mpegts implements the MPEG-TS muxer used as the SRT payload
// format: PAT/PMT service description, PES framing with PTS/PCR, and
// 188-byte packetization with per-PID continuity counters. It also carries
// a small packet inspector for continuity checks on the receiving side.
package mpegts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/castor/internal/media"
)

// ErrNoTrack is returned when a frame's type has no configured track.
var ErrNoTrack = errors.New("mpegts: no track configured for frame type")

// Config controls PSI repetition and timestamp offsets.
type Config struct {
	// PSIInterval is the longest span of frame time between PAT/PMT
	// repetitions. PAT/PMT are also sent on every video key frame.
	PSIInterval time.Duration
	// PCRLead is how far PTS runs ahead of PCR, giving decoders buffer room.
	PCRLead time.Duration
}

// DefaultConfig returns the muxer defaults.
func DefaultConfig() Config {
	return Config{
		PSIInterval: 500 * time.Millisecond,
		PCRLead:     700 * time.Millisecond,
	}
}

type track struct {
	pid         uint16
	streamID    byte
	streamType  byte
	descriptors []byte
	cc          byte
}

// Muxer converts frames into transport stream packets. Mux is called
// from a single goroutine; track configuration may change concurrently.
type Muxer struct {
	cfg Config

	mu         sync.Mutex
	video      *track
	audio      *track
	videoES    videoTrackInfo
	audioInfo  media.AudioInfo
	aacIndex   int
	pmtVersion byte
	psiDirty   bool

	patCC   byte
	pmtCC   byte
	lastPSI int64
	sentPSI bool
	scratch []byte
}

// NewMuxer creates a muxer with no tracks.
func NewMuxer(cfg Config) *Muxer {
	if cfg.PSIInterval <= 0 {
		cfg.PSIInterval = DefaultConfig().PSIInterval
	}
	if cfg.PCRLead < 0 {
		cfg.PCRLead = 0
	}
	return &Muxer{cfg: cfg}
}

// SetVideo adds or replaces the video track.
func (m *Muxer) SetVideo(info media.VideoInfo) error {
	var st byte
	switch info.Codec {
	case media.H264:
		st = StreamTypeH264
	case media.H265:
		st = StreamTypeH265
	default:
		return fmt.Errorf("mpegts: unsupported video codec %v", info.Codec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cc := byte(0)
	if m.video != nil {
		cc = m.video.cc
	}
	m.video = &track{pid: PIDVideo, streamID: streamIDVideo, streamType: st, cc: cc}
	m.videoES = videoTrackInfo{
		hevc: info.Codec == media.H265,
		vps:  clone(info.VPS),
		sps:  clone(info.SPS),
		pps:  clone(info.PPS),
	}
	m.markDirtyLocked()
	return nil
}

// SetAudio adds or replaces the audio track.
func (m *Muxer) SetAudio(info media.AudioInfo) error {
	t := &track{pid: PIDAudio, streamID: streamIDAudio}
	idx := 0
	switch info.Codec {
	case media.AAC:
		var err error
		if idx, err = aacSampleRateIndex(info.SampleRate); err != nil {
			return err
		}
		t.streamType = StreamTypeAAC
	case media.Opus:
		t.streamType = StreamTypePrivate
		t.streamID = 0xBD // private_stream_1
		t.descriptors = opusDescriptors(info.Channels)
	default:
		return fmt.Errorf("mpegts: unsupported audio codec %v", info.Codec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio != nil {
		t.cc = m.audio.cc
	}
	m.audio = t
	m.audioInfo = info
	m.aacIndex = idx
	m.markDirtyLocked()
	return nil
}

func (m *Muxer) markDirtyLocked() {
	if m.sentPSI {
		m.pmtVersion = (m.pmtVersion + 1) & 0x1F
	}
	m.psiDirty = true
}

func (m *Muxer) pcrPIDLocked() uint16 {
	if m.video != nil {
		return PIDVideo
	}
	return PIDAudio
}

// Mux appends the packets for one frame to dst and returns the extended
// slice. The output is always a whole number of 188-byte packets.
func (m *Muxer) Mux(dst []byte, f *media.Frame) ([]byte, error) {
	if f.Size == 0 {
		return dst, fmt.Errorf("mpegts: empty %s frame", f.Type)
	}
	payload := f.Payload()

	m.mu.Lock()
	defer m.mu.Unlock()

	var t *track
	if f.Type == media.Video {
		t = m.video
	} else {
		t = m.audio
	}
	if t == nil {
		return dst, fmt.Errorf("%w: %s", ErrNoTrack, f.Type)
	}

	if m.psiDueLocked(f) {
		dst = m.appendPSILocked(dst)
		m.lastPSI = f.Timestamp
	}

	es := m.scratch[:0]
	switch {
	case f.Type == media.Video:
		es = prepareVideo(es, payload, f.KeyFrame, m.videoES)
	case m.audioInfo.Codec == media.AAC:
		es = appendADTS(es, payload, m.aacIndex, m.audioInfo.Channels)
	default:
		es = appendOpusControlHeader(es, len(payload))
		es = append(es, payload...)
	}

	ts90 := microsTo90k(f.Timestamp)
	pts := ts90 + microsTo90k(m.cfg.PCRLead.Microseconds())

	pes := make([]byte, 0, pesHeaderLen+len(es))
	pes = appendPESHeader(pes, t.streamID, pts, len(es))
	pes = append(pes, es...)
	m.scratch = es

	pcr := int64(-1)
	if t.pid == m.pcrPIDLocked() {
		pcr = ts90
	}
	randomAccess := f.KeyFrame || f.Type == media.Audio && m.video == nil
	return appendPESPackets(dst, t, pes, pcr, randomAccess), nil
}

func (m *Muxer) psiDueLocked(f *media.Frame) bool {
	switch {
	case m.psiDirty || !m.sentPSI:
		return true
	case f.Type == media.Video && f.KeyFrame:
		return true
	default:
		return f.Timestamp-m.lastPSI >= m.cfg.PSIInterval.Microseconds()
	}
}

func (m *Muxer) appendPSILocked(dst []byte) []byte {
	var streams []esEntry
	if m.video != nil {
		streams = append(streams, esEntry{streamType: m.video.streamType, pid: m.video.pid})
	}
	if m.audio != nil {
		streams = append(streams, esEntry{streamType: m.audio.streamType, pid: m.audio.pid, descriptors: m.audio.descriptors})
	}

	dst = appendPSIPacket(dst, PIDPAT, m.patCC, patSection(0))
	m.patCC = (m.patCC + 1) & 0x0F
	dst = appendPSIPacket(dst, PIDPMT, m.pmtCC, pmtSection(m.pmtVersion, m.pcrPIDLocked(), streams))
	m.pmtCC = (m.pmtCC + 1) & 0x0F

	m.psiDirty = false
	m.sentPSI = true
	return dst
}

// ForcePSI makes the next Mux call emit PAT/PMT regardless of timing, for
// example after a reconnect.
func (m *Muxer) ForcePSI() {
	m.mu.Lock()
	m.psiDirty = true
	m.mu.Unlock()
}

// appendPESPackets splits one PES packet across TS packets on t.pid. The
// first packet carries PUSI and, when requested, the PCR and random access
// flag; the last packet is padded to 188 bytes with adaptation-field
// stuffing.
func appendPESPackets(dst []byte, t *track, pes []byte, pcr int64, randomAccess bool) []byte {
	first := true
	for len(pes) > 0 {
		var pkt [PacketSize]byte
		pkt[0] = syncByte
		pkt[1] = byte(t.pid>>8) & 0x1F
		pkt[2] = byte(t.pid)

		// Adaptation field body (after the length byte) without stuffing.
		var afBody [7]byte
		afN := 0
		if first && (pcr >= 0 || randomAccess) {
			var flags byte
			if randomAccess {
				flags |= 0x40
			}
			if pcr >= 0 {
				flags |= 0x10
			}
			afBody[0] = flags
			afN = 1
			if pcr >= 0 {
				appendPCR(afBody[:1], pcr)
				afN = 7
			}
		}
		if first {
			pkt[1] |= 0x40
		}

		room := payloadCapacity
		if afN > 0 {
			room -= 1 + afN
		}
		stuffing := 0
		if len(pes) < room {
			stuffing = room - len(pes)
		}

		offset := 4
		if afN > 0 || stuffing > 0 {
			pkt[3] = 0x30 | t.cc&0x0F
			afLen := afN + stuffing
			if afN == 0 {
				// A stuffing-only field needs the length byte, and the flags
				// byte when more than one byte must be filled.
				afLen = stuffing - 1
			}
			pkt[4] = byte(afLen)
			if afLen > 0 {
				copy(pkt[5:], afBody[:afN])
				start := 5 + afN
				if afN == 0 {
					pkt[5] = 0x00 // flags
					start = 6
				}
				for i := start; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			offset = 5 + afLen
		} else {
			pkt[3] = 0x10 | t.cc&0x0F
		}
		t.cc = (t.cc + 1) & 0x0F

		n := copy(pkt[offset:], pes)
		pes = pes[n:]
		dst = append(dst, pkt[:]...)
		first = false
	}
	return dst
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
