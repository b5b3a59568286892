package mpegts

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/castor/internal/media"
)

func splitPackets(t *testing.T, data []byte) [][]byte {
	t.Helper()
	if len(data)%PacketSize != 0 {
		t.Fatalf("output length %d not a multiple of %d", len(data), PacketSize)
	}
	var pkts [][]byte
	for off := 0; off < len(data); off += PacketSize {
		pkt := data[off : off+PacketSize]
		if pkt[0] != syncByte {
			t.Fatalf("packet at %d: sync byte 0x%02X", off, pkt[0])
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func packetsForPID(t *testing.T, data []byte, pid uint16) [][]byte {
	t.Helper()
	var out [][]byte
	for _, pkt := range splitPackets(t, data) {
		h, err := ParseHeader(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if h.PID == pid {
			out = append(out, pkt)
		}
	}
	return out
}

// reassemble concatenates the payload bytes of the given packets.
func reassemble(t *testing.T, pkts [][]byte) []byte {
	t.Helper()
	var out []byte
	for _, pkt := range pkts {
		h, err := ParseHeader(pkt)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, pkt[h.PayloadOffset:]...)
	}
	return out
}

func decodePTS(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 | int64(b[1])<<22 | int64(b[2]>>1)<<15 | int64(b[3])<<7 | int64(b[4]>>1)
}

// sliceAU returns an Annex B access unit of exactly size bytes that already
// starts with an AUD, so the muxer adds nothing to it.
func sliceAU(size int) []byte {
	au := append([]byte{}, h264AUD...)
	au = append(au, 0x00, 0x00, 0x00, 0x01, 0x41)
	for len(au) < size {
		au = append(au, byte(len(au)))
	}
	return au
}

func newH264Muxer(t *testing.T) *Muxer {
	t.Helper()
	m := NewMuxer(DefaultConfig())
	err := m.SetVideo(media.VideoInfo{
		Codec: media.H264,
		SPS:   []byte{0x67, 0x42, 0x00, 0x1F},
		PPS:   []byte{0x68, 0xCE, 0x3C, 0x80},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMux_500ByteFrameThreePackets(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)

	au := sliceAU(500)
	out, err := m.Mux(nil, &media.Frame{Data: au, Size: len(au), Type: media.Video})
	if err != nil {
		t.Fatal(err)
	}

	video := packetsForPID(t, out, PIDVideo)
	if len(video) != 3 {
		t.Fatalf("video packets = %d, want 3", len(video))
	}
	for i, pkt := range video {
		h, _ := ParseHeader(pkt)
		if h.ContinuityCounter != uint8(i) {
			t.Errorf("packet %d CC = %d, want %d", i, h.ContinuityCounter, i)
		}
		if h.PayloadUnitStartIndicator != (i == 0) {
			t.Errorf("packet %d PUSI = %v", i, h.PayloadUnitStartIndicator)
		}
	}

	last := video[2]
	h, _ := ParseHeader(last)
	if !h.HasAdaptationField {
		t.Fatal("last packet should carry stuffing")
	}
	for i := 6; i < 5+int(last[4]); i++ {
		if last[i] != 0xFF {
			t.Fatalf("stuffing byte %d = 0x%02X, want 0xFF", i, last[i])
		}
	}

	pes := reassemble(t, video)
	if !bytes.Equal(pes[pesHeaderLen:], au) {
		t.Error("reassembled elementary stream differs from input")
	}
}

func TestMux_ContinuityAcrossFrames(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)

	var out []byte
	for i := 0; i < 10; i++ {
		au := sliceAU(300)
		var err error
		out, err = m.Mux(out, &media.Frame{Data: au, Size: len(au), Type: media.Video, Timestamp: int64(i) * 33_333})
		if err != nil {
			t.Fatal(err)
		}
	}

	cc := NewContinuityChecker()
	if err := cc.CheckStream(out); err != nil {
		t.Fatal(err)
	}
	if cc.Discontinuity != 0 || cc.Duplicates != 0 {
		t.Errorf("discontinuities = %d, duplicates = %d", cc.Discontinuity, cc.Duplicates)
	}
	if got := len(packetsForPID(t, out, PIDVideo)); got != 20 {
		t.Errorf("video packets = %d, want 20", got)
	}
}

func TestMux_PSISections(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)
	if err := m.SetAudio(media.AudioInfo{Codec: media.AAC, SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}

	au := sliceAU(100)
	out, err := m.Mux(nil, &media.Frame{Data: au, Size: len(au), Type: media.Video})
	if err != nil {
		t.Fatal(err)
	}
	pkts := splitPackets(t, out)
	if len(pkts) < 3 {
		t.Fatalf("packets = %d, want PAT, PMT and video", len(pkts))
	}

	pat := pkts[0]
	if h, _ := ParseHeader(pat); h.PID != PIDPAT || !h.PayloadUnitStartIndicator {
		t.Fatalf("first packet PID 0x%04X, want PAT", h.PID)
	}
	patLen := 3 + (int(pat[6]&0x0F)<<8 | int(pat[7]))
	if err := VerifyCRC32(pat[5 : 5+patLen]); err != nil {
		t.Errorf("PAT: %v", err)
	}
	if pmtPID := uint16(pat[15]&0x1F)<<8 | uint16(pat[16]); pmtPID != PIDPMT {
		t.Errorf("PAT points to PMT PID 0x%04X", pmtPID)
	}

	pmt := pkts[1]
	if h, _ := ParseHeader(pmt); h.PID != PIDPMT {
		t.Fatalf("second packet PID 0x%04X, want PMT", h.PID)
	}
	section := pmt[5:]
	pmtLen := 3 + (int(section[1]&0x0F)<<8 | int(section[2]))
	if err := VerifyCRC32(section[:pmtLen]); err != nil {
		t.Errorf("PMT: %v", err)
	}
	if pcrPID := uint16(section[8]&0x1F)<<8 | uint16(section[9]); pcrPID != PIDVideo {
		t.Errorf("PCR PID = 0x%04X, want video", pcrPID)
	}
	if section[12] != StreamTypeH264 || section[17] != StreamTypeAAC {
		t.Errorf("stream types = 0x%02X, 0x%02X", section[12], section[17])
	}
}

func TestMux_PMTVersionBumpsOnTrackChange(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)

	au := sliceAU(100)
	frame := &media.Frame{Data: au, Size: len(au), Type: media.Video}
	out, _ := m.Mux(nil, frame)
	v0 := packetsForPID(t, out, PIDPMT)[0][10] >> 1 & 0x1F

	if err := m.SetAudio(media.AudioInfo{Codec: media.Opus, SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	frame.Timestamp = 10_000
	out, _ = m.Mux(nil, frame)
	pmts := packetsForPID(t, out, PIDPMT)
	if len(pmts) != 1 {
		t.Fatalf("PMT packets after track change = %d, want 1", len(pmts))
	}
	if v1 := pmts[0][10] >> 1 & 0x1F; v1 != (v0+1)&0x1F {
		t.Errorf("PMT version = %d, want %d", v1, v0+1)
	}
	if !bytes.Contains(pmts[0], []byte("Opus")) {
		t.Error("PMT lacks Opus registration descriptor")
	}
}

func TestMux_PSIRepetition(t *testing.T) {
	t.Parallel()
	m := NewMuxer(Config{PSIInterval: 100 * time.Millisecond, PCRLead: 0})
	if err := m.SetAudio(media.AudioInfo{Codec: media.AAC, SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}

	psi := 0
	for i := 0; i < 11; i++ {
		au := []byte{0x21, 0x10, 0x05}
		out, err := m.Mux(nil, &media.Frame{Data: au, Size: len(au), Type: media.Audio, Timestamp: int64(i) * 20_000})
		if err != nil {
			t.Fatal(err)
		}
		psi += len(packetsForPID(t, out, PIDPAT))
	}
	// t = 0, 100ms, 200ms
	if psi != 3 {
		t.Errorf("PAT repetitions = %d, want 3", psi)
	}
}

func TestMux_KeyFrameParameterSets(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)

	idr := []byte{0x65, 0x88, 0x84, 0x00}
	out, err := m.Mux(nil, &media.Frame{Data: idr, Size: len(idr), Type: media.Video, KeyFrame: true})
	if err != nil {
		t.Fatal(err)
	}
	video := packetsForPID(t, out, PIDVideo)
	h, _ := ParseHeader(video[0])
	if !h.RandomAccess || !h.HasPCR {
		t.Errorf("RAI = %v, PCR = %v, want both", h.RandomAccess, h.HasPCR)
	}

	es := reassemble(t, video)[pesHeaderLen:]
	want := []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	want = append(want, 0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1F)
	want = append(want, 0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x3C, 0x80)
	want = append(want, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00)
	if !bytes.Equal(es, want) {
		t.Errorf("ES = % X\nwant % X", es, want)
	}

	// In-band parameter sets are not duplicated.
	inband := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88}
	out, _ = m.Mux(nil, &media.Frame{Data: inband, Size: len(inband), Type: media.Video, KeyFrame: true})
	es = reassemble(t, packetsForPID(t, out, PIDVideo))[pesHeaderLen:]
	if !bytes.Equal(es, append(append([]byte{}, h264AUD...), inband...)) {
		t.Errorf("ES with in-band SPS = % X", es)
	}
}

func TestMux_H265AUD(t *testing.T) {
	t.Parallel()
	m := NewMuxer(DefaultConfig())
	if err := m.SetVideo(media.VideoInfo{Codec: media.H265, VPS: []byte{0x40, 0x01}, SPS: []byte{0x42, 0x01}, PPS: []byte{0x44, 0x01}}); err != nil {
		t.Fatal(err)
	}
	au := []byte{0x00, 0x00, 0x00, 0x01, 0x02, 0x01, 0xAA}
	out, err := m.Mux(nil, &media.Frame{Data: au, Size: len(au), Type: media.Video})
	if err != nil {
		t.Fatal(err)
	}
	es := reassemble(t, packetsForPID(t, out, PIDVideo))[pesHeaderLen:]
	if !bytes.HasPrefix(es, h265AUD) || !bytes.HasSuffix(es, au) || len(es) != len(h265AUD)+len(au) {
		t.Errorf("ES = % X", es)
	}
}

func TestMux_AACAddsADTS(t *testing.T) {
	t.Parallel()
	m := NewMuxer(DefaultConfig())
	if err := m.SetAudio(media.AudioInfo{Codec: media.AAC, SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}

	raw := bytes.Repeat([]byte{0x5A}, 200)
	out, err := m.Mux(nil, &media.Frame{Data: raw, Size: len(raw), Type: media.Audio, Timestamp: 1_000_000})
	if err != nil {
		t.Fatal(err)
	}
	audio := packetsForPID(t, out, PIDAudio)
	h, _ := ParseHeader(audio[0])
	if !h.HasPCR {
		t.Error("audio-only stream should carry PCR on the audio PID")
	}
	pes := reassemble(t, audio)
	if pes[3] != streamIDAudio {
		t.Errorf("stream id = 0x%02X", pes[3])
	}
	wantPTS := microsTo90k(1_000_000 + DefaultConfig().PCRLead.Microseconds())
	if got := decodePTS(pes[9:14]); got != wantPTS {
		t.Errorf("PTS = %d, want %d", got, wantPTS)
	}

	adts := pes[pesHeaderLen:]
	if !isADTS(adts) {
		t.Fatal("missing ADTS sync word")
	}
	if sfi := adts[2] >> 2 & 0x0F; sfi != 3 {
		t.Errorf("sampling frequency index = %d, want 3", sfi)
	}
	frameLen := int(adts[3]&0x03)<<11 | int(adts[4])<<3 | int(adts[5]>>5)
	if frameLen != 207 {
		t.Errorf("ADTS frame length = %d, want 207", frameLen)
	}
	if !bytes.Equal(adts[7:], raw) {
		t.Error("AAC payload altered")
	}

	// Already framed input passes through unchanged.
	framed := append([]byte{}, adts...)
	out, _ = m.Mux(nil, &media.Frame{Data: framed, Size: len(framed), Type: media.Audio})
	if got := reassemble(t, packetsForPID(t, out, PIDAudio))[pesHeaderLen:]; !bytes.Equal(got, framed) {
		t.Error("ADTS input was re-wrapped")
	}
}

func TestMux_OpusControlHeader(t *testing.T) {
	t.Parallel()
	m := NewMuxer(DefaultConfig())
	if err := m.SetAudio(media.AudioInfo{Codec: media.Opus, SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	pkt := bytes.Repeat([]byte{0x01}, 300)
	out, err := m.Mux(nil, &media.Frame{Data: pkt, Size: len(pkt), Type: media.Audio})
	if err != nil {
		t.Fatal(err)
	}
	es := reassemble(t, packetsForPID(t, out, PIDAudio))[pesHeaderLen:]
	want := []byte{0x7F, 0xE0, 0xFF, 300 - 0xFF}
	if !bytes.HasPrefix(es, want) {
		t.Errorf("control header = % X, want % X", es[:4], want)
	}
}

func TestMux_Errors(t *testing.T) {
	t.Parallel()
	m := newH264Muxer(t)

	_, err := m.Mux(nil, &media.Frame{Data: []byte{1}, Size: 1, Type: media.Audio})
	if !errors.Is(err, ErrNoTrack) {
		t.Errorf("audio without track: err = %v, want ErrNoTrack", err)
	}
	if _, err := m.Mux(nil, &media.Frame{Type: media.Video}); err == nil {
		t.Error("expected error for empty frame")
	}
	if err := m.SetAudio(media.AudioInfo{Codec: media.AAC, SampleRate: 12345}); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
	if err := m.SetVideo(media.VideoInfo{}); err == nil {
		t.Error("expected error for unknown video codec")
	}
}

func TestAppendPESPackets_Stuffing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		size      int
		wantAFLen int
	}{
		{"one byte short", payloadCapacity - 1, 0},
		{"two bytes short", payloadCapacity - 2, 1},
		{"tiny", 10, payloadCapacity - 10 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &track{pid: PIDAudio}
			pes := bytes.Repeat([]byte{0xAB}, tt.size)
			out := appendPESPackets(nil, tr, pes, -1, false)
			if len(out) != PacketSize {
				t.Fatalf("output = %d bytes, want one packet", len(out))
			}
			if out[3]&0x20 == 0 {
				t.Fatal("adaptation field missing")
			}
			if int(out[4]) != tt.wantAFLen {
				t.Errorf("adaptation_field_length = %d, want %d", out[4], tt.wantAFLen)
			}
			if tt.wantAFLen > 0 && out[5] != 0x00 {
				t.Errorf("stuffing-only AF flags = 0x%02X", out[5])
			}
			if !bytes.Equal(out[PacketSize-tt.size:], pes) {
				t.Error("payload not at the packet tail")
			}
		})
	}
}

func TestAppendPESPackets_ExactFit(t *testing.T) {
	t.Parallel()
	tr := &track{pid: PIDVideo}
	out := appendPESPackets(nil, tr, make([]byte, payloadCapacity*2), -1, false)
	pkts := splitPackets(t, out)
	if len(pkts) != 2 {
		t.Fatalf("packets = %d, want 2", len(pkts))
	}
	for i, pkt := range pkts {
		if pkt[3]&0x20 != 0 {
			t.Errorf("packet %d has an adaptation field", i)
		}
	}
	if tr.cc != 2 {
		t.Errorf("cc = %d, want 2", tr.cc)
	}
}

func TestAppendPESPackets_PCR(t *testing.T) {
	t.Parallel()
	tr := &track{pid: PIDVideo, cc: 15}
	out := appendPESPackets(nil, tr, make([]byte, 400), 123456, true)
	pkts := splitPackets(t, out)
	h, err := ParseHeader(pkts[0])
	if err != nil {
		t.Fatal(err)
	}
	if !h.HasPCR || !h.RandomAccess {
		t.Fatalf("PCR = %v, RAI = %v", h.HasPCR, h.RandomAccess)
	}
	if got := ParsePCR(pkts[0]); got != 123456*300 {
		t.Errorf("PCR = %d, want %d", got, 123456*300)
	}
	if h.ContinuityCounter != 15 {
		t.Errorf("CC = %d, want 15", h.ContinuityCounter)
	}
	if h2, _ := ParseHeader(pkts[1]); h2.ContinuityCounter != 0 || h2.HasPCR {
		t.Errorf("second packet CC = %d, PCR = %v", h2.ContinuityCounter, h2.HasPCR)
	}
}
