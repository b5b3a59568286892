package main

import (
	"time"

	"github.com/zsiec/castor/internal/media"
)

const aacFrameSamples = 1024

// testSignal produces a synthetic H.264 + AAC elementary stream: one IDR
// every gop frames, filler slices in between, and silent raw AAC access
// units. The bytes are not decodable pictures; they exercise every framing
// path a real encoder would.
type testSignal struct {
	fps        int
	gop        int
	frameSize  int
	sampleRate int

	videoFrames int64
	audioFrames int64
}

func newTestSignal(fps, gop, bitrate, sampleRate int) *testSignal {
	if fps <= 0 {
		fps = 30
	}
	if gop <= 0 {
		gop = 2 * fps
	}
	return &testSignal{
		fps:        fps,
		gop:        gop,
		frameSize:  max(bitrate/8/fps, 64),
		sampleRate: sampleRate,
	}
}

func (s *testSignal) videoInfo() media.VideoInfo {
	return media.VideoInfo{
		Codec:  media.H264,
		Width:  1280,
		Height: 720,
		FPS:    s.fps,
		SPS:    []byte{0x67, 0x42, 0xC0, 0x1F, 0xDA, 0x01, 0x40, 0x16, 0xEC, 0x04, 0x40},
		PPS:    []byte{0x68, 0xCE, 0x3C, 0x80},
	}
}

func (s *testSignal) audioInfo() media.AudioInfo {
	return media.AudioInfo{Codec: media.AAC, SampleRate: s.sampleRate, Channels: 2}
}

func (s *testSignal) frameInterval() time.Duration {
	return time.Second / time.Duration(s.fps)
}

// nextVideo returns the next video frame.
func (s *testSignal) nextVideo() *media.Frame {
	n := s.videoFrames
	s.videoFrames++
	key := n%int64(s.gop) == 0

	nal := byte(0x41)
	if key {
		nal = 0x65
	}
	data := make([]byte, 4+1+s.frameSize)
	copy(data, []byte{0, 0, 0, 1, nal})
	for i := 5; i < len(data); i++ {
		// The high bit keeps the filler free of start codes.
		data[i] = 0x80 | byte(n+int64(i))
	}
	return &media.Frame{
		Data:      data,
		Size:      len(data),
		Timestamp: n * int64(time.Second/time.Microsecond) / int64(s.fps),
		Type:      media.Video,
		KeyFrame:  key,
	}
}

// audioUntil returns the audio frames that start at or before ts.
func (s *testSignal) audioUntil(ts int64) []*media.Frame {
	if s.sampleRate <= 0 {
		return nil
	}
	var out []*media.Frame
	for {
		at := s.audioFrames * aacFrameSamples * 1_000_000 / int64(s.sampleRate)
		if at > ts {
			return out
		}
		s.audioFrames++
		// Silent stereo AAC-LC raw_data_block.
		data := []byte{0x21, 0x10, 0x04, 0x60, 0x8C, 0x1C}
		out = append(out, &media.Frame{Data: data, Size: len(data), Timestamp: at, Type: media.Audio})
	}
}
