// Package media defines the encoded frame types that flow from an external
// encoder through the sender queue and onto the wire.
package media

import "fmt"

// FrameType distinguishes the two elementary stream kinds a sender carries.
type FrameType uint8

const (
	Video FrameType = iota
	Audio
)

func (t FrameType) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Frame is one encoded access unit produced by the encoder. Video payloads
// are Annex B NAL units; audio payloads are AAC access units (raw or
// ADTS-wrapped) or Opus packets.
//
// The encoder may reuse Data once the frame has been handed off, so anything
// that keeps a Frame past the call that received it must Clone it first.
type Frame struct {
	Data      []byte
	Offset    int
	Size      int
	Timestamp int64 // presentation time in microseconds, monotonic
	Type      FrameType
	KeyFrame  bool
}

// Payload returns the frame's byte range within Data.
func (f *Frame) Payload() []byte {
	return f.Data[f.Offset : f.Offset+f.Size]
}

// Valid reports whether Offset and Size describe a range inside Data.
func (f *Frame) Valid() bool {
	return f.Offset >= 0 && f.Size >= 0 && f.Offset+f.Size <= len(f.Data)
}

// Clone returns a frame that owns a private copy of the payload.
func (f *Frame) Clone() *Frame {
	data := make([]byte, f.Size)
	copy(data, f.Payload())
	return &Frame{
		Data:      data,
		Size:      f.Size,
		Timestamp: f.Timestamp,
		Type:      f.Type,
		KeyFrame:  f.KeyFrame,
	}
}

// VideoCodec identifies the video elementary stream format.
type VideoCodec uint8

const (
	H264 VideoCodec = iota + 1
	H265
)

func (c VideoCodec) String() string {
	switch c {
	case H264:
		return "h264"
	case H265:
		return "h265"
	default:
		return "unknown"
	}
}

// AudioCodec identifies the audio elementary stream format.
type AudioCodec uint8

const (
	AAC AudioCodec = iota + 1
	Opus
)

func (c AudioCodec) String() string {
	switch c {
	case AAC:
		return "aac"
	case Opus:
		return "opus"
	default:
		return "unknown"
	}
}

// VideoInfo carries the encoder's video configuration. Parameter sets are
// Annex B NAL units without start codes; they are re-sent in front of key
// frames that do not carry them in-band.
type VideoInfo struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
	SPS    []byte
	PPS    []byte
	VPS    []byte // H.265 only
}

// AudioInfo carries the encoder's audio configuration.
type AudioInfo struct {
	Codec      AudioCodec
	SampleRate int
	Channels   int
}
