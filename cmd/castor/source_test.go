package main

import (
	"bytes"
	"testing"
)

func TestTestSignalVideo(t *testing.T) {
	t.Parallel()
	s := newTestSignal(25, 5, 400_000, 48000)
	for i := 0; i < 11; i++ {
		f := s.nextVideo()
		if want := i%5 == 0; f.KeyFrame != want {
			t.Errorf("frame %d: key = %v, want %v", i, f.KeyFrame, want)
		}
		if want := int64(i) * 40_000; f.Timestamp != want {
			t.Errorf("frame %d: ts = %d, want %d", i, f.Timestamp, want)
		}
		if f.Size != 5+2000 {
			t.Errorf("frame %d: size = %d", i, f.Size)
		}
		if bytes.Contains(f.Payload()[4:], []byte{0, 0, 1}) {
			t.Errorf("frame %d: filler contains a start code", i)
		}
	}
}

func TestTestSignalAudio(t *testing.T) {
	t.Parallel()
	s := newTestSignal(30, 0, 0, 48000)
	if s.gop != 60 {
		t.Errorf("default gop = %d, want 60", s.gop)
	}

	// 1024 samples at 48 kHz is 21333 µs.
	got := s.audioUntil(100_000)
	if len(got) != 5 {
		t.Fatalf("audio frames up to 100ms = %d, want 5", len(got))
	}
	if got[1].Timestamp != 21_333 {
		t.Errorf("second audio ts = %d", got[1].Timestamp)
	}
	if more := s.audioUntil(100_000); len(more) != 0 {
		t.Errorf("repeated call returned %d frames", len(more))
	}
	if more := s.audioUntil(110_000); len(more) != 1 || more[0].Timestamp != 106_666 {
		t.Errorf("next frame = %+v", more)
	}
}

func TestTestSignalNoAudio(t *testing.T) {
	t.Parallel()
	if got := newTestSignal(30, 0, 0, 0).audioUntil(1_000_000); got != nil {
		t.Errorf("audio without a sample rate: %d frames", len(got))
	}
}
