package srt

import (
	"testing"
	"time"
)

func TestHistorySizeBound(t *testing.T) {
	t.Parallel()
	h := newHistory(4, 0)
	now := time.Now()
	for seq := uint32(10); seq < 20; seq++ {
		h.add(seq, []byte{byte(seq)}, now)
	}
	if n := h.len(); n != 4 {
		t.Fatalf("len = %d, want 4", n)
	}
	if h.get(15, now) != nil {
		t.Error("evicted packet still returned")
	}
	if got := h.get(17, now); len(got) != 1 || got[0] != 17 {
		t.Errorf("get(17) = %v", got)
	}
}

func TestHistoryRetention(t *testing.T) {
	t.Parallel()
	h := newHistory(100, time.Second)
	start := time.Now()
	h.add(1, []byte{1}, start)
	h.add(2, []byte{2}, start.Add(600*time.Millisecond))
	if h.get(1, start.Add(900*time.Millisecond)) == nil {
		t.Error("packet expired before its retention")
	}
	if h.get(1, start.Add(1200*time.Millisecond)) != nil {
		t.Error("packet outlived its retention")
	}
	if h.get(2, start.Add(1200*time.Millisecond)) == nil {
		t.Error("younger packet expired")
	}
}

func TestHistoryAckAndWrap(t *testing.T) {
	t.Parallel()
	h := newHistory(16, 0)
	now := time.Now()
	seqs := []uint32{MaxSeq - 1, MaxSeq, 0, 1, 2}
	for i, s := range seqs {
		h.add(s, []byte{byte(i)}, now)
	}
	if got := h.get(0, now); len(got) != 1 || got[0] != 2 {
		t.Fatalf("get across wrap = %v", got)
	}
	h.ackUpTo(1)
	if n := h.len(); n != 2 {
		t.Fatalf("len after ack = %d, want 2", n)
	}
	if h.get(MaxSeq, now) != nil {
		t.Error("acknowledged packet still returned")
	}
	h.ackUpTo(MaxSeq - 5) // stale ack
	if n := h.len(); n != 2 {
		t.Errorf("stale ack trimmed history to %d", n)
	}
	h.ackUpTo(100)
	if n := h.len(); n != 0 {
		t.Errorf("len after full ack = %d", n)
	}
}

func TestHistoryGapResets(t *testing.T) {
	t.Parallel()
	h := newHistory(16, 0)
	now := time.Now()
	h.add(5, []byte{5}, now)
	h.add(6, []byte{6}, now)
	h.add(9, []byte{9}, now)
	if h.len() != 1 || h.get(9, now) == nil || h.get(5, now) != nil {
		t.Error("history not restarted after a sequence gap")
	}
}
