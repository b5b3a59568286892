package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/castor/internal/media"
)

func videoFrame(ts int64) *media.Frame {
	return &media.Frame{Data: []byte{1, 2, 3}, Size: 3, Timestamp: ts, Type: media.Video}
}

func TestFrameQueueCapacityInvariant(t *testing.T) {
	t.Parallel()

	q, err := NewFrameQueue(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	accepted := 0
	for i := 0; i < 25; i++ {
		if q.Push(videoFrame(int64(i))) {
			accepted++
		}
		if q.Len() > q.Capacity() {
			t.Fatalf("Len %d exceeds capacity %d", q.Len(), q.Capacity())
		}
	}
	if accepted != 10 {
		t.Fatalf("accepted = %d, want 10", accepted)
	}
	if q.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", q.Remaining())
	}
}

func TestFrameQueueFIFO(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(4, nil)
	// Wrap the ring a few times.
	next := int64(0)
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			q.Push(videoFrame(next + int64(i)))
		}
		for i := 0; i < 3; i++ {
			f, ok := q.TryPop()
			if !ok {
				t.Fatal("TryPop returned false")
			}
			if f.Timestamp != next+int64(i) {
				t.Fatalf("popped ts %d, want %d", f.Timestamp, next+int64(i))
			}
		}
		next += 3
	}
}

func TestFrameQueuePopWaits(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(2, nil)
	got := make(chan *media.Frame, 1)
	go func() {
		f, err := q.Pop(context.Background())
		if err == nil {
			got <- f
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(videoFrame(42))

	select {
	case f := <-got:
		if f.Timestamp != 42 {
			t.Fatalf("ts = %d, want 42", f.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestFrameQueuePopCancelled(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(2, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestFrameQueueResizeRefusesShrinkBelowOccupancy(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(10, nil)
	for i := 0; i < 5; i++ {
		q.Push(videoFrame(int64(i)))
	}
	if err := q.Resize(2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Resize(2) err = %v, want ErrInvalidArgument", err)
	}
	if q.Capacity() != 10 {
		t.Fatalf("capacity = %d after failed resize, want 10", q.Capacity())
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d after failed resize, want 5", q.Len())
	}
}

func TestFrameQueueResizeKeepsOrder(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(4, nil)
	for i := 0; i < 4; i++ {
		q.Push(videoFrame(int64(i)))
	}
	q.TryPop()
	q.Push(videoFrame(4)) // head is now mid-ring

	if err := q.Resize(8); err != nil {
		t.Fatal(err)
	}
	for want := int64(1); want <= 4; want++ {
		f, _ := q.TryPop()
		if f.Timestamp != want {
			t.Fatalf("ts = %d, want %d", f.Timestamp, want)
		}
	}
	if q.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", q.Capacity())
	}
}

func TestFrameQueueCacheTimeEvictsOldest(t *testing.T) {
	t.Parallel()

	var evicted []int64
	q, _ := NewFrameQueue(10, func(f *media.Frame) { evicted = append(evicted, f.Timestamp) })
	q.SetCacheTime(100 * time.Millisecond)

	q.Push(videoFrame(0))
	q.Push(videoFrame(50_000))
	q.Push(videoFrame(90_000))
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3 within the cache window", q.Len())
	}

	q.Push(videoFrame(190_000))
	if len(evicted) != 2 || evicted[0] != 0 || evicted[1] != 50_000 {
		t.Fatalf("evicted = %v, want [0 50000]", evicted)
	}
	f, _ := q.TryPop()
	if f.Timestamp != 90_000 {
		t.Fatalf("oldest remaining ts = %d, want 90000", f.Timestamp)
	}
}

func TestFrameQueueZeroCacheTimeNeverEvicts(t *testing.T) {
	t.Parallel()

	q, _ := NewFrameQueue(3, func(*media.Frame) { t.Error("unexpected eviction") })
	q.Push(videoFrame(0))
	q.Push(videoFrame(10_000_000))
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
}

func TestNewFrameQueueRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	if _, err := NewFrameQueue(0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestBitrateEstimatorSample(t *testing.T) {
	t.Parallel()

	var b BitrateEstimator
	const n = 125_000
	for i := 0; i < 100; i++ {
		b.Add(n / 100)
	}
	if got := b.Sample(); got != n*8 {
		t.Fatalf("Sample = %d, want %d", got, n*8)
	}
	if b.Window() != 0 {
		t.Fatalf("window = %d after Sample, want 0", b.Window())
	}
	if got := b.Sample(); got != 0 {
		t.Fatalf("second Sample = %d, want 0", got)
	}
	if got := b.Average(); got != n*8/2 {
		t.Fatalf("Average = %d, want %d", got, n*8/2)
	}
}

func TestBitrateEstimatorAverageSlides(t *testing.T) {
	t.Parallel()

	var b BitrateEstimator
	for i := 0; i < bitrateHistory; i++ {
		b.Add(1)
		b.Sample()
	}
	for i := 0; i < bitrateHistory; i++ {
		b.Add(10)
		b.Sample()
	}
	if got := b.Average(); got != 80 {
		t.Fatalf("Average = %d, want 80 once old samples slid out", got)
	}
	b.Reset()
	if b.Average() != 0 {
		t.Fatal("Average not reset")
	}
}
