package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/castor/internal/media"
)

// FrameQueue is a bounded FIFO of frames shared by one producer context and
// the drain loop. Push never blocks: the queue prefers recency over
// completeness, so a full queue rejects the newest frame and a configured
// cache time evicts the oldest frames once the buffered span exceeds it.
type FrameQueue struct {
	mu        sync.Mutex
	items     []*media.Frame // ring buffer, len == capacity
	head      int
	count     int
	cacheTime time.Duration

	// notify has one slot so a Push while the consumer is waiting
	// wakes it exactly once without blocking the producer.
	notify chan struct{}

	onEvict func(*media.Frame)
}

// NewFrameQueue creates a queue holding at most capacity frames. onEvict,
// if non-nil, is called (outside the lock) for every frame removed by the
// cache-time policy.
func NewFrameQueue(capacity int, onEvict func(*media.Frame)) (*FrameQueue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: queue capacity %d, must be at least 1", ErrInvalidArgument, capacity)
	}
	return &FrameQueue{
		items:   make([]*media.Frame, capacity),
		notify:  make(chan struct{}, 1),
		onEvict: onEvict,
	}, nil
}

// Push appends f and reports whether it was accepted.
func (q *FrameQueue) Push(f *media.Frame) bool {
	q.mu.Lock()
	evicted := q.evictStaleLocked(f.Timestamp)
	accepted := q.count < len(q.items)
	if accepted {
		q.items[(q.head+q.count)%len(q.items)] = f
		q.count++
	}
	q.mu.Unlock()

	if q.onEvict != nil {
		for _, e := range evicted {
			q.onEvict(e)
		}
	}
	if accepted {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return accepted
}

// evictStaleLocked removes frames older than newest-cacheTime, oldest first.
func (q *FrameQueue) evictStaleLocked(newest int64) []*media.Frame {
	if q.cacheTime <= 0 || q.count == 0 {
		return nil
	}
	window := q.cacheTime.Microseconds()
	var evicted []*media.Frame
	for q.count > 0 {
		oldest := q.items[q.head]
		if newest-oldest.Timestamp <= window {
			break
		}
		evicted = append(evicted, oldest)
		q.popLocked()
	}
	return evicted
}

func (q *FrameQueue) popLocked() *media.Frame {
	f := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return f
}

// TryPop removes the oldest frame without waiting.
func (q *FrameQueue) TryPop() (*media.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

// Pop removes the oldest frame, waiting until one is available or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (*media.Frame, error) {
	for {
		if f, ok := q.TryPop(); ok {
			return f, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity returns the maximum number of frames the queue holds.
func (q *FrameQueue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remaining returns how many more frames fit before Push starts failing.
func (q *FrameQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.count
}

// occupancy returns Len and Remaining under a single lock acquisition.
func (q *FrameQueue) occupancy() (size, remaining int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count, len(q.items) - q.count
}

// Resize changes the capacity. Shrinking below the current occupancy is
// refused so queued frames are never discarded silently.
func (q *FrameQueue) Resize(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: queue capacity %d, must be at least 1", ErrInvalidArgument, capacity)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if capacity < q.count {
		return fmt.Errorf("%w: capacity %d below %d queued frames", ErrInvalidArgument, capacity, q.count)
	}
	items := make([]*media.Frame, capacity)
	for i := 0; i < q.count; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
	return nil
}

// SetCacheTime sets the buffering latency target. Zero disables eviction.
func (q *FrameQueue) SetCacheTime(d time.Duration) {
	q.mu.Lock()
	q.cacheTime = d
	q.mu.Unlock()
}

// CacheTime returns the configured buffering latency target.
func (q *FrameQueue) CacheTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cacheTime
}

// Drain removes and returns every queued frame in FIFO order.
func (q *FrameQueue) Drain() []*media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*media.Frame, 0, q.count)
	for q.count > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

// Clear discards every queued frame and returns how many were dropped.
func (q *FrameQueue) Clear() int {
	return len(q.Drain())
}
