package sender

import (
	"sync"
	"sync/atomic"
)

// bitrateHistory is the number of one-second samples averaged by
// BitrateEstimator.Average.
const bitrateHistory = 5

// BitrateEstimator counts bytes handed to the wire and turns each window
// into a bits-per-second sample. The sampler calls Sample once per second;
// writers call Add from any goroutine.
type BitrateEstimator struct {
	window atomic.Uint64

	mu      sync.Mutex
	samples [bitrateHistory]uint64
	n       int
	next    int
}

// Add counts n bytes in the current window.
func (b *BitrateEstimator) Add(n int) {
	if n > 0 {
		b.window.Add(uint64(n))
	}
}

// Window returns the bytes counted since the last Sample.
func (b *BitrateEstimator) Window() uint64 {
	return b.window.Load()
}

// Sample closes the current window and returns its size in bits. The
// window is swapped to zero atomically, so bytes added concurrently land
// in the next window rather than being lost.
func (b *BitrateEstimator) Sample() uint64 {
	bits := b.window.Swap(0) * 8

	b.mu.Lock()
	b.samples[b.next] = bits
	b.next = (b.next + 1) % bitrateHistory
	if b.n < bitrateHistory {
		b.n++
	}
	b.mu.Unlock()

	return bits
}

// Average returns the mean of the last few samples, or 0 before the first.
func (b *BitrateEstimator) Average() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return 0
	}
	var total uint64
	for i := 0; i < b.n; i++ {
		total += b.samples[i]
	}
	return total / uint64(b.n)
}

// Reset clears the window and the sample history.
func (b *BitrateEstimator) Reset() {
	b.window.Store(0)
	b.mu.Lock()
	b.samples = [bitrateHistory]uint64{}
	b.n = 0
	b.next = 0
	b.mu.Unlock()
}
