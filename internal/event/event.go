// Package event carries publish connection events to any number of
// subscribers.
package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event.
type Kind int

const (
	ConnectionStarted Kind = iota + 1
	ConnectionSuccess
	ConnectionFailed
	NewBitrate
	Disconnect
	AuthError
	AuthSuccess
	LivenessFailure
)

func (k Kind) String() string {
	switch k {
	case ConnectionStarted:
		return "connection-started"
	case ConnectionSuccess:
		return "connection-success"
	case ConnectionFailed:
		return "connection-failed"
	case NewBitrate:
		return "new-bitrate"
	case Disconnect:
		return "disconnect"
	case AuthError:
		return "auth-error"
	case AuthSuccess:
		return "auth-success"
	case LivenessFailure:
		return "liveness-failure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one connection event. URL is set on ConnectionStarted, Reason on
// failures and disconnects, Bitrate (bits per second) on NewBitrate.
type Event struct {
	Kind    Kind
	URL     string
	Reason  string
	Bitrate uint64
	Time    time.Time
}

func (e Event) String() string {
	switch {
	case e.URL != "":
		return e.Kind.String() + " " + e.URL
	case e.Reason != "":
		return e.Kind.String() + ": " + e.Reason
	case e.Kind == NewBitrate:
		return fmt.Sprintf("%s %d bps", e.Kind, e.Bitrate)
	default:
		return e.Kind.String()
	}
}

// DefaultBuffer is the subscription channel capacity used for buffer <= 0.
const DefaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Emit never blocks: a subscriber whose
// channel is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. The channel is closed by cancel or by
// Close. Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

// Emit delivers e to every subscriber. A zero Time is set to now.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries lost to full subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription channel. Later Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
