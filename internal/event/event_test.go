package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDelivers(t *testing.T) {
	t.Parallel()
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Emit(Event{Kind: ConnectionStarted, URL: "srt://host:9000"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, ConnectionStarted, e.Kind)
		assert.Equal(t, "srt://host:9000", e.URL)
		assert.False(t, e.Time.IsZero())
	}
	assert.Equal(t, 2, b.Subscribers())
}

func TestBusPreservesOrder(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, cancel := b.Subscribe(8)
	defer cancel()
	kinds := []Kind{ConnectionStarted, AuthSuccess, ConnectionSuccess, NewBitrate, Disconnect}
	for _, k := range kinds {
		b.Emit(Event{Kind: k})
	}
	for _, want := range kinds {
		assert.Equal(t, want, (<-ch).Kind)
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := NewBus()
	slow, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(Event{Kind: NewBitrate, Bitrate: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.EqualValues(t, 9, b.Dropped())
	assert.EqualValues(t, 0, (<-slow).Bitrate)
}

func TestBusCancelAndClose(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, cancel := b.Subscribe(0)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")
	assert.Equal(t, 0, b.Subscribers())

	other, cancelOther := b.Subscribe(0)
	b.Close()
	b.Close()
	_, ok = <-other
	assert.False(t, ok, "Close closes subscriptions")
	cancelOther()

	late, _ := b.Subscribe(0)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	b.Emit(Event{Kind: Disconnect})
}

func TestBusConcurrentEmitAndCancel(t *testing.T) {
	t.Parallel()
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancel := b.Subscribe(2)
			for j := 0; j < 50; j++ {
				b.Emit(Event{Kind: NewBitrate})
			}
			cancel()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, b.Subscribers())
}

func TestEventString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "connection-started srt://h:1", Event{Kind: ConnectionStarted, URL: "srt://h:1"}.String())
	assert.Equal(t, "connection-failed: timeout", Event{Kind: ConnectionFailed, Reason: "timeout"}.String())
	assert.Equal(t, "new-bitrate 8000 bps", Event{Kind: NewBitrate, Bitrate: 8000}.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
