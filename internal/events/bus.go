package events

import (
	"sync"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/metrics"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

const subscriberBuffer = 64

// Bus fans events out to every subscriber. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan sdk.Event]struct{}
}

var _ sdk.Bus = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		subs: make(map[chan sdk.Event]struct{}),
	}
}

func (b *Bus) Subscribe() chan sdk.Event {
	ch := make(chan sdk.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. Calling it twice is harmless.
func (b *Bus) Unsubscribe(ch chan sdk.Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(ev sdk.Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
