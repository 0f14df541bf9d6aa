package events

import (
	"testing"

	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	require.Equal(t, 2, b.Len())

	ev := sdk.Event{Name: "onUserJoined", Fields: map[string]any{"uid": uint32(1), "elapsed": 5}}
	b.Publish(ev)

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-c)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(sdk.Event{Name: "onRtcStats"})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	assert.NotPanics(t, func() { b.Unsubscribe(ch) })
	assert.Equal(t, 0, b.Len())

	_, open := <-ch
	assert.False(t, open)

	// publishing with no subscribers is a no-op
	assert.NotPanics(t, func() { b.Publish(sdk.Event{Name: "onLeaveChannel"}) })
}
