package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus(10)
	ch1, done1 := b.Subscribe()
	ch2, done2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Emit(TriggerFired, "item-1")

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := <-ch
		assert.Equal(t, TriggerFired, e.Type)
		assert.Equal(t, "item-1", e.Message)
		assert.NotEmpty(t, e.TS)
	}

	b.Unsubscribe(done1)
	_, open := <-ch1
	assert.False(t, open)
	b.Unsubscribe(done2)
	assert.Zero(t, b.SubscriberCount())
}

func TestRecentRing(t *testing.T) {
	b := NewBus(3)
	for _, m := range []string{"a", "b", "c", "d"} {
		b.Emit(GardenerLight, m)
	}
	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Message)
	assert.Equal(t, "d", recent[2].Message)

	last := b.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Message)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(0)
	_, done := b.Subscribe()
	defer b.Unsubscribe(done)
	for i := 0; i < 200; i++ {
		b.Emit(OutboundDropped, "x")
	}
	assert.Len(t, b.Recent(0), 200)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(GardenerDeep, "ignored")
}

func TestMarshal(t *testing.T) {
	var got map[string]any
	require.NoError(t, json.Unmarshal(Event{Type: MemoryAdded, UserID: "u1"}.Marshal(), &got))
	assert.Equal(t, "memory.added", got["type"])
	assert.Equal(t, "u1", got["user_id"])
	assert.NotEmpty(t, got["ts"])
}
