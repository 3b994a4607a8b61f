package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSync(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var got []Event
	unsub := b.Subscribe(MessageUpdated, func(e Event) {
		got = append(got, e)
	})
	defer unsub()

	b.PublishSync(Event{Type: MessageUpdated, Data: "one"})
	b.PublishSync(Event{Type: SessionUpdated, Data: "ignored"})
	b.PublishSync(Event{Type: MessageUpdated, Data: "two"})

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Data)
	assert.Equal(t, "two", got[1].Data)
}

func TestBus_PublishAsync(t *testing.T) {
	b := NewBus()
	defer b.Close()

	done := make(chan Event, 1)
	b.Subscribe(SessionIdle, func(e Event) {
		done <- e
	})

	b.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "ses1"}})

	select {
	case e := <-done:
		data, ok := e.Data.(SessionIdleData)
		require.True(t, ok)
		assert.Equal(t, "ses1", data.SessionID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var seen []Type
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: SessionUpdated})
	b.PublishSync(Event{Type: MessagePartUpdated})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Type{SessionUpdated, MessagePartUpdated}, seen)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	count := 0
	unsub := b.Subscribe(SessionError, func(Event) { count++ })

	b.PublishSync(Event{Type: SessionError})
	unsub()
	b.PublishSync(Event{Type: SessionError})

	assert.Equal(t, 1, count)
}

func TestBus_ClosedDrops(t *testing.T) {
	b := NewBus()

	count := 0
	b.Subscribe(SessionUpdated, func(Event) { count++ })
	require.NoError(t, b.Close())

	b.PublishSync(Event{Type: SessionUpdated})
	assert.Equal(t, 0, count)

	// Subscribing after close is a no-op.
	unsub := b.Subscribe(SessionUpdated, func(Event) {})
	unsub()
}
