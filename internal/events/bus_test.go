package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainUntil(t *testing.T, sub *Subscription, want Type) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "channel closed before %s arrived", want)
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	bus.Publish(MemoryStored, map[string]any{"content_hash": "abc123"})

	evt := drainUntil(t, sub, MemoryStored)
	assert.Equal(t, "abc123", evt.Data["content_hash"])
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Timestamp)
}

func TestEnvelopeAssignedByBus(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	bus.Publish(MemoryDeleted, nil)
	bus.Publish(MemoryDeleted, nil)

	e1 := drainUntil(t, sub, MemoryDeleted)
	e2 := drainUntil(t, sub, MemoryDeleted)
	assert.NotEqual(t, e1.ID, e2.ID, "each publication gets a unique id")
}

func TestDeliveryOrder(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		bus.Publish(SearchCompleted, map[string]any{"seq": i})
	}

	next := 0
	for next < 10 {
		evt := drainUntil(t, sub, SearchCompleted)
		assert.Equal(t, next, evt.Data["seq"], "events arrive in publication order")
		next++
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewBus(Options{QueueSize: 4})
	slow := bus.Subscribe(nil)

	// Never drained: the queue holds the connection event plus four
	// publications, so the fifth overflows and the subscriber is dropped.
	// Publishing must never block regardless.
	for i := 0; i < 6; i++ {
		bus.Publish(MemoryStored, map[string]any{"seq": i})
	}

	assert.Equal(t, 0, bus.ActiveConnections())

	// The dropped subscriber's channel ends with a close.
	n := 0
	for range slow.Events() {
		n++
	}
	assert.LessOrEqual(t, n, 4+1)

	// The bus keeps serving later subscribers.
	replacement := bus.Subscribe(nil)
	defer bus.Unsubscribe(replacement)
	bus.Publish(MemoryDeleted, nil)
	drainUntil(t, replacement, MemoryDeleted)
}

func TestConnectionLifecycleEvents(t *testing.T) {
	bus := NewBus(Options{})
	observer := bus.Subscribe(nil)
	defer bus.Unsubscribe(observer)

	second := bus.Subscribe(nil)
	evt := drainUntil(t, observer, ConnectionEstablished)
	assert.Equal(t, second.ID, evt.Data["connection_id"])

	bus.Unsubscribe(second)
	evt = drainUntil(t, observer, ConnectionClosed)
	assert.Equal(t, second.ID, evt.Data["connection_id"])
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(nil)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // must not panic or double-close
	assert.Equal(t, 0, bus.ActiveConnections())
}

func TestHeartbeatLoop(t *testing.T) {
	bus := NewBus(Options{HeartbeatInterval: 20 * time.Millisecond})
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)

	evt := drainUntil(t, sub, Heartbeat)
	assert.Equal(t, "running", evt.Data["server_status"])
	assert.EqualValues(t, 1, evt.Data["active_connections"])
}
