package events_test

import (
	"testing"

	"github.com/scalarorg/relayx/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesTopicSubscribers(t *testing.T) {
	bus := events.NewEventBus(4)
	admitted := bus.Subscribe(events.EVENT_RELAY_ADMITTED)
	resolved := bus.Subscribe(events.EVENT_RELAY_RESOLVED)

	n := bus.BroadcastEvent(&events.EventEnvelope{Topic: events.EVENT_RELAY_ADMITTED, RequestID: "a"})
	require.Equal(t, 1, n)
	require.Equal(t, "a", (<-admitted).RequestID)
	require.Len(t, resolved, 0)
}

func TestBroadcastDoesNotBlockWhenFull(t *testing.T) {
	bus := events.NewEventBus(1)
	ch := bus.Subscribe(events.EVENT_RELAY_ADMITTED)
	require.Equal(t, 1, bus.BroadcastEvent(&events.EventEnvelope{Topic: events.EVENT_RELAY_ADMITTED, RequestID: "a"}))
	require.Equal(t, 0, bus.BroadcastEvent(&events.EventEnvelope{Topic: events.EVENT_RELAY_ADMITTED, RequestID: "b"}))
	require.Equal(t, "a", (<-ch).RequestID)
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := events.NewEventBus(1)
	ch := bus.Subscribe(events.EVENT_RELAY_ADMITTED)
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, bus.BroadcastEvent(&events.EventEnvelope{Topic: events.EVENT_RELAY_ADMITTED}))
}
