package session

import (
	"testing"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribersInOrder(t *testing.T) {
	bus := NewBus(shared.NewNopLogger())

	var order []string
	bus.On(EventConnected, func(evt BusEvent) { order = append(order, "first") })
	bus.On(EventConnected, func(evt BusEvent) { order = append(order, "second") })
	bus.On(EventSessionStopped, func(evt BusEvent) { order = append(order, "other") })

	bus.publish(EventConnected, nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusOffStopsDelivery(t *testing.T) {
	bus := NewBus(shared.NewNopLogger())

	calls := 0
	sub := bus.On(EventError, func(evt BusEvent) { calls++ })
	bus.publish(EventError, ErrorPayload{Message: "one"})
	bus.Off(sub)
	bus.publish(EventError, ErrorPayload{Message: "two"})

	assert.Equal(t, 1, calls)
}

func TestBusOffKeepsOtherSubscribers(t *testing.T) {
	bus := NewBus(shared.NewNopLogger())

	var kept, dropped int
	sub := bus.On(EventError, func(evt BusEvent) { dropped++ })
	bus.On(EventError, func(evt BusEvent) { kept++ })
	bus.Off(sub)

	bus.publish(EventError, nil)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, kept)
}

func TestBusPublishWithNoSubscribers(t *testing.T) {
	bus := NewBus(shared.NewNopLogger())
	require.NotPanics(t, func() {
		bus.publish(EventStateChanged, Snapshot{})
	})
}

func TestBusSubscribeFromHandler(t *testing.T) {
	bus := NewBus(shared.NewNopLogger())

	lateCalls := 0
	bus.On(EventConnected, func(evt BusEvent) {
		bus.On(EventSessionStopped, func(evt BusEvent) { lateCalls++ })
	})

	require.NotPanics(t, func() { bus.publish(EventConnected, nil) })
	bus.publish(EventSessionStopped, nil)
	assert.Equal(t, 1, lateCalls)
}
