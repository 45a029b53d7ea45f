package eventbus_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/progressdb/openmemory-core/internal/eventbus"
)

func Test_Bus_Publish_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	var mu sync.Mutex
	var got []string

	bus.Subscribe(eventbus.FactCreated, func(e eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "first")
	})
	bus.Subscribe(eventbus.FactCreated, func(e eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "second")
	})

	bus.Publish(eventbus.Event{Topic: eventbus.FactCreated})

	assert.Equal(t, []string{"first", "second"}, got)
}

func Test_Bus_Publish_OnlyMatchingTopic(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	called := false
	bus.Subscribe(eventbus.FactCreated, func(e eventbus.Event) { called = true })

	bus.Publish(eventbus.Event{Topic: eventbus.FactDeleted})

	assert.False(t, called)
}

func Test_Bus_Publish_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	secondCalled := false

	bus.Subscribe(eventbus.EdgeCreated, func(e eventbus.Event) {
		panic("boom")
	})
	bus.Subscribe(eventbus.EdgeCreated, func(e eventbus.Event) {
		secondCalled = true
	})

	assert.NotPanics(t, func() {
		bus.Publish(eventbus.Event{Topic: eventbus.EdgeCreated})
	})
	assert.True(t, secondCalled)
}
