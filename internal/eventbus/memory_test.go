package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	var mu sync.Mutex
	var got []*Event

	sub, err := b.Subscribe("session.s1.tab", func(ctx context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ev := NewEvent(TypeTabsChanged, "s1", map[string]interface{}{"count": 2})
	require.NoError(t, b.Publish(context.Background(), "session.s1.tab", ev))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TypeTabsChanged, got[0].Type)
}

func TestMemoryBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryBus(nil)
	var count int
	var mu sync.Mutex

	sub, err := b.Subscribe("session.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_ = b.Publish(context.Background(), "session.s1.tab", NewEvent("x", "s1", nil))
	_ = b.Publish(context.Background(), "session.s2.state_change", NewEvent("y", "s2", nil))
	_ = b.Publish(context.Background(), "autorun.b1.state", NewEvent("z", "", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	var count int
	var mu sync.Mutex

	sub, err := b.Subscribe("foo", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "foo", NewEvent("x", "", nil))
	sub.Unsubscribe()
	_ = b.Publish(context.Background(), "foo", NewEvent("x", "", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemoryBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	var secondCalled bool

	_, _ = b.Subscribe("foo", func(ctx context.Context, e *Event) error {
		return assert.AnError
	})
	_, _ = b.Subscribe("foo", func(ctx context.Context, e *Event) error {
		secondCalled = true
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "foo", NewEvent("x", "", nil)))
	assert.True(t, secondCalled)
}
