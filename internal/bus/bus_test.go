package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

func recv[T any](t *testing.T, sub *Subscription[T], within time.Duration) (T, uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	msg, missed, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg, missed
}

func TestPublishFansOut(t *testing.T) {
	b := New[int](4)
	a, c := b.Subscribe(), b.Subscribe()

	d, err := b.Publish(7)
	require.NoError(t, err)
	assert.Equal(t, Delivery{Delivered: 2}, d)

	got, _ := recv(t, a, 100*time.Millisecond)
	assert.Equal(t, 7, got)
	got, _ = recv(t, c, 100*time.Millisecond)
	assert.Equal(t, 7, got)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New[string](1)
	_, err := b.Publish("lost")
	assert.True(t, errors.Is(err, apperrors.ErrNoSubscribers))
}

func TestSlowSubscriberMissesMessages(t *testing.T) {
	b := New[int](2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := range 5 {
		_, err := b.Publish(i)
		require.NoError(t, err)
		got, _ := recv(t, fast, 100*time.Millisecond)
		assert.Equal(t, i, got)
	}

	first, missed := recv(t, slow, 100*time.Millisecond)
	assert.Equal(t, 0, first)
	assert.Equal(t, uint64(3), missed)
	second, missed := recv(t, slow, 100*time.Millisecond)
	assert.Equal(t, 1, second)
	assert.Zero(t, missed)
}

func TestAllSubscribersSaturated(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()

	_, err := b.Publish(1)
	require.NoError(t, err)
	d, err := b.Publish(2)

	assert.True(t, errors.Is(err, apperrors.ErrChannelSaturated))
	assert.Equal(t, Delivery{Dropped: 1}, d)
	assert.Equal(t, uint64(1), sub.Missed())
}

func TestCloseUnblocksReceivers(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()
	other := b.Subscribe()

	sub.Close()
	sub.Close()
	assert.Equal(t, 1, b.Len())
	_, _, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := other.Next(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	}()
	b.Close()
	wg.Wait()

	late := b.Subscribe()
	_, ok := late.TryNext()
	assert.False(t, ok)
	_, err = b.Publish(1)
	assert.True(t, errors.Is(err, apperrors.ErrNoSubscribers))
}

func TestNextHonoursContext(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
