package bus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
)

func newTestBus(capacity int) *Bus {
	return New(capacity, slog.New(slog.DiscardHandler))
}

func queued(kind string) domain.Event {
	return domain.JobQueued{JobID: uuid.New(), JobKind: kind}
}

func collect(t *testing.T, sub *Subscription, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case env := <-sub.Events():
			out = append(out, env)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return out
}

func TestBusFanOutPreservesOrder(t *testing.T) {
	b := newTestBus(16)
	defer b.Close()

	first, err := b.Subscribe()
	require.NoError(t, err)
	second, err := b.Subscribe()
	require.NoError(t, err)

	kinds := []string{"a", "b", "c", "d"}
	for _, k := range kinds {
		b.Publish(queued(k))
	}

	for _, sub := range []*Subscription{first, second} {
		envs := collect(t, sub, len(kinds))
		for i, env := range envs {
			assert.Equal(t, uint64(i+1), env.Seq)
			assert.Equal(t, kinds[i], env.Event.(domain.JobQueued).JobKind)
		}
		assert.Zero(t, sub.Missed())
	}
}

func TestBusPublishWithZeroSubscribers(t *testing.T) {
	b := newTestBus(4)
	defer b.Close()

	// Must not panic or block.
	b.Publish(queued("orphan"))
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBusSubscriberSeesOnlyPostSubscriptionEvents(t *testing.T) {
	b := newTestBus(16)
	defer b.Close()

	b.Publish(queued("before"))

	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Publish(queued("after"))

	envs := collect(t, sub, 1)
	assert.Equal(t, "after", envs[0].Event.(domain.JobQueued).JobKind)

	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSlowSubscriberDropsOldestAndCountsMissed(t *testing.T) {
	b := newTestBus(4)
	defer b.Close()

	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	// Publish more than the queue capacity without draining the slow
	// subscriber. The fast subscriber drains as it goes and loses nothing.
	total := 10
	for i := 0; i < total; i++ {
		b.Publish(queued("x"))
		collect(t, fast, 1)
	}

	assert.Zero(t, fast.Missed())

	missed := slow.Missed()
	assert.Equal(t, uint64(total-4), missed)

	// The slow subscriber's queue holds the newest 4 events.
	envs := collect(t, slow, 4)
	assert.Equal(t, uint64(total), envs[3].Seq)

	// Missed resets after being read.
	assert.Zero(t, slow.Missed())
}

func TestBusReplaySince(t *testing.T) {
	b := newTestBus(4)
	defer b.Close()

	for i := 0; i < 6; i++ {
		b.Publish(queued("r"))
	}

	// Ring holds seqs 3..6 after overflow.
	all := b.ReplaySince(0)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(6), all[3].Seq)

	tail := b.ReplaySince(5)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(6), tail[0].Seq)

	assert.Empty(t, b.ReplaySince(6))
}

func TestBusClose(t *testing.T) {
	b := newTestBus(4)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "subscription channel should close with the bus")

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, apperrors.ErrBusClosed)

	// Publish after close is a silent no-op, as is a second Close.
	b.Publish(queued("late"))
	b.Close()
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	b := newTestBus(4)
	defer b.Close()

	sub, err := b.Subscribe()
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Closing twice is safe.
	sub.Close()

	b.Publish(queued("after-detach"))
}
