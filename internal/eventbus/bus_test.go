package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeServiceState, Data: "x"})

	ea := <-a
	ec := <-c
	require.Equal(t, TypeServiceState, ea.Type)
	require.Equal(t, TypeServiceState, ec.Type)
	require.False(t, ea.Time.IsZero(), "publish should stamp time")
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Equal(t, "a", (<-ch).Type)
	require.Equal(t, uint64(1), Dropped(b))
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	require.NotPanics(t, func() { b.Publish(Event{Type: "late"}) })
	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}
