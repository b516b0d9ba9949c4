package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeDelivery, Data: 1})

	ea := <-a
	ec := <-c
	assert.Equal(t, TypeDelivery, ea.Type)
	assert.Equal(t, TypeDelivery, ec.Type)
	assert.False(t, ea.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})
	assert.EqualValues(t, 1, b.Dropped())

	unsub()
	unsub()
	e, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "x", e.Type)
	_, ok = <-ch
	assert.False(t, ok)

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: "z"})
}
