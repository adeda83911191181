package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnIsIdempotentPerTopicAndHandler(t *testing.T) {
	b := New(Options{})
	calls := 0
	h := Func(func(Event) { calls++ })

	first := b.On("t", h)
	second := b.On("t", h)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, b.ListenerCount("t"))

	b.Emit("t", nil)
	assert.Equal(t, 1, calls)

	// Either token removes the single registration.
	assert.True(t, second.Cancel())
	assert.False(t, first.Cancel())
	assert.Equal(t, 0, b.ListenerCount("t"))
}

func TestSameHandlerOnDifferentTopics(t *testing.T) {
	b := New(Options{})
	var topics []string
	h := Func(func(ev Event) { topics = append(topics, ev.Topic) })
	a := b.On("a", h)
	c := b.On("c", h)
	assert.NotEqual(t, a.ID, c.ID)

	b.Emit("a", nil)
	b.Emit("c", nil)
	assert.Equal(t, []string{"a", "c"}, topics)
}

func TestEmitDeliversInOrderDespitePanics(t *testing.T) {
	b := New(Options{})
	var order []int
	b.OnFunc("t", func(Event) { order = append(order, 1) })
	b.OnFunc("t", func(Event) { panic("listener failure") })
	b.OnFunc("t", func(Event) { order = append(order, 3) })

	require.NotPanics(t, func() { b.Emit("t", "p") })
	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, 1, b.Stats().Panicked)
}

func TestEmitSnapshotsListeners(t *testing.T) {
	b := New(Options{})
	calls := 0
	var late Subscription
	b.OnFunc("t", func(Event) {
		calls++
		late = b.OnFunc("t", func(Event) { calls += 10 })
	})
	b.Emit("t", nil)
	assert.Equal(t, 1, calls)
	assert.True(t, late.Cancel())
}

func TestOffAndOffAll(t *testing.T) {
	b := New(Options{})
	h := Func(func(Event) {})
	b.On("a", h)
	b.OnFunc("a", func(Event) {})
	b.OnFunc("b", func(Event) {})

	assert.True(t, b.Off("a", h))
	assert.False(t, b.Off("a", h))
	assert.Equal(t, 1, b.ListenerCount("a"))

	assert.Equal(t, 1, b.OffAll("a"))
	assert.Equal(t, 0, b.ListenerCount("a"))
	assert.Equal(t, 1, b.OffAll(""))
	assert.Equal(t, 0, b.ListenerCount("b"))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(Options{})
	sub := b.OnFunc("t", func(Event) {})
	assert.True(t, sub.Cancel())
	assert.False(t, sub.Cancel())
	assert.False(t, Subscription{}.Cancel())
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(Options{HistorySize: 3})
	for i := 0; i < 5; i++ {
		b.Emit(fmt.Sprintf("t%d", i), i)
	}
	h := b.History()
	require.Len(t, h, 3)
	assert.Equal(t, "t2", h[0].Topic)
	assert.Equal(t, "t4", h[2].Topic)
}

func TestMirrorReceivesIdenticalPayload(t *testing.T) {
	b := New(Options{})
	m := NewChannelMirror()
	b.AddMirror(m)
	ch := m.Subscribe("t", 4)
	other := m.Subscribe("", 4)

	payload := map[string]interface{}{"k": "v"}
	b.Emit("t", payload)
	b.Emit("u", 1)

	ev := <-ch
	assert.Equal(t, "t", ev.Topic)
	assert.Equal(t, payload, ev.Payload)
	assert.Len(t, ch, 0)
	assert.Len(t, other, 2)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSelfTest(t *testing.T) {
	b := New(Options{})
	assert.True(t, b.SelfTest())
	assert.Equal(t, 0, b.ListenerCount(selfTestTopic))
}

func TestNonComparableHandlersNeverDeduplicate(t *testing.T) {
	b := New(Options{})
	h := sliceHandler{}
	b.On("t", h)
	b.On("t", h)
	assert.Equal(t, 2, b.ListenerCount("t"))
}

type sliceHandler []int

func (sliceHandler) HandleEvent(Event) {}
