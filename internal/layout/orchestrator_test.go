package layout

import (
	"testing"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/dom"
	"pagepilot/internal/loop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct{ calls int }

func (c *countingRefresher) Refresh() int {
	c.calls++
	return 7
}

func TestLayoutSignals(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	b := bus.New(bus.Options{Now: clock.Now})
	doc := dom.NewDocument(dom.NewNode("body", nil), 1200, 800)
	ref := &countingRefresher{}
	o := New(b, doc, ref, clock, Options{})
	o.Start()
	t.Cleanup(o.Close)

	var resized []Resized
	b.OnFunc(bus.TopicLayoutResized, func(ev bus.Event) { resized = append(resized, ev.Payload.(Resized)) })

	b.Emit(bus.TopicLayoutOpen, nil)
	b.Emit(bus.TopicLayoutOpen, nil)
	assert.True(t, b.GetState().LayoutOpen)
	assert.True(t, doc.SplitLayout())

	b.Emit(bus.TopicLayoutToggle, nil)
	b.Emit(bus.TopicLayoutToggle, nil)
	assert.Empty(t, resized, "recalculation waits for the burst to settle")

	clock.Advance(150 * time.Millisecond)
	require.Len(t, resized, 1)
	assert.Equal(t, 1, ref.calls)
	assert.Equal(t, Resized{Open: true, Viewport: dom.Rect{Width: 600, Height: 800}, Elements: 7}, resized[0])

	b.Emit(bus.TopicLayoutClosed, nil)
	clock.Advance(time.Second)
	assert.False(t, b.GetState().LayoutOpen)
	assert.Equal(t, 1200.0, doc.Viewport().Width)
	assert.Equal(t, 2, ref.calls)
}
