package input

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/config"
	"pagepilot/internal/decision"
	"pagepilot/internal/dom"
	"pagepilot/internal/indexer"
	"pagepilot/internal/loop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureForwarder struct {
	sent []decision.Observation
	err  error
}

func (c *captureForwarder) Forward(_ context.Context, obs decision.Observation) error {
	c.sent = append(c.sent, obs)
	return c.err
}

type harness struct {
	obs     *Observer
	doc     *dom.Document
	clock   *loop.Manual
	bus     *bus.Bus
	fwd     *captureForwarder
	intents []Intent
}

func newHarness(t *testing.T, markup string) *harness {
	t.Helper()
	root, err := dom.ParseHTML(strings.NewReader(markup), 1000)
	require.NoError(t, err)
	h := &harness{
		doc:   dom.NewDocument(root, 1000, 800),
		clock: loop.NewManual(time.Unix(1700000000, 0)),
		fwd:   &captureForwarder{},
	}
	h.bus = bus.New(bus.Options{Now: h.clock.Now})
	h.bus.OnFunc(bus.TopicInputIntent, func(ev bus.Event) {
		h.intents = append(h.intents, ev.Payload.(Intent))
	})
	h.obs = New(h.bus, h.clock, Options{Forwarder: h.fwd, Source: h.doc})
	return h
}

func TestAttachSkipsSensitiveFields(t *testing.T) {
	h := newHarness(t, `<body>
	<input id="q" name="query">
	<input id="pw" type="password">
	<input id="userPassword">
	<input id="ship" name="shipping_address">
	<input id="code" name="pin">
	<input id="sec" placeholder="رمز عبور">
	<input id="opt" data-ai-ignore>
	<input id="priv" data-private="true">
	<input id="cc" autocomplete="cc-number">
	<input id="btn" type="submit" value="Go">
	<textarea id="notes"></textarea>
	<div id="ed" contenteditable="true"></div>
	</body>`)

	got := h.obs.Attach(h.doc.Root())
	assert.ElementsMatch(t, []string{"q", "ship", "notes", "ed"}, got)
	assert.Empty(t, h.obs.Attach(h.doc.Root()), "second attach is a no-op")
}

func TestDefaultBlocklistFollowsConfig(t *testing.T) {
	obs := New(nil, loop.NewManual(time.Unix(0, 0)), Options{})
	for _, k := range config.DefaultSensitiveKeywords() {
		n := dom.NewNode("input", map[string]string{"name": k})
		assert.True(t, obs.Sensitive(n), k)
	}
	assert.False(t, obs.Sensitive(dom.NewNode("input", map[string]string{"name": "shipping"})))
}

func TestDebounceCoalescesToLastValue(t *testing.T) {
	h := newHarness(t, `<body><input id="q" placeholder="Search"></body>`)
	h.obs.Attach(h.doc.Root())

	h.obs.HandleFocus("q")
	for _, v := range []string{"ch", "che", "chea", "cheap shoes"} {
		h.obs.HandleInput("q", v)
		h.clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, h.intents)
	assert.True(t, h.obs.Pending("q"))

	h.clock.Advance(800 * time.Millisecond)
	require.Len(t, h.intents, 1)
	assert.Equal(t, "cheap shoes", h.intents[0].Value)
	assert.Equal(t, "search", h.intents[0].Field)
	assert.Equal(t, []string{"price"}, h.intents[0].Concepts.Topics)
	assert.False(t, h.intents[0].Final)
	require.Len(t, h.fwd.sent, 1)
	assert.Equal(t, "cheap shoes", h.fwd.sent[0].Value)
	assert.Equal(t, "cheap shoes", h.bus.GetState().Input.Value)
}

func TestShortValueCancelsPendingAnalysis(t *testing.T) {
	h := newHarness(t, `<body><input id="q"></body>`)
	h.obs.Attach(h.doc.Root())

	h.obs.HandleInput("q", "hello")
	h.obs.HandleInput("q", "he")
	assert.False(t, h.obs.Pending("q"))
	h.clock.Advance(time.Second)
	assert.Empty(t, h.intents)
}

func TestBlurForcesFinalAnalysis(t *testing.T) {
	h := newHarness(t, `<body><input id="q"></body>`)
	h.obs.Attach(h.doc.Root())

	h.obs.HandleFocus("q")
	h.obs.HandleInput("q", "order 2 shirts")
	h.obs.HandleBlur("q")

	require.Len(t, h.intents, 1)
	assert.True(t, h.intents[0].Final)
	assert.Equal(t, []int{2}, h.intents[0].Concepts.Quantities)
	assert.False(t, h.obs.Buffered("q"))
	assert.False(t, h.obs.Pending("q"))

	h.clock.Advance(time.Second)
	assert.Len(t, h.intents, 1, "cancelled debounce never fires")
}

func TestBlurBelowMinimumDiscardsSilently(t *testing.T) {
	h := newHarness(t, `<body><input id="q"></body>`)
	h.obs.Attach(h.doc.Root())
	h.obs.HandleFocus("q")
	h.obs.HandleInput("q", " a ")
	h.obs.HandleBlur("q")
	assert.Empty(t, h.intents)
	assert.False(t, h.obs.Buffered("q"))
}

func TestSensitiveFieldNeverObserved(t *testing.T) {
	h := newHarness(t, `<body><input id="card" name="card_number"></body>`)
	h.obs.Attach(h.doc.Root())

	h.obs.HandleFocus("card")
	h.obs.HandleInput("card", "4111 1111 1111 1111")
	h.clock.Advance(time.Second)
	h.obs.HandleBlur("card")

	assert.Empty(t, h.obs.Fields())
	assert.False(t, h.obs.Buffered("card"))
	assert.Empty(t, h.intents)
	assert.Empty(t, h.fwd.sent)
	assert.Empty(t, h.bus.GetState().Input.Value)
}

func TestForwardErrorDoesNotStall(t *testing.T) {
	h := newHarness(t, `<body><input id="q"></body>`)
	h.fwd.err = errors.New("service down")
	h.obs.Attach(h.doc.Root())

	h.obs.HandleInput("q", "first")
	h.clock.Advance(time.Second)
	h.obs.HandleInput("q", "second")
	h.clock.Advance(time.Second)

	assert.Len(t, h.fwd.sent, 2)
	assert.Len(t, h.intents, 2)
}

func TestReattachIsDebounced(t *testing.T) {
	h := newHarness(t, `<body><form id="f"></form></body>`)
	h.obs.Attach(h.doc.Root())
	form, _ := h.doc.Query("#f")
	h.doc.OnMutation(func([]*dom.Node) { h.obs.NotifyMutation() })

	h.doc.Insert(form, dom.NewNode("input", map[string]string{"id": "a"}))
	h.doc.Insert(form, dom.NewNode("input", map[string]string{"id": "b"}))
	h.doc.Insert(form, dom.NewNode("input", map[string]string{"id": "secret", "type": "password"}))
	assert.Empty(t, h.obs.Fields())

	h.clock.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, h.obs.Fields())
}

func TestInsertedFieldKeyedByIndexerIdentity(t *testing.T) {
	h := newHarness(t, `<body><form id="f"></form></body>`)
	ix := indexer.New(h.doc, h.bus, h.clock, indexer.Options{
		Source:      h.doc,
		RescanDelay: 500 * time.Millisecond,
		OnScan:      func(root *dom.Node) { h.obs.Attach(root) },
	})
	ix.Scan(h.doc.Root())
	form, _ := h.doc.Query("#f")
	h.doc.OnMutation(func([]*dom.Node) { ix.NotifyMutation() })

	h.doc.Insert(form, dom.NewNode("input", map[string]string{"id": "q"}))
	h.clock.Advance(time.Second)

	q, ok := h.doc.Query("#q")
	require.True(t, ok)
	pageID := q.Attr(indexer.IDAttr)
	require.NotEmpty(t, pageID)
	assert.Equal(t, []string{pageID}, h.obs.Fields())
	assert.True(t, h.obs.Attached(pageID))
	assert.False(t, h.obs.Attached("q"))

	h.obs.HandleInput(pageID, "shipping")
	h.clock.Advance(time.Second)
	require.Len(t, h.fwd.sent, 1)
	assert.Equal(t, pageID, h.fwd.sent[0].FieldID)
	assert.Equal(t, "shipping", h.fwd.sent[0].Value)
}

func TestExtractConcepts(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T, c decision.Concepts)
	}{
		{"persian digits and topic", "قیمت ۳ عدد", func(t *testing.T, c decision.Concepts) {
			assert.Equal(t, "persian", c.Script)
			assert.Equal(t, []string{"price"}, c.Topics)
			assert.Equal(t, []int{3}, c.Quantities)
		}},
		{"mixed script", "سفارش order", func(t *testing.T, c decision.Concepts) {
			assert.Equal(t, "mixed", c.Script)
			assert.Equal(t, []string{"سفارش", "order"}, c.Keywords)
			assert.Equal(t, []string{"order"}, c.Topics)
		}},
		{"email", "me@example.com", func(t *testing.T, c decision.Concepts) {
			assert.Contains(t, c.Patterns, "email")
		}},
		{"phone suppresses quantities", "+98 912 345 6789", func(t *testing.T, c decision.Concepts) {
			assert.Contains(t, c.Patterns, "phone")
			assert.Empty(t, c.Quantities)
		}},
		{"out of range quantity", "need 1500 units", func(t *testing.T, c decision.Concepts) {
			assert.Empty(t, c.Quantities)
			assert.Contains(t, c.Patterns, "number")
		}},
		{"url", "see www.example.com/help", func(t *testing.T, c decision.Concepts) {
			assert.Contains(t, c.Patterns, "url")
			assert.Equal(t, []string{"support"}, c.Topics)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Extract(tt.value))
		})
	}
}
