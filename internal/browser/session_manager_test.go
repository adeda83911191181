package browser

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"pagepilot/internal/config"
	"pagepilot/internal/decision"
	"pagepilot/internal/dom"
	"pagepilot/internal/input"
	"pagepilot/internal/loop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func TestEventThrottlerPerKey(t *testing.T) {
	now := time.Unix(100, 0)
	th := newEventThrottler(50*time.Millisecond, func() time.Time { return now })

	assert.Zero(t, th.Reserve("input:a"))
	assert.Equal(t, 50*time.Millisecond, th.Reserve("input:a"))
	assert.Zero(t, th.Reserve("input:b"), "keys are independent")

	now = now.Add(20 * time.Millisecond)
	assert.Equal(t, 30*time.Millisecond, th.Reserve("input:a"))
	th.Mark("input:a")
	assert.Equal(t, 50*time.Millisecond, th.Reserve("input:a"), "a late release opens a new window")

	now = now.Add(50 * time.Millisecond)
	assert.Zero(t, th.Reserve("input:a"))
}

func TestEventThrottlerDisabled(t *testing.T) {
	th := newEventThrottler(0, time.Now)
	assert.Nil(t, th)
	for i := 0; i < 3; i++ {
		assert.Zero(t, th.Reserve("x"))
	}
	th.Mark("x")
}

func TestSessionManagerWithoutBrowser(t *testing.T) {
	m := NewSessionManager(config.DefaultConfig().Browser, nil)
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.ControlURL())
	assert.Empty(t, m.List())

	_, _, err := m.CreateSession(context.Background(), "about:blank")
	assert.Error(t, err)

	_, ok := m.Page("missing")
	assert.False(t, ok)

	assert.NoError(t, m.Shutdown(context.Background()))
}

type recorded struct {
	kind, field, value string
}

func newTestBridge(throttle time.Duration, observed func(string) bool) (*Bridge, *loop.Manual, *[]recorded) {
	sched := loop.NewManual(time.Unix(0, 0))
	var got []recorded
	h := Handlers{
		Focus:       func(f string) { got = append(got, recorded{"focus", f, ""}) },
		Input:       func(f, v string) { got = append(got, recorded{"input", f, v}) },
		Blur:        func(f string) { got = append(got, recorded{"blur", f, ""}) },
		Mutation:    func() { got = append(got, recorded{kind: "mutation"}) },
		Control:     func(o, a string) { got = append(got, recorded{"control", o, a}) },
		Persistence: func(s string, d interface{}) { got = append(got, recorded{"persistence", s, fmt.Sprint(d)}) },
	}
	opts := BridgeOptions{Throttle: throttle, Observed: observed}
	return NewBridge(sched, h, opts), sched, &got
}

func event(kind string, kv ...string) gson.JSON {
	m := map[string]interface{}{"kind": kind}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return gson.New(m)
}

func TestBridgePostsOntoLoop(t *testing.T) {
	b, sched, got := newTestBridge(0, nil)

	b.Handle(event("focus", "field", "email"))
	b.Handle(event("input", "field", "email", "value", "ann"))
	b.Handle(event("mutation"))
	b.Handle(event("control", "overlay", "tour", "action", "next"))
	b.Handle(event("persistence", "signal", "lead_saved", "detail", "lead-7"))
	b.Handle(event("bogus"))
	assert.Empty(t, *got, "handlers run on the loop")

	sched.Flush()
	assert.Equal(t, []recorded{
		{"focus", "email", ""},
		{"input", "email", "ann"},
		{kind: "mutation"},
		{"control", "tour", "next"},
		{"persistence", "lead_saved", "lead-7"},
	}, *got)
}

func TestBridgeBlurFlushesThrottledInput(t *testing.T) {
	b, sched, got := newTestBridge(time.Hour, nil)

	b.Handle(event("input", "field", "q", "value", "s"))
	b.Handle(event("input", "field", "q", "value", "sh"))
	b.Handle(event("input", "field", "q", "value", "sho"))
	b.Handle(event("blur", "field", "q"))
	sched.Flush()

	assert.Equal(t, []recorded{
		{"input", "q", "s"},
		{"input", "q", "sho"},
		{"blur", "q", ""},
	}, *got)
	assert.False(t, b.Held("q"))
}

func TestBridgeReleasesThrottledInputAtWindowEnd(t *testing.T) {
	b, sched, got := newTestBridge(100*time.Millisecond, nil)

	b.Handle(event("input", "field", "q", "value", "sh"))
	b.Handle(event("input", "field", "q", "value", "shi"))
	b.Handle(event("input", "field", "q", "value", "shipping"))
	sched.Flush()
	assert.Equal(t, []recorded{{"input", "q", "sh"}}, *got)
	assert.True(t, b.Held("q"))

	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, []recorded{{"input", "q", "sh"}, {"input", "q", "shipping"}}, *got)
	assert.False(t, b.Held("q"))

	b.Handle(event("input", "field", "q", "value", "shipping fee"))
	sched.Flush()
	assert.Len(t, *got, 2, "the released value opened a new window")
	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, recorded{"input", "q", "shipping fee"}, (*got)[2])
}

func TestBridgeThrottleKeepsLastValueForDebounce(t *testing.T) {
	root, err := dom.ParseHTML(strings.NewReader(`<body><input id="q"></body>`), 800)
	require.NoError(t, err)
	sched := loop.NewManual(time.Unix(0, 0))
	fwd := &captureForwarder{}
	obs := input.New(nil, sched, input.Options{Forwarder: fwd})
	obs.Attach(root)

	b := NewBridge(sched, Handlers{Input: obs.HandleInput, Blur: obs.HandleBlur},
		BridgeOptions{Throttle: 100 * time.Millisecond, Observed: obs.Attached})
	for _, v := range []string{"sh", "shi", "shipping"} {
		b.Handle(event("input", "field", "q", "value", v))
	}
	sched.Advance(2 * time.Second)

	require.Len(t, fwd.sent, 1)
	assert.Equal(t, "shipping", fwd.sent[0].Value)
}

func TestBridgeDropsUnobservedFields(t *testing.T) {
	root, err := dom.ParseHTML(strings.NewReader(`<body>
	<input id="q">
	<input id="card_number">
	</body>`), 800)
	require.NoError(t, err)
	sched := loop.NewManual(time.Unix(0, 0))
	obs := input.New(nil, sched, input.Options{})
	obs.Attach(root)

	var got []recorded
	b := NewBridge(sched, Handlers{
		Focus: func(f string) { got = append(got, recorded{"focus", f, ""}) },
		Input: func(f, v string) { got = append(got, recorded{"input", f, v}) },
		Blur:  func(f string) { got = append(got, recorded{"blur", f, ""}) },
	}, BridgeOptions{Throttle: time.Hour, Observed: obs.Attached})

	b.Handle(event("focus", "field", "card_number"))
	b.Handle(event("input", "field", "card_number", "value", "4111"))
	b.Handle(event("input", "field", "card_number", "value", "4111 1111"))
	b.Handle(event("blur", "field", "card_number"))
	assert.False(t, b.Held("card_number"))
	sched.Advance(time.Hour)
	assert.Empty(t, got)

	b.Handle(event("input", "field", "q", "value", "hello"))
	sched.Flush()
	assert.Equal(t, []recorded{{"input", "q", "hello"}}, got)
}

func TestBridgeIgnoresAnonymousFields(t *testing.T) {
	b, sched, got := newTestBridge(0, nil)
	b.Handle(event("input", "value", "x"))
	b.Handle(event("control", "overlay", "o"))
	b.Handle(event("persistence"))
	sched.Flush()
	assert.Empty(t, *got)
}

func TestBridgeCloseWithoutInstall(t *testing.T) {
	b, _, _ := newTestBridge(time.Hour, nil)
	b.Handle(event("input", "field", "q", "value", "a"))
	b.Handle(event("input", "field", "q", "value", "ab"))
	require.True(t, b.Held("q"))
	assert.NoError(t, b.Close())
	assert.False(t, b.Held("q"))
}

type captureForwarder struct {
	sent []decision.Observation
}

func (c *captureForwarder) Forward(_ context.Context, obs decision.Observation) error {
	c.sent = append(c.sent, obs)
	return nil
}
