package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/loop"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type carried struct{ body interface{} }

func (c carried) CommandPayload() interface{} { return c.body }

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestFourShapesNormalizeEquivalently(t *testing.T) {
	cmdJSON := `{"type":"Tooltip","selector":"#price","text":"Free shipping today","duration":3000}`
	shapes := map[string]interface{}{
		"bare":          decode(t, cmdJSON),
		"commands":      decode(t, `{"commands":[`+cmdJSON+`]}`),
		"data.commands": decode(t, `{"data":{"commands":[`+cmdJSON+`]}}`),
		"data.command":  decode(t, `{"data":{"command":`+cmdJSON+`}}`),
	}
	want := Action{
		Kind:           KindTooltip,
		TargetSelector: "#price",
		Message:        "Free shipping today",
		DurationMs:     3000,
		Raw:            decode(t, cmdJSON),
	}
	for name, payload := range shapes {
		t.Run(name, func(t *testing.T) {
			raws := ExtractCommands(payload)
			require.Len(t, raws, 1)
			got, ok := Normalize(raws[0])
			require.True(t, ok)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("action mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractCommandsCarriers(t *testing.T) {
	raw := `{"commands":[{"action":"scroll","target":"#faq"},{"cmd":"highlight","selector":"#cta"}]}`
	for name, payload := range map[string]interface{}{
		"string":  raw,
		"bytes":   []byte(raw),
		"rawjson": json.RawMessage(raw),
		"carried": carried{body: decode(t, raw)},
	} {
		assert.Len(t, ExtractCommands(payload), 2, name)
	}

	for _, junk := range []interface{}{nil, 42, "not json", `["a"]`, map[string]interface{}{"type": "response"}} {
		assert.Empty(t, ExtractCommands(junk))
	}
}

func TestNormalizeKinds(t *testing.T) {
	tests := []struct {
		raw      string
		kind     Kind
		effect   string
		accepted bool
	}{
		{`{"ACTION_TYPE":"Highlight_Element","target_selector":"#a"}`, KindHighlight, "", true},
		{`{"kind":"glow","selector":"#a"}`, KindHighlight, "glow", true},
		{`{"type":"pulse","selector":"#a","effect":"ring"}`, KindHighlight, "ring", true},
		{`{"command":"scroll-to","target":"#a"}`, KindScroll, "", true},
		{`{"action":"open url","url":"/help"}`, KindNavigate, "", true},
		{`{"type":"update_data","data":{"cart":2}}`, KindDataUpdate, "", true},
		{`{"type":"dance","message":"hi"}`, KindTooltip, "", true},
		{`{"type":"dance","target":"#a"}`, KindHighlight, "", true},
		{`{"type":"dance"}`, KindUnknown, "", false},
		{`{}`, KindUnknown, "", false},
	}
	for _, tt := range tests {
		a, ok := Normalize(decodeAny(t, tt.raw))
		assert.Equal(t, tt.accepted, ok, tt.raw)
		assert.Equal(t, tt.kind, a.Kind, tt.raw)
		assert.Equal(t, tt.effect, a.Effect, tt.raw)
	}

	a, _ := Normalize(decodeAny(t, `{"type":"navigate","target":"/checkout"}`))
	assert.Equal(t, "/checkout", a.URL)
	a, _ = Normalize(decodeAny(t, `{"type":"data_update","value":{"n":1}}`))
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, a.Data)
}

func decodeAny(t *testing.T, s string) interface{} { return decode(t, s) }

func TestActionWireShape(t *testing.T) {
	a := Action{Kind: KindHighlight, TargetSelector: "#cta", Raw: map[string]interface{}{"cmd": "highlight"}}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"highlight","target_selector":"#cta","message":null,"duration_ms":null,"raw":{"cmd":"highlight"}}`,
		string(data))
}

type recorder struct {
	clock *loop.Manual
	ran   []string
	at    []time.Duration
	start time.Time
	fail  map[string]error
	boom  string
}

func (r *recorder) Execute(_ context.Context, a Action) error {
	if a.TargetSelector == r.boom {
		panic("exploded")
	}
	r.ran = append(r.ran, a.TargetSelector)
	r.at = append(r.at, r.clock.Now().Sub(r.start))
	return r.fail[a.TargetSelector]
}

func newInterpreter(t *testing.T, opts Options) (*Interpreter, *recorder, *loop.Manual, *bus.Bus) {
	t.Helper()
	start := time.Unix(1700000000, 0)
	clock := loop.NewManual(start)
	rec := &recorder{clock: clock, start: start, fail: map[string]error{}}
	b := bus.New(bus.Options{Now: clock.Now})
	in := NewInterpreter(b, clock, rec, opts)
	in.Start(context.Background())
	t.Cleanup(in.Close)
	return in, rec, clock, b
}

func TestDataCommandScenario(t *testing.T) {
	in, rec, clock, b := newInterpreter(t, Options{})
	var executed []Execution
	b.OnFunc(bus.TopicCommandExecuted, func(ev bus.Event) { executed = append(executed, ev.Payload.(Execution)) })

	b.Emit(bus.TopicResponseReceived, decode(t, `{"data":{"command":{"command":"HIGHLIGHT","target_selector":"#cta"}}}`))
	assert.Equal(t, 1, in.Pending())
	clock.Flush()

	require.Len(t, executed, 1)
	assert.Equal(t, KindHighlight, executed[0].Action.Kind)
	assert.Equal(t, "#cta", executed[0].Action.TargetSelector)
	assert.Equal(t, StatusOK, executed[0].Status)
	assert.Equal(t, []string{"#cta"}, rec.ran)
}

func TestSequentialPayloadsKeepOrderAndPacing(t *testing.T) {
	_, rec, clock, b := newInterpreter(t, Options{Pacing: 200 * time.Millisecond})

	b.Emit(bus.TopicResponseReceived, decode(t, `{"commands":[{"type":"highlight","selector":"#1"},{"type":"highlight","selector":"#2"}]}`))
	b.Emit(bus.TopicResponseReceived, decode(t, `{"commands":[{"type":"scroll","selector":"#3"},{"type":"tooltip","selector":"#4","text":"x"}]}`))
	clock.Advance(time.Second)

	assert.Equal(t, []string{"#1", "#2", "#3", "#4"}, rec.ran)
	assert.Equal(t, []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond}, rec.at)
}

func TestLateCommandRespectsPacing(t *testing.T) {
	in, rec, clock, b := newInterpreter(t, Options{Pacing: 200 * time.Millisecond})

	in.Enqueue(map[string]interface{}{"type": "highlight", "selector": "#a"})
	clock.Advance(50 * time.Millisecond)
	in.Enqueue(map[string]interface{}{"type": "highlight", "selector": "#b"})
	clock.Advance(time.Second)

	assert.Equal(t, []time.Duration{0, 200 * time.Millisecond}, rec.at)
	assert.False(t, b.GetState().Busy)
}

func TestPanicAndErrorsAreIsolated(t *testing.T) {
	in, rec, clock, _ := newInterpreter(t, Options{})
	rec.boom = "#boom"
	rec.fail["#missing"] = fmt.Errorf("resolve #missing: %w", ErrSkipped)
	rec.fail["#broken"] = errors.New("host gone")

	for _, sel := range []string{"#boom", "#missing", "#broken", "#fine"} {
		in.Enqueue(map[string]interface{}{"type": "highlight", "selector": sel})
	}
	clock.Advance(time.Second)

	h := in.History()
	require.Len(t, h, 4)
	assert.Equal(t, []Status{StatusFailed, StatusSkipped, StatusFailed, StatusOK},
		[]Status{h[0].Status, h[1].Status, h[2].Status, h[3].Status})
	assert.Contains(t, h[0].Error, "exploded")
	assert.Equal(t, []int{1, 2, 3, 4}, []int{h[0].Seq, h[1].Seq, h[2].Seq, h[3].Seq})
}

func TestHistoryIsBounded(t *testing.T) {
	in, _, clock, _ := newInterpreter(t, Options{HistorySize: 3, Pacing: time.Millisecond})
	for i := 0; i < 5; i++ {
		in.Enqueue(map[string]interface{}{"type": "scroll", "selector": fmt.Sprintf("#s%d", i)})
	}
	clock.Advance(time.Second)

	h := in.History()
	require.Len(t, h, 3)
	assert.Equal(t, "#s2", h[0].Action.TargetSelector)
	assert.Equal(t, 5, h[2].Seq)
}

func TestUnknownCommandsDropped(t *testing.T) {
	in, rec, clock, _ := newInterpreter(t, Options{})
	assert.Equal(t, 0, in.Interpret(map[string]interface{}{"commands": []interface{}{map[string]interface{}{"type": "dance"}}}))
	clock.Advance(time.Second)
	assert.Empty(t, rec.ran)
	assert.Equal(t, 1, in.Dropped())
}
