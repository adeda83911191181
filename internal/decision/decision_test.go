package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/correlation"
	"pagepilot/internal/loop"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect() (Deliver, func(t *testing.T, n int) []Response) {
	var mu sync.Mutex
	var got []Response
	deliver := func(r Response) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}
	wait := func(t *testing.T, n int) []Response {
		t.Helper()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= n
		}, 2*time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return append([]Response(nil), got...)
	}
	return deliver, wait
}

func TestHTTPClientCarriesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var obs Observation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&obs))
		assert.Equal(t, obs.RequestID, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"request_id": obs.RequestID,
			"command":    map[string]interface{}{"action": "highlight", "selector": "#" + obs.FieldID},
		})
	}))
	defer srv.Close()

	deliver, wait := collect()
	c := NewHTTPClient(srv.URL, deliver, ClientOptions{})
	defer c.Close()

	require.NoError(t, c.Forward(context.Background(), Observation{FieldID: "email", Field: "email", Value: "hello"}))
	got := wait(t, 1)

	assert.Equal(t, "email", got[0].FieldID)
	assert.False(t, got[0].Stale)
	assert.NotEmpty(t, got[0].RequestID)
	body, ok := got[0].CommandPayload().(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, body, "command")
}

func TestHTTPClientFlagsOutOfOrderReplies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var obs Observation
		_ = json.NewDecoder(r.Body).Decode(&obs)
		if obs.Value == "first" {
			<-release
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"request_id": obs.RequestID, "value": obs.Value})
	}))
	defer srv.Close()

	deliver, wait := collect()
	c := NewHTTPClient(srv.URL, deliver, ClientOptions{})
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Forward(ctx, Observation{FieldID: "q", Value: "first"}))
	require.NoError(t, c.Forward(ctx, Observation{FieldID: "q", Value: "second"}))

	wait(t, 1)
	close(release)
	got := wait(t, 2)

	byValue := map[string]Response{}
	for _, r := range got {
		byValue[r.Body.(map[string]interface{})["value"].(string)] = r
	}
	assert.False(t, byValue["second"].Stale)
	assert.True(t, byValue["first"].Stale)
	assert.True(t, byValue["first"].IsStale())
}

func TestHTTPClientFallsBackToHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		_, _ = w.Write([]byte(`{"commands":[]}`))
	}))
	defer srv.Close()

	tracker := correlation.NewTracker(8)
	deliver, wait := collect()
	c := NewHTTPClient(srv.URL, deliver, ClientOptions{Tracker: tracker})
	defer c.Close()

	require.NoError(t, c.Forward(context.Background(), Observation{FieldID: "name"}))
	got := wait(t, 1)
	field, _, ok := tracker.Resolve(got[0].RequestID)
	assert.True(t, ok)
	assert.Equal(t, "name", field)
}

func TestHTTPClientErrorsAreNotDelivered(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer calls.Done()
		if strings.Contains(r.URL.Path, "bad") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	var delivered atomic.Int32
	counting := func(Response) { delivered.Add(1) }

	bad := NewHTTPClient(srv.URL+"/bad", counting, ClientOptions{})
	junk := NewHTTPClient(srv.URL+"/junk", counting, ClientOptions{})
	require.NoError(t, bad.Forward(context.Background(), Observation{FieldID: "a"}))
	require.NoError(t, junk.Forward(context.Background(), Observation{FieldID: "b"}))
	calls.Wait()
	bad.Close()
	junk.Close()

	assert.Zero(t, delivered.Load())
}

func TestHTTPClientForwardAfterClose(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", func(Response) {}, ClientOptions{})
	c.Close()
	assert.Error(t, c.Forward(context.Background(), Observation{FieldID: "x"}))
}

func TestEmitOnLoopPostsToBus(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	b := bus.New(bus.Options{})
	var got []Response
	b.OnFunc(bus.TopicResponseReceived, func(ev bus.Event) {
		got = append(got, ev.Payload.(Response))
	})

	EmitOnLoop(sched, b)(Response{RequestID: "r1"})
	assert.Empty(t, got, "delivery waits for the loop")
	sched.Flush()
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RequestID)
}

func TestStreamClientRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var obs Observation
			if err := conn.ReadJSON(&obs); err != nil {
				return
			}
			reply := map[string]interface{}{
				"requestId": obs.RequestID,
				"commands":  []interface{}{map[string]interface{}{"type": "tooltip", "message": obs.Value}},
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	deliver, wait := collect()
	c := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), deliver, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Forward(ctx, Observation{FieldID: "msg", Value: "one"}))
	require.NoError(t, c.Forward(ctx, Observation{FieldID: "msg", Value: "two"}))
	got := wait(t, 2)

	assert.Equal(t, "msg", got[0].FieldID)
	assert.True(t, got[0].Stale)
	assert.False(t, got[1].Stale)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStreamClientQueueFull(t *testing.T) {
	c := NewStreamClient("ws://127.0.0.1:1", func(Response) {}, ClientOptions{})
	for i := 0; i < streamQueue; i++ {
		require.NoError(t, c.Forward(context.Background(), Observation{FieldID: "f"}))
	}
	assert.ErrorIs(t, c.Forward(context.Background(), Observation{FieldID: "f"}), ErrQueueFull)
}

func TestDecodeBody(t *testing.T) {
	v, err := decodeBody(nil)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeBody([]byte("{"))
	assert.Error(t, err)

	v, err = decodeBody([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Len(t, v, 2)
}
