package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/correlation"
	"pagepilot/internal/loop"
	"pagepilot/internal/metrics"

	"go.uber.org/zap"
)

// maxReplyBytes bounds how much of a reply body is read.
const maxReplyBytes = 1 << 20

// Deliver hands a reply back to the assistant.
type Deliver func(Response)

// EmitOnLoop returns a Deliver that posts each reply onto the loop and emits
// it as ai:response_received.
func EmitOnLoop(sched loop.Scheduler, b *bus.Bus) Deliver {
	return func(r Response) {
		sched.Post(func() { b.Emit(bus.TopicResponseReceived, r) })
	}
}

// ClientOptions configures the decision transports.
type ClientOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracker *correlation.Tracker
	Timeout time.Duration
	Headers map[string]string
}

func (o *ClientOptions) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracker == nil {
		o.Tracker = correlation.NewTracker(0)
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
}

// HTTPClient posts each observation as JSON in its own goroutine. Replies
// are matched by carried request id, never by arrival order.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	deliver  Deliver
	opts     ClientOptions
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPClient creates a client posting to endpoint.
func NewHTTPClient(endpoint string, deliver Deliver, opts ClientOptions) *HTTPClient {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: opts.Timeout},
		deliver:  deliver,
		opts:     opts,
		log:      opts.Logger.Named("decision.http"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Forward implements Forwarder. It returns once the request is handed to a
// goroutine; transport failures are logged there.
func (c *HTTPClient) Forward(_ context.Context, obs Observation) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("decision client closed")
	}
	obs.RequestID = c.opts.Tracker.Issue(obs.FieldID)
	body, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.roundTrip(obs, body); err != nil {
			c.opts.Metrics.DecisionRequest("http", "error")
			c.log.Warn("decision request failed",
				zap.String("request_id", obs.RequestID),
				zap.String("field", obs.Field),
				zap.Error(err))
		}
	}()
	return nil
}

func (c *HTTPClient) roundTrip(obs Observation, body []byte) error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", obs.RequestID)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post observation: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("decision service returned %s", resp.Status)
	}
	payload, err := decodeBody(data)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	id := correlation.RequestID(correlation.FromPayload(payload))
	if id == "" {
		id = correlation.RequestID(correlation.FromHeader("X-Request-Id", resp.Header.Get("X-Request-Id")))
	}
	if id == "" {
		id = obs.RequestID
	}
	c.opts.Metrics.DecisionRequest("http", "ok")
	c.deliver(match(c.opts.Tracker, id, obs.FieldID, payload))
	return nil
}

// match builds a Response, resolving the field and staleness from the
// tracker when the id is known.
func match(t *correlation.Tracker, id, fallbackField string, payload interface{}) Response {
	r := Response{RequestID: id, FieldID: fallbackField, Body: payload}
	if field, stale, ok := t.Resolve(id); ok {
		r.FieldID = field
		r.Stale = stale
	}
	return r
}

// Close cancels in-flight requests and waits for their goroutines.
func (c *HTTPClient) Close() {
	c.cancel()
	c.wg.Wait()
}
