package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pagepilot/internal/correlation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when observations arrive faster than the stream
// can write them; the observation is dropped.
var ErrQueueFull = errors.New("decision stream queue full")

const (
	streamQueue    = 64
	writeTimeout   = 10 * time.Second
	reconnectDelay = time.Second
)

// StreamClient keeps one websocket to the decision service. Observations
// are written in order by Run; replies are read on a separate goroutine and
// delivered as they arrive. The connection is dialed lazily and redialed
// after failures.
type StreamClient struct {
	url     string
	dialer  *websocket.Dialer
	deliver Deliver
	opts    ClientOptions
	log     *zap.Logger
	out     chan Observation

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

// NewStreamClient creates a websocket client for url (ws:// or wss://).
func NewStreamClient(url string, deliver Deliver, opts ClientOptions) *StreamClient {
	opts.defaults()
	return &StreamClient{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.Timeout},
		deliver: deliver,
		opts:    opts,
		log:     opts.Logger.Named("decision.stream"),
		out:     make(chan Observation, streamQueue),
	}
}

// Forward implements Forwarder by queueing obs for Run.
func (c *StreamClient) Forward(_ context.Context, obs Observation) error {
	obs.RequestID = c.opts.Tracker.Issue(obs.FieldID)
	select {
	case c.out <- obs:
		return nil
	default:
		c.opts.Metrics.DecisionRequest("stream", "dropped")
		return ErrQueueFull
	}
}

// Run writes queued observations until ctx is cancelled.
func (c *StreamClient) Run(ctx context.Context) error {
	defer func() {
		c.closeConn()
		c.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case obs := <-c.out:
			if err := c.write(ctx, obs); err != nil {
				c.opts.Metrics.DecisionRequest("stream", "error")
				c.log.Warn("stream write failed", zap.String("request_id", obs.RequestID), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(reconnectDelay):
				}
				continue
			}
			c.opts.Metrics.DecisionRequest("stream", "ok")
		}
	}
}

func (c *StreamClient) write(ctx context.Context, obs Observation) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.drop(conn)
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(obs); err != nil {
		c.drop(conn)
		return fmt.Errorf("write observation: %w", err)
	}
	return nil
}

func (c *StreamClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.wg.Add(1)
	go c.read(conn)
	c.log.Debug("stream connected", zap.String("url", c.url))
	return conn, nil
}

func (c *StreamClient) read(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		payload, err := decodeBody(data)
		if err != nil {
			c.log.Warn("discarding undecodable reply", zap.Error(err))
			continue
		}
		id := correlation.RequestID(correlation.FromPayload(payload))
		c.deliver(match(c.opts.Tracker, id, "", payload))
	}
}

// drop forgets conn if it is still current and closes it.
func (c *StreamClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *StreamClient) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
