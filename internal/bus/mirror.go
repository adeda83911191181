package bus

import "sync"

// ChannelMirror re-broadcasts events to Go channels for code that does not
// own a Handler. Sends never block; a full subscriber misses the event.
type ChannelMirror struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

// NewChannelMirror creates an empty mirror.
func NewChannelMirror() *ChannelMirror {
	return &ChannelMirror{subs: make(map[chan Event]string)}
}

// Subscribe returns a channel receiving events for topic ("" for all topics).
func (c *ChannelMirror) Subscribe(topic string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	c.mu.Lock()
	c.subs[ch] = topic
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (c *ChannelMirror) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
}

// Mirror implements Mirror.
func (c *ChannelMirror) Mirror(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch, topic := range c.subs {
		if topic != "" && topic != ev.Topic {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
