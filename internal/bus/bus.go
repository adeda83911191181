// Package bus implements the in-process event bus and the shared state store.
package bus

import (
	"reflect"
	"sync"
	"time"

	"pagepilot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one emitted record.
type Event struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"ts"`
}

// Handler receives events for the topics it is registered on.
type Handler interface {
	HandleEvent(Event)
}

type funcHandler struct {
	fn func(Event)
}

func (f *funcHandler) HandleEvent(ev Event) { f.fn(ev) }

// Func wraps fn in a handler with a stable identity. Keep the returned value
// to unsubscribe or to make a repeated On a no-op.
func Func(fn func(Event)) Handler {
	return &funcHandler{fn: fn}
}

// Mirror receives a copy of every emitted event. It is the single adapter
// boundary towards the host platform's own event mechanism.
type Mirror interface {
	Mirror(Event)
}

// MirrorFunc adapts a function to Mirror.
type MirrorFunc func(Event)

func (f MirrorFunc) Mirror(ev Event) { f(ev) }

// Subscription identifies one registration.
type Subscription struct {
	ID    string
	Topic string

	bus *Bus
}

// Cancel removes the registration. It is immediate and idempotent.
func (s Subscription) Cancel() bool {
	if s.bus == nil {
		return false
	}
	return s.bus.Unsubscribe(s.ID)
}

type registration struct {
	id      string
	topic   string
	handler Handler
}

// Options configures a Bus.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	HistorySize int
	Now         func() time.Time
}

// Bus dispatches events synchronously to listeners in registration order.
type Bus struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	topics   map[string][]*registration
	byID     map[string]*registration
	mirrors  []Mirror
	history  *ring
	emitted  int
	panicked int

	store *Store
}

// New creates a bus with its own shared state store.
func New(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Bus{
		log:     opts.Logger.Named("bus"),
		metrics: opts.Metrics,
		now:     opts.Now,
		topics:  make(map[string][]*registration),
		byID:    make(map[string]*registration),
		history: newRing(opts.HistorySize),
	}
	b.store = newStore(b)
	return b
}

// Store returns the shared state store bound to this bus.
func (b *Bus) Store() *Store { return b.store }

// UpdateState merges p into the shared state and broadcasts the change.
func (b *Bus) UpdateState(p Patch) State { return b.store.Update(p) }

// GetState returns a copy of the shared state.
func (b *Bus) GetState() State { return b.store.State() }

// AddMirror attaches an adapter that receives every emitted event.
func (b *Bus) AddMirror(m Mirror) {
	if m == nil {
		return
	}
	b.mu.Lock()
	b.mirrors = append(b.mirrors, m)
	b.mu.Unlock()
}

// On registers h for topic. Registering the same (topic, handler) pair again
// returns the original subscription and adds nothing.
func (b *Bus) On(topic string, h Handler) Subscription {
	if h == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.findLocked(topic, h); existing != nil {
		return Subscription{ID: existing.id, Topic: topic, bus: b}
	}

	reg := &registration{id: uuid.NewString(), topic: topic, handler: h}
	b.topics[topic] = append(b.topics[topic], reg)
	b.byID[reg.id] = reg
	return Subscription{ID: reg.id, Topic: topic, bus: b}
}

// OnFunc is shorthand for On(topic, Func(fn)).
func (b *Bus) OnFunc(topic string, fn func(Event)) Subscription {
	return b.On(topic, Func(fn))
}

// Off removes the registration of h on topic.
func (b *Bus) Off(topic string, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := b.findLocked(topic, h)
	if reg == nil {
		return false
	}
	b.removeLocked(reg)
	return true
}

// OffAll removes every registration on topic, or every registration at all
// when topic is empty.
func (b *Bus) OffAll(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if topic == "" {
		n = len(b.byID)
		b.topics = make(map[string][]*registration)
		b.byID = make(map[string]*registration)
		return n
	}
	for _, reg := range b.topics[topic] {
		delete(b.byID, reg.id)
		n++
	}
	delete(b.topics, topic)
	return n
}

// Unsubscribe removes a registration by subscription id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.byID[id]
	if !ok {
		return false
	}
	b.removeLocked(reg)
	return true
}

// Emit delivers payload to every listener currently registered on topic.
// Listener panics are recovered and logged; Emit itself never panics.
func (b *Bus) Emit(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: b.now()}

	b.mu.Lock()
	regs := make([]*registration, len(b.topics[topic]))
	copy(regs, b.topics[topic])
	mirrors := make([]Mirror, len(b.mirrors))
	copy(mirrors, b.mirrors)
	b.history.push(ev)
	b.emitted++
	b.mu.Unlock()

	b.metrics.BusEvent(topic)

	for _, reg := range regs {
		b.deliver(reg, ev)
	}
	for _, m := range mirrors {
		b.mirror(m, ev)
	}
}

func (b *Bus) deliver(reg *registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.panicked++
			b.mu.Unlock()
			b.metrics.ListenerPanic(ev.Topic)
			b.log.Error("listener panicked",
				zap.String("topic", ev.Topic),
				zap.String("subscription", reg.id),
				zap.Any("panic", r))
		}
	}()
	reg.handler.HandleEvent(ev)
}

func (b *Bus) mirror(m Mirror, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("mirror panicked", zap.String("topic", ev.Topic), zap.Any("panic", r))
		}
	}()
	m.Mirror(ev)
}

// History returns the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.items()
}

// ListenerCount returns the number of registrations on topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats summarises bus activity for diagnostics.
type Stats struct {
	Emitted   int            `json:"emitted"`
	Panicked  int            `json:"listener_panics"`
	Listeners map[string]int `json:"listeners"`
	History   int            `json:"history"`
}

// Stats returns a diagnostic snapshot.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	listeners := make(map[string]int, len(b.topics))
	for topic, regs := range b.topics {
		listeners[topic] = len(regs)
	}
	return Stats{
		Emitted:   b.emitted,
		Panicked:  b.panicked,
		Listeners: listeners,
		History:   b.history.len(),
	}
}

// SelfTest subscribes a listener to a private topic, emits once and unsubscribes.
// It reports whether the listener saw exactly its own payload once.
func (b *Bus) SelfTest() bool {
	nonce := uuid.NewString()
	hits := 0
	sub := b.OnFunc(selfTestTopic, func(ev Event) {
		if s, ok := ev.Payload.(string); ok && s == nonce {
			hits++
		}
	})
	b.Emit(selfTestTopic, nonce)
	removed := sub.Cancel()

	ok := hits == 1 && removed && b.ListenerCount(selfTestTopic) == 0
	if !ok {
		b.log.Warn("bus self-test failed", zap.Int("hits", hits), zap.Bool("removed", removed))
	}
	return ok
}

func (b *Bus) findLocked(topic string, h Handler) *registration {
	if !hashable(h) {
		return nil
	}
	for _, reg := range b.topics[topic] {
		if hashable(reg.handler) && reg.handler == h {
			return reg
		}
	}
	return nil
}

func (b *Bus) removeLocked(reg *registration) {
	delete(b.byID, reg.id)
	regs := b.topics[reg.topic]
	for i, r := range regs {
		if r == reg {
			next := make([]*registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, reg.topic)
			} else {
				b.topics[reg.topic] = next
			}
			return
		}
	}
}

func hashable(h Handler) bool {
	t := reflect.TypeOf(h)
	return t != nil && t.Comparable()
}
