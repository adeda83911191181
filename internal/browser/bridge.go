package browser

import (
	"fmt"
	"sync"
	"time"

	"pagepilot/internal/loop"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// bindingName is the page function that carries events back to Go.
const bindingName = "__pagepilotEvent"

const listenersJS = `() => {
	if (window.__pagepilotListening) return;
	window.__pagepilotListening = true;
	const send = (ev) => { if (window.__pagepilotEvent) window.__pagepilotEvent(ev); };
	const optedOut = (el, name) => el.hasAttribute(name) && el.getAttribute(name).toLowerCase() !== 'false';
	const editable = (el) => {
		if (!el || el.nodeType !== 1) return false;
		if (!(el.matches('input, textarea') || el.isContentEditable)) return false;
		if (el.tagName === 'INPUT' && ['password', 'hidden'].includes((el.type || '').toLowerCase())) return false;
		if (optedOut(el, 'data-ai-ignore') || optedOut(el, 'data-private')) return false;
		const ac = (el.getAttribute('autocomplete') || '').toLowerCase();
		return !(ac.startsWith('cc-') || ac.includes('password') || ac === 'one-time-code');
	};
	const fieldID = (el) => el.getAttribute('data-ai-id') || el.id || ('ref-' + (el.getAttribute('data-ai-ref') || ''));
	const valueOf = (el) => el.isContentEditable ? el.innerText : el.value;
	document.addEventListener('focusin', (e) => {
		if (editable(e.target)) send({kind: 'focus', field: fieldID(e.target)});
	}, true);
	document.addEventListener('input', (e) => {
		if (editable(e.target)) send({kind: 'input', field: fieldID(e.target), value: valueOf(e.target)});
	}, true);
	document.addEventListener('focusout', (e) => {
		if (editable(e.target)) send({kind: 'blur', field: fieldID(e.target)});
	}, true);
	for (const signal of ['session_restored', 'lead_saved']) {
		window.addEventListener('pagepilot-persistence:' + signal, (e) => send({kind: 'persistence', signal, detail: e.detail}));
	}
	const start = () => {
		new MutationObserver((records) => {
			for (const r of records) {
				for (const n of r.addedNodes) {
					if (n.nodeType === 1 && n.id !== 'pagepilot-layer' && !n.closest('#pagepilot-layer')) {
						send({kind: 'mutation'});
						return;
					}
				}
			}
		}).observe(document.body, {childList: true, subtree: true});
	};
	if (document.body) start(); else document.addEventListener('DOMContentLoaded', start);
}`

// Handlers receive page events on the loop.
type Handlers struct {
	Focus       func(field string)
	Input       func(field, value string)
	Blur        func(field string)
	Mutation    func()
	Control     func(overlay, action string)
	Persistence func(signal string, detail interface{})
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Logger *zap.Logger

	// Throttle limits input events per field; zero disables throttling.
	Throttle time.Duration

	// Observed reports whether a field's events may enter the core. Events
	// of other fields are dropped before any value is kept. Nil admits all.
	Observed func(field string) bool
}

// eventThrottler lets at most one event per key through each interval.
type eventThrottler struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func newEventThrottler(interval time.Duration, now func() time.Time) *eventThrottler {
	if interval <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: interval,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

// Reserve records an event for key and returns zero when it may pass now.
// Otherwise it returns the time left in the current window.
func (t *eventThrottler) Reserve(key string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok {
		if wait := t.interval - now.Sub(last); wait > 0 {
			return wait
		}
	}
	t.last[key] = now
	return 0
}

// Mark records an event for key that was released late.
func (t *eventThrottler) Mark(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.last[key] = t.now()
	t.mu.Unlock()
}

// Bridge relays DOM events from the page onto the loop. Throttled input is
// held per field and released when its window ends or the field blurs, so
// the last value always reaches the observer.
type Bridge struct {
	sched    loop.Scheduler
	tasks    *loop.Tasks
	h        Handlers
	log      *zap.Logger
	throttle *eventThrottler
	observed func(string) bool

	mu      sync.Mutex
	pending map[string]string
	stops   []func() error
}

func NewBridge(sched loop.Scheduler, h Handlers, opts BridgeOptions) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{
		sched:    sched,
		tasks:    loop.NewTasks(sched),
		h:        h,
		log:      opts.Logger.Named("bridge"),
		throttle: newEventThrottler(opts.Throttle, sched.Now),
		observed: opts.Observed,
		pending:  make(map[string]string),
	}
}

// Install exposes the binding and registers the listeners on page, now and
// for every future document.
func (b *Bridge) Install(page *rod.Page) error {
	stop, err := page.Expose(bindingName, func(j gson.JSON) (interface{}, error) {
		b.Handle(j)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose %s: %w", bindingName, err)
	}
	remove, err := page.EvalOnNewDocument("(" + listenersJS + ")()")
	if err != nil {
		_ = stop()
		return fmt.Errorf("register listeners: %w", err)
	}
	b.mu.Lock()
	b.stops = append(b.stops, stop, remove)
	b.mu.Unlock()

	if _, err := page.Eval(listenersJS); err != nil {
		return fmt.Errorf("attach listeners: %w", err)
	}
	return nil
}

// Close removes the binding and listener registrations.
func (b *Bridge) Close() error {
	b.mu.Lock()
	stops := b.stops
	b.stops = nil
	b.pending = make(map[string]string)
	b.mu.Unlock()
	b.tasks.CancelPrefix("flush:")
	var first error
	for _, stop := range stops {
		if err := stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Handle decodes one page event and posts the matching handler.
func (b *Bridge) Handle(j gson.JSON) {
	kind := j.Get("kind").Str()
	field := j.Get("field").Str()
	switch kind {
	case "focus":
		if b.h.Focus != nil && b.admit(field) {
			b.sched.Post(func() { b.h.Focus(field) })
		}
	case "input":
		if b.h.Input == nil || !b.admit(field) {
			return
		}
		value := j.Get("value").Str()
		if wait := b.throttle.Reserve(inputKey(field)); wait > 0 {
			b.mu.Lock()
			b.pending[field] = value
			b.mu.Unlock()
			b.tasks.Schedule(flushKey(field), wait, func() { b.flush(field) })
			return
		}
		b.tasks.Cancel(flushKey(field))
		b.mu.Lock()
		delete(b.pending, field)
		b.mu.Unlock()
		b.sched.Post(func() { b.h.Input(field, value) })
	case "blur":
		if !b.admit(field) {
			return
		}
		b.tasks.Cancel(flushKey(field))
		b.mu.Lock()
		value, held := b.pending[field]
		delete(b.pending, field)
		b.mu.Unlock()
		b.sched.Post(func() {
			if held && b.h.Input != nil {
				b.h.Input(field, value)
			}
			if b.h.Blur != nil {
				b.h.Blur(field)
			}
		})
	case "mutation":
		if b.h.Mutation != nil {
			b.sched.Post(b.h.Mutation)
		}
	case "control":
		overlay, action := j.Get("overlay").Str(), j.Get("action").Str()
		if b.h.Control != nil && action != "" {
			b.sched.Post(func() { b.h.Control(overlay, action) })
		}
	case "persistence":
		signal := j.Get("signal").Str()
		if b.h.Persistence != nil && signal != "" {
			detail := j.Get("detail").Val()
			b.sched.Post(func() { b.h.Persistence(signal, detail) })
		}
	default:
		b.log.Debug("unknown page event", zap.String("kind", kind))
	}
}

func (b *Bridge) admit(field string) bool {
	if field == "" {
		return false
	}
	return b.observed == nil || b.observed(field)
}

// flush releases a held input value. It runs on the loop.
func (b *Bridge) flush(field string) {
	b.mu.Lock()
	value, held := b.pending[field]
	delete(b.pending, field)
	b.mu.Unlock()
	if !held {
		return
	}
	b.throttle.Mark(inputKey(field))
	b.h.Input(field, value)
}

// Held reports whether a throttled value is waiting for field.
func (b *Bridge) Held(field string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[field]
	return ok
}

func inputKey(field string) string { return "input:" + field }
func flushKey(field string) string { return "flush:" + field }
