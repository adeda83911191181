// Package layout toggles the two-pane assistant layout and recalculates
// cached geometry after the page reflows.
package layout

import (
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/dom"
	"pagepilot/internal/loop"

	"go.uber.org/zap"
)

const resizeKey = "layout:resize"

// Refresher re-measures cached geometry. The indexer implements it.
type Refresher interface {
	Refresh() int
}

// Resized is the payload of layout:resized.
type Resized struct {
	Open     bool     `json:"open"`
	Viewport dom.Rect `json:"viewport"`
	Elements int      `json:"elements"`
}

// Options configures an Orchestrator.
type Options struct {
	Logger      *zap.Logger
	ResizeDelay time.Duration
}

// Orchestrator reacts to layout signals on the bus.
type Orchestrator struct {
	bus     *bus.Bus
	host    dom.Host
	refresh Refresher
	tasks   *loop.Tasks
	log     *zap.Logger
	delay   time.Duration
	subs    []bus.Subscription
}

// New creates an orchestrator. host may also implement dom.LayoutHost.
func New(b *bus.Bus, host dom.Host, refresh Refresher, sched loop.Scheduler, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ResizeDelay <= 0 {
		opts.ResizeDelay = 150 * time.Millisecond
	}
	return &Orchestrator{
		bus:     b,
		host:    host,
		refresh: refresh,
		tasks:   loop.NewTasks(sched),
		log:     opts.Logger.Named("layout"),
		delay:   opts.ResizeDelay,
	}
}

// Start subscribes to layout:open, layout:closed and layout:toggle.
func (o *Orchestrator) Start() {
	o.subs = append(o.subs,
		o.bus.OnFunc(bus.TopicLayoutOpen, func(bus.Event) { o.SetOpen(true) }),
		o.bus.OnFunc(bus.TopicLayoutClosed, func(bus.Event) { o.SetOpen(false) }),
		o.bus.OnFunc(bus.TopicLayoutToggle, func(bus.Event) { o.Toggle() }),
	)
}

// Close drops subscriptions and a pending recalculation.
func (o *Orchestrator) Close() {
	for _, s := range o.subs {
		s.Cancel()
	}
	o.subs = nil
	o.tasks.Cancel(resizeKey)
}

// Toggle flips the layout and returns the new state.
func (o *Orchestrator) Toggle() bool {
	open := !o.bus.GetState().LayoutOpen
	o.SetOpen(open)
	return open
}

// SetOpen applies the layout state. Repeating the current state changes
// nothing.
func (o *Orchestrator) SetOpen(open bool) {
	if o.bus.GetState().LayoutOpen == open {
		return
	}
	if lh, ok := o.host.(dom.LayoutHost); ok {
		if err := lh.SetSplitLayout(open); err != nil {
			o.log.Warn("set split layout", zap.Bool("open", open), zap.Error(err))
		}
	}
	o.bus.UpdateState(bus.Patch{LayoutOpen: bus.Bool(open)})
	o.ScheduleResize()
}

// ScheduleResize debounces one geometry recalculation.
func (o *Orchestrator) ScheduleResize() {
	o.tasks.Schedule(resizeKey, o.delay, o.recalculate)
}

func (o *Orchestrator) recalculate() {
	n := 0
	if o.refresh != nil {
		n = o.refresh.Refresh()
	}
	o.bus.Emit(bus.TopicLayoutResized, Resized{
		Open:     o.bus.GetState().LayoutOpen,
		Viewport: o.host.Viewport(),
		Elements: n,
	})
}
