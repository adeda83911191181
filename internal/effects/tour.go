package effects

import (
	"fmt"
	"sync"

	"pagepilot/internal/bus"
	"pagepilot/internal/dom"

	"go.uber.org/zap"
)

// TourOverlayID is the id of the tour card overlay.
const TourOverlayID = "ai-tour"

// Tour controls rendered on the card.
const (
	ControlPrevious = "previous"
	ControlNext     = "next"
	ControlFinish   = "finish"
	ControlClose    = "close"
)

// Step is one tour stop.
type Step struct {
	Selector string `json:"selector" yaml:"selector" mapstructure:"selector"`
	Title    string `json:"title,omitempty" yaml:"title" mapstructure:"title"`
	Message  string `json:"message" yaml:"message" mapstructure:"message"`
}

// TourStatus is the tour snapshot and the payload of tour:step.
type TourStatus struct {
	Name   string `json:"name,omitempty"`
	Active bool   `json:"active"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Step   *Step  `json:"step,omitempty"`
}

// Tour is the guided-tour state machine: idle, or showing step i. Entering
// a step whose target cannot be resolved moves on in the direction of
// travel instead of stalling.
type Tour struct {
	m   *Manager
	bus *bus.Bus
	log *zap.Logger

	mu     sync.RWMutex
	name   string
	steps  []Step
	index  int
	active bool
	focus  *dom.Node
}

// NewTour creates an idle tour that renders through m.
func NewTour(m *Manager) *Tour {
	return &Tour{m: m, bus: m.bus, log: m.log.Named("tour")}
}

// Start begins a tour at its first resolvable step. Starting while another
// tour runs ends that tour first.
func (t *Tour) Start(name string, steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("tour %q has no steps", name)
	}
	if t.Active() {
		t.End()
	}
	t.mu.Lock()
	t.name = name
	t.steps = append([]Step(nil), steps...)
	t.index = 0
	t.active = true
	t.mu.Unlock()

	if !t.show(0, 1) {
		t.End()
		return fmt.Errorf("tour %q: no step target could be resolved: %w", name, ErrTargetNotFound)
	}
	return nil
}

// Next advances one step; past the last step the tour ends.
func (t *Tour) Next() bool {
	idx, total, ok := t.position()
	if !ok {
		return false
	}
	if idx+1 >= total || !t.show(idx+1, 1) {
		t.End()
	}
	return true
}

// Previous moves back one step. It is a no-op at step 0.
func (t *Tour) Previous() bool {
	idx, _, ok := t.position()
	if !ok || idx == 0 {
		return false
	}
	if !t.show(idx-1, -1) {
		return t.show(idx, 1)
	}
	return true
}

// Goto jumps to step k when it is in range.
func (t *Tour) Goto(k int) bool {
	_, total, ok := t.position()
	if !ok || k < 0 || k >= total {
		return false
	}
	if !t.show(k, 1) {
		t.End()
	}
	return true
}

// End returns to idle from any state.
func (t *Tour) End() bool {
	t.mu.Lock()
	wasActive := t.active
	name := t.name
	t.active = false
	focus := t.focus
	t.focus = nil
	t.mu.Unlock()

	t.clearVisuals(focus)
	if !wasActive {
		return false
	}
	if t.bus != nil {
		t.bus.Emit(bus.TopicTourEnded, TourStatus{Name: name})
	}
	return true
}

// Control applies an overlay button action.
func (t *Tour) Control(action string) bool {
	switch action {
	case ControlNext:
		return t.Next()
	case ControlPrevious:
		return t.Previous()
	case ControlFinish, ControlClose, "end":
		return t.End()
	}
	return false
}

// Active reports whether a step is showing.
func (t *Tour) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Status returns the current tour snapshot.
func (t *Tour) Status() TourStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := TourStatus{Name: t.name, Active: t.active, Index: t.index, Total: len(t.steps)}
	if t.active {
		step := t.steps[t.index]
		s.Step = &step
	}
	return s
}

func (t *Tour) position() (int, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index, len(t.steps), t.active
}

// show renders the first resolvable step from i onwards in direction dir.
func (t *Tour) show(i, dir int) bool {
	t.mu.RLock()
	steps := t.steps
	t.mu.RUnlock()

	for ; i >= 0 && i < len(steps); i += dir {
		n, err := t.m.Resolve(steps[i].Selector)
		if err != nil {
			t.log.Warn("tour step target missing, skipping", zap.Int("step", i), zap.String("selector", steps[i].Selector), zap.Error(err))
			continue
		}
		if err := t.render(i, n, steps); err != nil {
			t.log.Warn("render tour step", zap.Int("step", i), zap.Error(err))
			continue
		}
		t.mu.Lock()
		t.index = i
		t.mu.Unlock()
		if t.bus != nil {
			t.bus.Emit(bus.TopicTourStep, t.Status())
		}
		return true
	}
	return false
}

func (t *Tour) render(i int, n *dom.Node, steps []Step) error {
	t.mu.Lock()
	prev := t.focus
	t.focus = nil
	t.mu.Unlock()
	t.clearVisuals(prev)

	host := t.m.host
	if err := host.ScrollIntoView(n); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	if err := host.AddMarker(n, MarkerTour); err != nil {
		return fmt.Errorf("marker: %w", err)
	}
	t.mu.Lock()
	t.focus = n
	t.mu.Unlock()

	step := steps[i]
	title := step.Title
	if title == "" {
		title = fmt.Sprintf("Step %d of %d", i+1, len(steps))
	}
	target, _ := host.Rect(n)
	box, placement := PlaceTooltip(target, host.Viewport(), title+" "+step.Message)
	return host.ShowOverlay(dom.Overlay{
		ID:        TourOverlayID,
		TargetRef: n.Ref,
		Title:     title,
		Text:      step.Message,
		Box:       box,
		Placement: placement,
		Controls:  stepControls(i, len(steps)),
	})
}

func stepControls(i, total int) []string {
	var c []string
	if i > 0 {
		c = append(c, ControlPrevious)
	}
	if i < total-1 {
		c = append(c, ControlNext)
	} else {
		c = append(c, ControlFinish)
	}
	return append(c, ControlClose)
}

func (t *Tour) clearVisuals(focus *dom.Node) {
	host := t.m.host
	if focus != nil {
		if err := host.RemoveMarker(focus, MarkerTour); err != nil {
			t.log.Debug("remove tour marker", zap.Error(err))
		}
	}
	if err := host.RemoveOverlay(TourOverlayID); err != nil {
		t.log.Debug("remove tour overlay", zap.Error(err))
	}
}
