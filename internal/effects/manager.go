// Package effects applies time-bounded visual effects to resolved elements
// and runs the guided tour.
package effects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/command"
	"pagepilot/internal/dom"
	"pagepilot/internal/indexer"
	"pagepilot/internal/loop"
	"pagepilot/internal/metrics"

	"go.uber.org/zap"
)

// Marker classes applied to highlighted elements.
const (
	MarkerHighlight = "ai-highlight"
	MarkerGlow      = "ai-glow"
	MarkerPulse     = "ai-pulse"
	MarkerTour      = "ai-tour-focus"
)

const (
	kindTooltip     = "tooltip"
	semanticPrefix  = "semantic:"
	selectorSyntax  = "#.[]>:*=~^$"
	tooltipIDPrefix = "ai-tooltip-"
)

// ErrTargetNotFound is returned when an action's target cannot be
// resolved. It matches command.ErrSkipped under errors.Is.
var ErrTargetNotFound error = targetNotFound{}

type targetNotFound struct{}

func (targetNotFound) Error() string { return "target not found" }
func (targetNotFound) Is(target error) bool { return target == command.ErrSkipped }

// ErrMissingURL is returned for navigate actions without a destination.
var ErrMissingURL = errors.New("navigate: missing url")

// Resolver looks elements up by semantic key. The indexer implements it.
type Resolver interface {
	FindBySemanticName(name string) (indexer.Element, bool)
}

// Options configures a Manager.
type Options struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Duration   time.Duration
	AutoScroll bool
}

// Effect describes one active effect.
type Effect struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Identity  string    `json:"identity"`
	TargetRef string    `json:"target_ref,omitempty"`
	OverlayID string    `json:"overlay_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`

	node   *dom.Node
	marker string
}

// Manager owns active effects. At most one effect exists per (identity,
// kind); replacing one cancels its timer and clears its marker first.
// Execute and the effect methods must run on the loop.
type Manager struct {
	host     dom.Host
	resolver Resolver
	bus      *bus.Bus
	sched    loop.Scheduler
	tasks    *loop.Tasks
	log      *zap.Logger
	metrics  *metrics.Metrics
	duration time.Duration
	scroll   bool

	mu     sync.RWMutex
	active map[string]*Effect
}

// NewManager creates an effect manager over host.
func NewManager(host dom.Host, resolver Resolver, b *bus.Bus, sched loop.Scheduler, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Duration <= 0 {
		opts.Duration = 5 * time.Second
	}
	return &Manager{
		host:     host,
		resolver: resolver,
		bus:      b,
		sched:    sched,
		tasks:    loop.NewTasks(sched),
		log:      opts.Logger.Named("effects"),
		metrics:  opts.Metrics,
		duration: opts.Duration,
		scroll:   opts.AutoScroll,
		active:   make(map[string]*Effect),
	}
}

// Execute applies one canonical action.
func (m *Manager) Execute(_ context.Context, a command.Action) error {
	switch a.Kind {
	case command.KindHighlight:
		n, err := m.Resolve(a.TargetSelector)
		if err != nil {
			return err
		}
		_, err = m.Highlight(n, a.Effect, a.Duration(m.duration))
		return err
	case command.KindScroll:
		n, err := m.Resolve(a.TargetSelector)
		if err != nil {
			return err
		}
		return m.host.ScrollIntoView(n)
	case command.KindTooltip:
		var n *dom.Node
		if a.TargetSelector != "" {
			var err error
			if n, err = m.Resolve(a.TargetSelector); err != nil {
				return err
			}
		}
		_, err := m.ShowTooltip(n, a.Message, a.Duration(m.duration))
		return err
	case command.KindNavigate:
		if a.URL == "" {
			return ErrMissingURL
		}
		return m.host.Navigate(a.URL)
	case command.KindDataUpdate:
		if m.bus == nil {
			return nil
		}
		if values, ok := a.Data.(map[string]interface{}); ok {
			m.bus.UpdateState(bus.Patch{Values: values})
		}
		m.bus.Emit(bus.TopicDataUpdate, a.Data)
		return nil
	}
	return fmt.Errorf("unsupported action kind %q", a.Kind)
}

// Resolve finds the element for target: "semantic:<key>" goes to the
// resolver, anything else is tried as a selector and, when it reads as a
// plain phrase, falls back to the resolver.
func (m *Manager) Resolve(target string) (*dom.Node, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("empty target: %w", ErrTargetNotFound)
	}
	if key, ok := strings.CutPrefix(target, semanticPrefix); ok {
		return m.resolveSemantic(key)
	}
	if n, ok := m.host.Query(target); ok {
		return n, nil
	}
	if !strings.ContainsAny(target, selectorSyntax) {
		return m.resolveSemantic(target)
	}
	return nil, fmt.Errorf("resolve %q: %w", target, ErrTargetNotFound)
}

func (m *Manager) resolveSemantic(key string) (*dom.Node, error) {
	if m.resolver != nil {
		if el, ok := m.resolver.FindBySemanticName(key); ok && el.Node != nil {
			return el.Node, nil
		}
	}
	return nil, fmt.Errorf("resolve semantic %q: %w", key, ErrTargetNotFound)
}

// Identity returns the stable identity attribute of n or, lacking one, a
// key derived from its current geometry.
func (m *Manager) Identity(n *dom.Node) string {
	if id := n.Attr(indexer.IDAttr); id != "" {
		return id
	}
	m.mu.RLock()
	for _, e := range m.active {
		if e.node == n || (n.Ref != "" && e.TargetRef == n.Ref) {
			m.mu.RUnlock()
			return e.Identity
		}
	}
	m.mu.RUnlock()
	r, _ := m.host.Rect(n)
	return "geo:" + r.Key()
}

func effectKey(kind, identity string) string {
	return "effect:" + kind + ":" + identity
}

func markerFor(flavour string) (string, string) {
	switch flavour {
	case "glow":
		return "glow", MarkerGlow
	case "pulse":
		return "pulse", MarkerPulse
	}
	return "highlight", MarkerHighlight
}

// Highlight marks n for d, replacing any active effect of the same flavour
// on the same identity.
func (m *Manager) Highlight(n *dom.Node, flavour string, d time.Duration) (Effect, error) {
	kind, marker := markerFor(flavour)
	identity := m.Identity(n)
	key := effectKey(kind, identity)

	m.clear(key)
	if err := m.host.AddMarker(n, marker); err != nil {
		if errors.Is(err, dom.ErrDetached) {
			return Effect{}, fmt.Errorf("apply %s: %w: %w", kind, ErrTargetNotFound, err)
		}
		return Effect{}, fmt.Errorf("apply %s: %w", kind, err)
	}
	if m.scroll {
		if err := m.host.ScrollIntoView(n); err != nil {
			m.log.Debug("scroll into view", zap.Error(err))
		}
	}
	e := &Effect{
		Key:       key,
		Kind:      kind,
		Identity:  identity,
		TargetRef: n.Ref,
		ExpiresAt: m.sched.Now().Add(d),
		node:      n,
		marker:    marker,
	}
	m.track(e, d)
	return *e, nil
}

// ShowTooltip shows text next to n (or at the top of the viewport when n is
// nil) for d.
func (m *Manager) ShowTooltip(n *dom.Node, text string, d time.Duration) (Effect, error) {
	if strings.TrimSpace(text) == "" {
		return Effect{}, fmt.Errorf("tooltip without text: %w", command.ErrSkipped)
	}
	viewport := m.host.Viewport()
	identity := "viewport"
	target := dom.Rect{X: viewport.X, Y: viewport.Y, Width: viewport.Width}
	ref := ""
	if n != nil {
		identity = m.Identity(n)
		ref = n.Ref
		if r, ok := m.host.Rect(n); ok {
			target = r
		}
	}
	key := effectKey(kindTooltip, identity)
	m.clear(key)

	box, placement := PlaceTooltip(target, viewport, text)
	o := dom.Overlay{
		ID:        tooltipIDPrefix + overlaySuffix(identity),
		TargetRef: ref,
		Text:      text,
		Box:       box,
		Placement: placement,
		Controls:  []string{"close"},
	}
	if err := m.host.ShowOverlay(o); err != nil {
		return Effect{}, fmt.Errorf("show tooltip: %w", err)
	}
	e := &Effect{
		Key:       key,
		Kind:      kindTooltip,
		Identity:  identity,
		TargetRef: ref,
		OverlayID: o.ID,
		ExpiresAt: m.sched.Now().Add(d),
		node:      n,
	}
	m.track(e, d)
	return *e, nil
}

func overlaySuffix(identity string) string {
	return strings.NewReplacer(":", "-", " ", "-").Replace(identity)
}

func (m *Manager) track(e *Effect, d time.Duration) {
	m.mu.Lock()
	m.active[e.Key] = e
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetEffectsActive(n)
	m.tasks.Schedule(e.Key, d, func() { m.clear(e.Key) })
}

// clear cancels the timer for key and removes the effect's visuals.
func (m *Manager) clear(key string) bool {
	m.tasks.Cancel(key)
	m.mu.Lock()
	e, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	n := len(m.active)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if e.marker != "" && e.node != nil {
		if err := m.host.RemoveMarker(e.node, e.marker); err != nil {
			m.log.Debug("remove marker", zap.String("key", key), zap.Error(err))
		}
	}
	if e.OverlayID != "" {
		if err := m.host.RemoveOverlay(e.OverlayID); err != nil {
			m.log.Debug("remove overlay", zap.String("key", key), zap.Error(err))
		}
	}
	m.metrics.SetEffectsActive(n)
	return true
}

// Dismiss removes an effect by key or overlay id.
func (m *Manager) Dismiss(id string) bool {
	m.mu.RLock()
	key := ""
	for k, e := range m.active {
		if k == id || e.OverlayID == id {
			key = k
			break
		}
	}
	m.mu.RUnlock()
	if key == "" {
		return false
	}
	return m.clear(key)
}

// Clear removes every active effect.
func (m *Manager) Clear() int {
	n := 0
	for _, e := range m.Active() {
		if m.clear(e.Key) {
			n++
		}
	}
	return n
}

// Active returns the active effects sorted by key.
func (m *Manager) Active() []Effect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Effect, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Timers returns the keys of pending expiry timers.
func (m *Manager) Timers() []string { return m.tasks.Keys("effect:") }
