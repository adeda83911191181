package dom

import (
	"fmt"
	"strconv"
	"sync"
)

// Document is an in-memory Host. It backs tests and offline replays.
type Document struct {
	mu sync.Mutex

	root      *Node
	viewport  Rect
	scrollX   float64
	scrollY   float64
	nextRef   int
	overlays  map[string]Overlay
	navigated []string
	split     bool
	observers []func([]*Node)
	cache     map[string]*Selector
}

// NewDocument wraps root, assigning refs to every element.
func NewDocument(root *Node, width, height float64) *Document {
	d := &Document{
		root:     root,
		viewport: Rect{Width: width, Height: height},
		overlays: make(map[string]Overlay),
		cache:    make(map[string]*Selector),
	}
	d.assignRefs(root)
	return d
}

// Root returns the document's root element.
func (d *Document) Root() *Node { return d.root }

// Snapshot implements Snapshotter.
func (d *Document) Snapshot() (*Node, error) { return d.root, nil }

// OnMutation registers fn to receive inserted subtrees.
func (d *Document) OnMutation(fn func(added []*Node)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Insert appends child under parent and notifies mutation observers.
func (d *Document) Insert(parent, child *Node) {
	d.mu.Lock()
	parent.Append(child)
	d.assignRefs(child)
	observers := append([]func([]*Node){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn([]*Node{child})
	}
}

func (d *Document) assignRefs(n *Node) {
	n.Walk(func(c *Node) bool {
		if c.Ref == "" {
			d.nextRef++
			c.Ref = strconv.Itoa(d.nextRef)
		}
		return true
	})
}

func (d *Document) compile(selector string) (*Selector, error) {
	if s, ok := d.cache[selector]; ok {
		return s, nil
	}
	s, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	d.cache[selector] = s
	return s, nil
}

// Query returns the first element matching selector.
func (d *Document) Query(selector string) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.compile(selector)
	if err != nil {
		return nil, false
	}
	n := s.First(d.root)
	return n, n != nil
}

// QueryAll returns every element matching selector.
func (d *Document) QueryAll(selector string) []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.compile(selector)
	if err != nil {
		return nil
	}
	return s.All(d.root)
}

// Rect returns the viewport-relative box of n.
func (d *Document) Rect(n *Node) (Rect, bool) {
	if n == nil {
		return Rect{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return n.Box.Offset(-d.scrollX, -d.scrollY), true
}

// Viewport returns the visible area.
func (d *Document) Viewport() Rect {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

// SetViewport resizes the visible area.
func (d *Document) SetViewport(width, height float64) {
	d.mu.Lock()
	d.viewport = Rect{Width: width, Height: height}
	d.mu.Unlock()
}

// Scroll returns the current scroll offsets.
func (d *Document) Scroll() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrollX, d.scrollY
}

func (d *Document) AddMarker(n *Node, class string) error {
	if n == nil {
		return fmt.Errorf("add marker: nil element")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n.AddClass(class)
	return nil
}

func (d *Document) RemoveMarker(n *Node, class string) error {
	if n == nil {
		return fmt.Errorf("remove marker: nil element")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n.RemoveClass(class)
	return nil
}

// ScrollIntoView centers n vertically when it lies outside the viewport.
func (d *Document) ScrollIntoView(n *Node) error {
	if n == nil {
		return fmt.Errorf("scroll: nil element")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	visible := Rect{X: d.scrollX, Y: d.scrollY, Width: d.viewport.Width, Height: d.viewport.Height}
	if n.Box.Y >= visible.Y && n.Box.Bottom() <= visible.Bottom() {
		return nil
	}
	y := n.Box.Y - (d.viewport.Height-n.Box.Height)/2
	if y < 0 {
		y = 0
	}
	d.scrollY = y
	return nil
}

func (d *Document) ShowOverlay(o Overlay) error {
	if o.ID == "" {
		return fmt.Errorf("show overlay: missing id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overlays[o.ID] = o
	return nil
}

func (d *Document) RemoveOverlay(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.overlays, id)
	return nil
}

// Overlay returns the overlay with id when shown.
func (d *Document) Overlay(id string) (Overlay, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.overlays[id]
	return o, ok
}

// Overlays returns the number of overlays currently shown.
func (d *Document) Overlays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.overlays)
}

func (d *Document) Navigate(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return nil
}

// Navigations returns every URL passed to Navigate.
func (d *Document) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigated...)
}

// SetAttribute implements AttributeWriter.
func (d *Document) SetAttribute(n *Node, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n.SetAttr(name, value)
	return nil
}

// SetSplitLayout implements LayoutHost. Opening the side pane halves the
// viewport width.
func (d *Document) SetSplitLayout(open bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.split == open {
		return nil
	}
	d.split = open
	if open {
		d.viewport.Width /= 2
	} else {
		d.viewport.Width *= 2
	}
	return nil
}

// SplitLayout reports whether the side pane is open.
func (d *Document) SplitLayout() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.split
}
