package dom

import "errors"

// ErrDetached is returned when an element has left the page.
var ErrDetached = errors.New("element detached from page")

// Overlay is a transient floating panel (tooltip or tour card).
type Overlay struct {
	ID        string   `json:"id"`
	TargetRef string   `json:"target_ref,omitempty"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	Box       Rect     `json:"box"`
	Placement string   `json:"placement"`
	Controls  []string `json:"controls,omitempty"`
}

// Host is the surface the assistant observes and mutates. Geometry returned
// by Rect and Viewport is viewport-relative and read at call time.
type Host interface {
	Query(selector string) (*Node, bool)
	Rect(n *Node) (Rect, bool)
	Viewport() Rect
	AddMarker(n *Node, class string) error
	RemoveMarker(n *Node, class string) error
	ScrollIntoView(n *Node) error
	ShowOverlay(o Overlay) error
	RemoveOverlay(id string) error
	Navigate(url string) error
}

// AttributeWriter persists an attribute onto the live element.
type AttributeWriter interface {
	SetAttribute(n *Node, name, value string) error
}

// LayoutHost toggles the two-pane assistant layout.
type LayoutHost interface {
	SetSplitLayout(open bool) error
}

// Snapshotter returns the current element tree.
type Snapshotter interface {
	Snapshot() (*Node, error)
}
