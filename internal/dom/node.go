// Package dom models the observed element tree and the host surface that
// effects are applied to. Both the in-memory Document and the browser page
// adapter speak these types.
package dom

import (
	"strings"
	"unicode"
)

// Style carries the computed visibility-related style of an element.
type Style struct {
	Display    string  `json:"display,omitempty"`
	Visibility string  `json:"visibility,omitempty"`
	Opacity    float64 `json:"opacity"`
}

// Node is one element. Ref is the host-level handle used to address the
// element again (the page adapter stores it in data-ai-ref).
type Node struct {
	Ref      string            `json:"ref"`
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Box      Rect              `json:"box"`
	Style    Style             `json:"style"`
	Children []*Node           `json:"children,omitempty"`
	Parent   *Node             `json:"-"`
}

// NewNode creates a detached, fully opaque element.
func NewNode(tag string, attrs map[string]string) *Node {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &Node{
		Tag:   strings.ToLower(tag),
		Attrs: attrs,
		Style: Style{Opacity: 1},
	}
}

// Attr returns the attribute value or "".
func (n *Node) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// HasAttr reports whether the attribute is present.
func (n *Node) HasAttr(name string) bool {
	if n == nil || n.Attrs == nil {
		return false
	}
	_, ok := n.Attrs[name]
	return ok
}

// SetAttr sets an attribute on the in-memory node.
func (n *Node) SetAttr(name, value string) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[name] = value
}

// Classes splits the class attribute.
func (n *Node) Classes() []string {
	return strings.Fields(n.Attr("class"))
}

// HasClass reports whether class is in the class list.
func (n *Node) HasClass(class string) bool {
	for _, c := range n.Classes() {
		if c == class {
			return true
		}
	}
	return false
}

// AddClass appends class when missing.
func (n *Node) AddClass(class string) {
	if n.HasClass(class) {
		return
	}
	n.SetAttr("class", strings.TrimSpace(n.Attr("class")+" "+class))
}

// RemoveClass drops class from the class list.
func (n *Node) RemoveClass(class string) {
	cs := n.Classes()
	kept := cs[:0]
	for _, c := range cs {
		if c != class {
			kept = append(kept, c)
		}
	}
	n.SetAttr("class", strings.Join(kept, " "))
}

// Append attaches child as the last child of n.
func (n *Node) Append(child *Node) *Node {
	child.Parent = n
	n.Children = append(n.Children, child)
	return child
}

// Remove detaches child from n.
func (n *Node) Remove(child *Node) bool {
	for i, c := range n.Children {
		if c == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			child.Parent = nil
			return true
		}
	}
	return false
}

// Walk visits n and its descendants in document order. Returning false from
// fn skips the subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Root returns the top of the tree n belongs to.
func (n *Node) Root() *Node {
	for n != nil && n.Parent != nil {
		n = n.Parent
	}
	return n
}

// Closest returns the nearest ancestor (n included) with the given tag.
func (n *Node) Closest(tag string) *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Tag == tag {
			return cur
		}
	}
	return nil
}

// TextContent concatenates the text of n and its descendants with
// whitespace collapsed.
func (n *Node) TextContent() string {
	var parts []string
	n.Walk(func(c *Node) bool {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
		return true
	})
	return CollapseSpace(strings.Join(parts, " "))
}

// Hidden reports whether the computed style hides the element.
func (n *Node) Hidden() bool {
	if n.Style.Display == "none" || n.Style.Visibility == "hidden" {
		return true
	}
	return n.HasAttr("hidden")
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
