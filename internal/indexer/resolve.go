package indexer

import (
	"strings"

	"pagepilot/internal/dom"
)

// Kind classifies an indexed element.
type Kind string

const (
	KindInput    Kind = "input"
	KindTextarea Kind = "textarea"
	KindSelect   Kind = "select"
	KindButton   Kind = "button"
	KindLink     Kind = "link"
	KindHeading  Kind = "heading"
	KindImage    Kind = "image"
	KindEditable Kind = "editable"
	KindContent  Kind = "content"
)

// KeyAttr is the explicit semantic tag; IDAttr the stable identity.
const (
	KeyAttr = "data-ai-key"
	IDAttr  = "data-ai-id"
)

// meaningLimit caps the human-readable meaning string in runes.
const meaningLimit = 80

// categories is ordered: the first vocabulary entry whose substring appears
// in the class attribute wins.
var categories = []struct {
	name    string
	needles []string
}{
	{"navigation", []string{"nav", "menu", "breadcrumb"}},
	{"header", []string{"header", "masthead"}},
	{"footer", []string{"footer"}},
	{"cart", []string{"cart", "basket", "checkout"}},
	{"search", []string{"search"}},
	{"product", []string{"product", "item", "card"}},
	{"form", []string{"form", "field", "input"}},
	{"cta", []string{"cta", "btn", "button"}},
}

// ClassifyKind returns the element kind, or false when n is neither
// interactive nor content-bearing.
func ClassifyKind(n *dom.Node) (Kind, bool) {
	switch n.Tag {
	case "input":
		switch strings.ToLower(n.Attr("type")) {
		case "hidden":
			return "", false
		case "button", "submit", "reset", "image":
			return KindButton, true
		}
		return KindInput, true
	case "textarea":
		return KindTextarea, true
	case "select":
		return KindSelect, true
	case "button":
		return KindButton, true
	case "a":
		if n.HasAttr("href") || n.HasAttr(KeyAttr) {
			return KindLink, true
		}
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return KindHeading, true
	case "img":
		return KindImage, true
	}
	if ce, ok := n.Attrs["contenteditable"]; ok && !strings.EqualFold(ce, "false") {
		return KindEditable, true
	}
	switch strings.ToLower(n.Attr("role")) {
	case "button", "menuitem", "tab":
		return KindButton, true
	case "link":
		return KindLink, true
	case "textbox", "searchbox":
		return KindEditable, true
	}
	if n.HasAttr(KeyAttr) {
		return KindContent, true
	}
	return "", false
}

// ResolveKey computes the semantic key: explicit tag, placeholder,
// accessible label, id, name, associated label text, control text. The
// first candidate with a non-empty slug wins; "" means no key.
func ResolveKey(n *dom.Node) string {
	candidates := []func() string{
		func() string { return n.Attr(KeyAttr) },
		func() string { return n.Attr("placeholder") },
		func() string { return n.Attr("aria-label") },
		func() string { return n.Attr("id") },
		func() string { return n.Attr("name") },
		func() string { return LabelText(n) },
		func() string { return controlText(n) },
	}
	for _, c := range candidates {
		if k := Slugify(c()); k != "" {
			return k
		}
	}
	return ""
}

// ResolveMeaning computes the display string through its own chain:
// accessible label, label text, placeholder, title, alt, text, name, id,
// then the tag.
func ResolveMeaning(n *dom.Node) string {
	for _, v := range []string{
		n.Attr("aria-label"),
		LabelText(n),
		n.Attr("placeholder"),
		n.Attr("title"),
		n.Attr("alt"),
		n.TextContent(),
		n.Attr("name"),
		n.Attr("id"),
	} {
		if v = dom.CollapseSpace(v); v != "" {
			return truncate(v, meaningLimit)
		}
	}
	return n.Tag
}

// LabelText returns the text of the label associated with n, through
// label[for=id] anywhere in the tree or an enclosing label.
func LabelText(n *dom.Node) string {
	if id := n.Attr("id"); id != "" {
		var text string
		n.Root().Walk(func(c *dom.Node) bool {
			if text != "" {
				return false
			}
			if c.Tag == "label" && c.Attr("for") == id {
				text = c.TextContent()
				return false
			}
			return true
		})
		if text != "" {
			return text
		}
	}
	if l := n.Closest("label"); l != nil && l != n {
		return l.TextContent()
	}
	return ""
}

func controlText(n *dom.Node) string {
	switch n.Tag {
	case "input":
		return n.Attr("value")
	case "img":
		return n.Attr("alt")
	}
	return n.TextContent()
}

// Category matches the class attribute against the fixed vocabulary.
func Category(n *dom.Node) string {
	class := strings.ToLower(n.Attr("class"))
	if class == "" {
		return "general"
	}
	for _, c := range categories {
		for _, needle := range c.needles {
			if strings.Contains(class, needle) {
				return c.name
			}
		}
	}
	return "general"
}

// Visible reports a non-zero box, no hidden element on the ancestor chain
// and non-zero opacity.
func Visible(n *dom.Node, box dom.Rect) bool {
	if box.Empty() {
		return false
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Hidden() || cur.Style.Opacity <= 0 {
			return false
		}
	}
	return true
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
