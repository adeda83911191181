package dom

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Flow layout constants used when a fixture has no real geometry.
const (
	rowHeight   = 32.0
	rowGap      = 8.0
	indentWidth = 8.0
)

// ParseHTML builds a Node tree rooted at <body> from markup. Inline style
// display/visibility/opacity are honored and every element gets a simple
// stacked-row box inside a viewport of the given width, so fixtures can be
// indexed and measured without a browser.
func ParseHTML(r io.Reader, viewportWidth float64) (*Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		return nil, fmt.Errorf("parse html: no body element")
	}
	root := convert(body)
	if viewportWidth <= 0 {
		viewportWidth = 1280
	}
	layout(root, 0, 0, viewportWidth)
	return root, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func convert(h *html.Node) *Node {
	attrs := make(map[string]string, len(h.Attr))
	for _, a := range h.Attr {
		attrs[strings.ToLower(a.Key)] = a.Val
	}
	n := NewNode(h.Data, attrs)
	n.Style = parseInlineStyle(attrs["style"])

	var text []string
	for c := h.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if t := CollapseSpace(c.Data); t != "" {
				text = append(text, t)
			}
		case html.ElementNode:
			n.Append(convert(c))
		}
	}
	n.Text = strings.Join(text, " ")
	return n
}

func parseInlineStyle(style string) Style {
	s := Style{Opacity: 1}
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(val))
		switch prop {
		case "display":
			s.Display = val
		case "visibility":
			s.Visibility = val
		case "opacity":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				s.Opacity = f
			}
		}
	}
	return s
}

// layout assigns stacked-row boxes and returns the vertical space consumed.
func layout(n *Node, x, y, w float64) float64 {
	if n.Style.Display == "none" || n.HasAttr("hidden") || (n.Tag == "input" && strings.EqualFold(n.Attr("type"), "hidden")) {
		n.Box = Rect{X: x, Y: y}
		for _, c := range n.Children {
			layout(c, x, y, 0)
		}
		return 0
	}
	if len(n.Children) == 0 {
		n.Box = Rect{X: x, Y: y, Width: w, Height: rowHeight}
		return rowHeight + rowGap
	}
	cy := y
	if n.Text != "" {
		cy += rowHeight + rowGap
	}
	for _, c := range n.Children {
		cy += layout(c, x+indentWidth, cy, w-2*indentWidth)
	}
	n.Box = Rect{X: x, Y: y, Width: w, Height: cy - y}
	return cy - y
}
