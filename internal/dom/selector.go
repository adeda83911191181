package dom

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Selector is a parsed selector list: tag, #id, .class and [attr op value]
// compounds joined by descendant or child combinators.
type Selector struct {
	source string
	groups []complexSelector
}

type complexSelector struct {
	// parts are stored right to left; combinators[i] joins parts[i] to parts[i+1].
	parts       []compound
	combinators []byte
}

type attrMatch struct {
	name  string
	op    string
	value string
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

// Compile parses a selector list.
func Compile(src string) (*Selector, error) {
	p := &selParser{src: strings.TrimSpace(src)}
	if p.src == "" {
		return nil, fmt.Errorf("empty selector")
	}
	sel := &Selector{source: src}
	for {
		cx, err := p.complex()
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", src, err)
		}
		sel.groups = append(sel.groups, cx)
		p.skipSpace()
		if p.eof() {
			break
		}
		if p.peek() != ',' {
			return nil, fmt.Errorf("selector %q: unexpected %q at %d", src, p.peek(), p.pos)
		}
		p.pos++
	}
	return sel, nil
}

// String returns the source text.
func (s *Selector) String() string { return s.source }

// Match reports whether n matches any selector in the list.
func (s *Selector) Match(n *Node) bool {
	for _, g := range s.groups {
		if g.match(n) {
			return true
		}
	}
	return false
}

// First returns the first match below root in document order.
func (s *Selector) First(root *Node) *Node {
	var found *Node
	root.Walk(func(n *Node) bool {
		if found != nil {
			return false
		}
		if s.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// All returns every match below root in document order.
func (s *Selector) All(root *Node) []*Node {
	var out []*Node
	root.Walk(func(n *Node) bool {
		if s.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func (cx complexSelector) match(n *Node) bool {
	return cx.matchFrom(0, n)
}

func (cx complexSelector) matchFrom(i int, n *Node) bool {
	if !cx.parts[i].match(n) {
		return false
	}
	if i == len(cx.parts)-1 {
		return true
	}
	switch cx.combinators[i] {
	case '>':
		return n.Parent != nil && cx.matchFrom(i+1, n.Parent)
	default:
		for anc := n.Parent; anc != nil; anc = anc.Parent {
			if cx.matchFrom(i+1, anc) {
				return true
			}
		}
		return false
	}
}

func (c compound) match(n *Node) bool {
	if c.tag != "" && c.tag != "*" && c.tag != n.Tag {
		return false
	}
	if c.id != "" && n.Attr("id") != c.id {
		return false
	}
	for _, cl := range c.classes {
		if !n.HasClass(cl) {
			return false
		}
	}
	for _, a := range c.attrs {
		if !n.HasAttr(a.name) {
			return false
		}
		v := n.Attr(a.name)
		switch a.op {
		case "":
		case "=":
			if v != a.value {
				return false
			}
		case "~=":
			found := false
			for _, f := range strings.Fields(v) {
				if f == a.value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "^=":
			if a.value == "" || !strings.HasPrefix(v, a.value) {
				return false
			}
		case "$=":
			if a.value == "" || !strings.HasSuffix(v, a.value) {
				return false
			}
		case "*=":
			if a.value == "" || !strings.Contains(v, a.value) {
				return false
			}
		}
	}
	return true
}

type selParser struct {
	src string
	pos int
}

func (p *selParser) eof() bool { return p.pos >= len(p.src) }

func (p *selParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *selParser) skipSpace() bool {
	start := p.pos
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
	return p.pos > start
}

func (p *selParser) complex() (complexSelector, error) {
	var parts []compound
	var combs []byte

	p.skipSpace()
	first, err := p.compound()
	if err != nil {
		return complexSelector{}, err
	}
	parts = append(parts, first)

	for {
		spaced := p.skipSpace()
		if p.eof() || p.peek() == ',' {
			break
		}
		comb := byte(' ')
		if p.peek() == '>' {
			comb = '>'
			p.pos++
			p.skipSpace()
		} else if !spaced {
			return complexSelector{}, fmt.Errorf("unexpected %q at %d", p.peek(), p.pos)
		}
		next, err := p.compound()
		if err != nil {
			return complexSelector{}, err
		}
		parts = append(parts, next)
		combs = append(combs, comb)
	}

	// Reverse so matching walks from the subject outwards.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	for i, j := 0, len(combs)-1; i < j; i, j = i+1, j-1 {
		combs[i], combs[j] = combs[j], combs[i]
	}
	return complexSelector{parts: parts, combinators: combs}, nil
}

func (p *selParser) compound() (compound, error) {
	var c compound
	start := p.pos
	if p.peek() == '*' {
		c.tag = "*"
		p.pos++
	} else if isIdentStart(p.peek()) {
		c.tag = strings.ToLower(p.ident())
	}
	for !p.eof() {
		switch p.peek() {
		case '#':
			p.pos++
			id := p.ident()
			if id == "" {
				return c, fmt.Errorf("empty id at %d", p.pos)
			}
			c.id = id
		case '.':
			p.pos++
			cl := p.ident()
			if cl == "" {
				return c, fmt.Errorf("empty class at %d", p.pos)
			}
			c.classes = append(c.classes, cl)
		case '[':
			p.pos++
			a, err := p.attr()
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, a)
		default:
			if p.pos == start {
				return c, fmt.Errorf("unexpected %q at %d", p.peek(), p.pos)
			}
			return c, nil
		}
	}
	if p.pos == start {
		return c, fmt.Errorf("missing selector at %d", p.pos)
	}
	return c, nil
}

func (p *selParser) attr() (attrMatch, error) {
	p.skipSpace()
	a := attrMatch{name: strings.ToLower(p.ident())}
	if a.name == "" {
		return a, fmt.Errorf("empty attribute name at %d", p.pos)
	}
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return a, nil
	}
	switch {
	case p.peek() == '=':
		a.op = "="
		p.pos++
	case p.pos+1 < len(p.src) && p.src[p.pos+1] == '=' && strings.ContainsRune("~^$*", rune(p.peek())):
		a.op = p.src[p.pos : p.pos+2]
		p.pos += 2
	default:
		return a, fmt.Errorf("bad attribute operator at %d", p.pos)
	}
	p.skipSpace()
	if q := p.peek(); q == '"' || q == '\'' {
		p.pos++
		var b strings.Builder
		for !p.eof() && p.peek() != q {
			if p.peek() == '\\' && p.pos+1 < len(p.src) {
				p.pos++
			}
			b.WriteByte(p.src[p.pos])
			p.pos++
		}
		if p.eof() {
			return a, fmt.Errorf("unterminated string")
		}
		p.pos++
		a.value = b.String()
	} else {
		a.value = p.ident()
	}
	p.skipSpace()
	if p.peek() != ']' {
		return a, fmt.Errorf("expected ] at %d", p.pos)
	}
	p.pos++
	return a, nil
}

func (p *selParser) ident() string {
	var b strings.Builder
	for !p.eof() {
		ch := p.peek()
		if ch == '\\' && p.pos+1 < len(p.src) {
			p.pos++
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
			continue
		}
		if ch >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r) {
				break
			}
			b.WriteRune(r)
			p.pos += size
			continue
		}
		if !isIdentStart(ch) && !(ch >= '0' && ch <= '9') && ch != '-' {
			break
		}
		b.WriteByte(ch)
		p.pos++
	}
	return b.String()
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '-' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= utf8.RuneSelf
}
