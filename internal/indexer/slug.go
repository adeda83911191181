package indexer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Primary non-Latin script kept by Slugify (Arabic block, used for Persian).
const (
	scriptLo = 0x0600
	scriptHi = 0x06FF
)

// Slugify folds s into a semantic key: NFKC, lowercase, whitespace and
// zero-width runs become one underscore, anything outside ASCII
// alphanumerics, '_', '-' and the Arabic block is dropped, and edge
// underscores are trimmed. Slugify(Slugify(s)) == Slugify(s).
func Slugify(s string) string {
	for i := 0; i < 8; i++ {
		next := slugOnce(s)
		if next == s {
			return next
		}
		s = next
	}
	return s
}

func slugOnce(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		switch {
		case r == '_' || unicode.IsSpace(r) || isZeroWidth(r):
			sep = true
		case keepRune(r):
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func keepRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		return true
	case r >= scriptLo && r <= scriptHi:
		return true
	}
	return false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

// sanitizeClass reduces a class attribute to a short identity fragment.
func sanitizeClass(class string) string {
	fields := strings.Fields(class)
	if len(fields) == 0 {
		return "x"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(fields[0]) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
		if b.Len() >= 24 {
			break
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
