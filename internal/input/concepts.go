package input

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"pagepilot/internal/decision"
)

// topicKeywords maps lowercase keywords (English and Persian) to topics.
var topicKeywords = map[string]string{
	"price": "price", "cost": "price", "cheap": "price", "expensive": "price", "discount": "price",
	"قیمت": "price", "ارزان": "price", "گران": "price", "تخفیف": "price",

	"shipping": "shipping", "delivery": "shipping", "ship": "shipping", "deliver": "shipping",
	"ارسال": "shipping", "تحویل": "shipping", "پست": "shipping",

	"order": "order", "buy": "order", "purchase": "order", "checkout": "order",
	"سفارش": "order", "خرید": "order",

	"return": "return", "refund": "return", "exchange": "return",
	"مرجوعی": "return", "بازگشت": "return", "تعویض": "return",

	"help": "support", "support": "support", "problem": "support", "issue": "support",
	"کمک": "support", "پشتیبانی": "support", "مشکل": "support",

	"size": "size", "small": "size", "medium": "size", "large": "size",
	"سایز": "size", "اندازه": "size",

	"email": "contact", "phone": "contact", "contact": "contact", "call": "contact",
	"ایمیل": "contact", "تلفن": "contact", "تماس": "contact",
}

var (
	emailPattern = regexp.MustCompile(`[^\s@]+@[^\s@]+\.[^\s@]+`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s-]{6,}\d`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
)

// Extract computes concepts for value: counts, script mix, keyword topics,
// plausible quantities and pattern tags.
func Extract(value string) decision.Concepts {
	value = foldDigits(value)
	c := decision.Concepts{
		Chars: len([]rune(strings.TrimSpace(value))),
	}

	for _, r := range value {
		switch {
		case r < 0x80 && unicode.IsLetter(r):
			c.HasLatin = true
		case r >= 0x0600 && r <= 0x06FF && unicode.IsLetter(r):
			c.HasPersian = true
		case unicode.IsDigit(r):
			c.HasDigits = true
		}
	}
	c.Script = script(c)

	tokens := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})
	c.Words = len(strings.Fields(value))

	seenKW := map[string]bool{}
	topics := map[string]bool{}
	for _, tok := range tokens {
		if topic, ok := topicKeywords[tok]; ok && !seenKW[tok] {
			seenKW[tok] = true
			c.Keywords = append(c.Keywords, tok)
			topics[topic] = true
		}
	}
	for t := range topics {
		c.Topics = append(c.Topics, t)
	}
	sort.Strings(c.Topics)

	phone := phonePattern.MatchString(value)
	if !phone {
		for _, tok := range tokens {
			if len(tok) > 3 || !isDigits(tok) {
				continue
			}
			if n, err := strconv.Atoi(tok); err == nil && n >= 1 && n <= 999 {
				c.Quantities = append(c.Quantities, n)
			}
		}
	}

	if emailPattern.MatchString(value) {
		c.Patterns = append(c.Patterns, "email")
	}
	if phone {
		c.Patterns = append(c.Patterns, "phone")
	}
	if urlPattern.MatchString(value) {
		c.Patterns = append(c.Patterns, "url")
	}
	if c.HasDigits {
		c.Patterns = append(c.Patterns, "number")
	}
	return c
}

func script(c decision.Concepts) string {
	switch {
	case c.HasLatin && c.HasPersian:
		return "mixed"
	case c.HasPersian:
		return "persian"
	case c.HasLatin:
		return "latin"
	case c.HasDigits:
		return "digits"
	}
	return "none"
}

// foldDigits maps Persian and Arabic-Indic digits to ASCII.
func foldDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		}
		return r
	}, s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
