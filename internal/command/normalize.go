package command

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Field aliases, tried in order; key comparison is case-insensitive.
var (
	kindAliases     = []string{"kind", "action_type", "type", "action", "command", "cmd"}
	targetAliases   = []string{"target_selector", "selector", "target"}
	messageAliases  = []string{"message", "text"}
	durationAliases = []string{"duration_ms", "duration"}
	urlAliases      = []string{"url", "href"}
	dataAliases     = []string{"data", "value", "payload"}
)

var kindTable = map[string]Kind{
	"highlight":         KindHighlight,
	"highlight_element": KindHighlight,
	"glow":              KindHighlight,
	"pulse":             KindHighlight,
	"emphasize":         KindHighlight,

	"scroll":           KindScroll,
	"scroll_to":        KindScroll,
	"scroll_into_view": KindScroll,

	"tooltip":      KindTooltip,
	"show_tooltip": KindTooltip,
	"hint":         KindTooltip,
	"message":      KindTooltip,

	"navigate": KindNavigate,
	"redirect": KindNavigate,
	"open_url": KindNavigate,
	"goto":     KindNavigate,

	"data_update": KindDataUpdate,
	"update_data": KindDataUpdate,
}

// payloader is implemented by replies that carry their body alongside
// correlation context.
type payloader interface {
	CommandPayload() interface{}
}

// ExtractCommands pulls raw commands out of one decision payload, trying in
// order: the payload itself, payload.commands, payload.data.commands and
// payload.data.command. Anything else yields nothing.
func ExtractCommands(payload interface{}) []interface{} {
	m, ok := asObject(payload)
	if !ok {
		return nil
	}
	if looksLikeCommand(m) {
		return []interface{}{m}
	}
	if list, ok := lookup(m, "commands").([]interface{}); ok {
		return list
	}
	data, ok := asObject(lookup(m, "data"))
	if !ok {
		return nil
	}
	if list, ok := lookup(data, "commands").([]interface{}); ok {
		return list
	}
	if cmd := lookup(data, "command"); cmd != nil {
		return []interface{}{cmd}
	}
	return nil
}

// asObject decodes the accepted payload carriers into a JSON object.
func asObject(v interface{}) (map[string]interface{}, bool) {
	for i := 0; i < 2; i++ {
		p, ok := v.(payloader)
		if !ok {
			break
		}
		v = p.CommandPayload()
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case json.RawMessage:
		return decodeObject(t)
	case []byte:
		return decodeObject(t)
	case string:
		return decodeObject([]byte(t))
	}
	return nil, false
}

func decodeObject(data []byte) (map[string]interface{}, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// looksLikeCommand reports a recognized string kind or a target field.
func looksLikeCommand(m map[string]interface{}) bool {
	if s, ok := first(m, kindAliases).(string); ok {
		if _, known := kindTable[canonicalKind(s)]; known {
			return true
		}
	}
	_, ok := first(m, targetAliases).(string)
	return ok
}

// Normalize converts one raw command into an Action. The bool is false when
// the kind is neither recognized nor inferable; the returned Action then has
// KindUnknown and should be dropped.
func Normalize(raw interface{}) (Action, bool) {
	if a, ok := raw.(Action); ok {
		return a, a.Kind != "" && a.Kind != KindUnknown
	}
	m, ok := asObject(raw)
	if !ok {
		return Action{Kind: KindUnknown, Raw: raw}, false
	}

	a := Action{
		TargetSelector: str(first(m, targetAliases)),
		Message:        str(first(m, messageAliases)),
		DurationMs:     integer(first(m, durationAliases)),
		URL:            str(first(m, urlAliases)),
		Effect:         str(lookup(m, "effect")),
		Raw:            raw,
	}

	kindName := canonicalKind(str(first(m, kindAliases)))
	if k, ok := kindTable[kindName]; ok {
		a.Kind = k
		if a.Effect == "" && (kindName == "glow" || kindName == "pulse") {
			a.Effect = kindName
		}
	} else {
		switch {
		case a.Message != "":
			a.Kind = KindTooltip
		case a.TargetSelector != "":
			a.Kind = KindHighlight
		default:
			a.Kind = KindUnknown
			return a, false
		}
	}

	switch a.Kind {
	case KindNavigate:
		if a.URL == "" {
			a.URL = a.TargetSelector
		}
	case KindDataUpdate:
		a.Data = first(m, dataAliases)
	}
	return a, true
}

func canonicalKind(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// first returns the value of the first alias present in m.
func first(m map[string]interface{}, aliases []string) interface{} {
	for _, alias := range aliases {
		if v := lookup(m, alias); v != nil {
			return v
		}
	}
	return nil
}

// lookup finds key case-insensitively, preferring an exact match.
func lookup(m map[string]interface{}, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func integer(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
