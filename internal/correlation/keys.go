// Package correlation matches decision-service replies to the observations
// that caused them.
package correlation

import (
	"strings"
)

// Key represents a normalized correlation key.
type Key struct {
	Type  string
	Value string
}

// Key types.
const (
	TypeRequestID     = "request_id"
	TypeCorrelationID = "correlation_id"
)

// payloadFields lists carried-context fields in lookup order.
var payloadFields = []struct {
	path []string
	typ  string
}{
	{[]string{"request_id"}, TypeRequestID},
	{[]string{"requestId"}, TypeRequestID},
	{[]string{"correlation_id"}, TypeCorrelationID},
	{[]string{"correlationId"}, TypeCorrelationID},
	{[]string{"context", "request_id"}, TypeRequestID},
	{[]string{"context", "requestId"}, TypeRequestID},
	{[]string{"data", "request_id"}, TypeRequestID},
}

// FromHeader extracts normalized correlation keys from a response header.
func FromHeader(name, value string) []Key {
	headerName := strings.ToLower(strings.TrimSpace(name))
	headerValue := normalizeValue(value)
	if headerName == "" || headerValue == "" {
		return nil
	}
	switch headerName {
	case "x-request-id", "request-id", "request_id":
		return []Key{{Type: TypeRequestID, Value: headerValue}}
	case "x-correlation-id", "correlation-id", "correlation_id", "x-correlationid":
		return []Key{{Type: TypeCorrelationID, Value: headerValue}}
	}
	return nil
}

// FromPayload extracts carried correlation keys from a decoded JSON reply.
func FromPayload(payload interface{}) []Key {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]Key, 0, 2)
	for _, f := range payloadFields {
		if v := normalizeValue(stringAt(m, f.path)); v != "" {
			keys = append(keys, Key{Type: f.typ, Value: v})
		}
	}
	return dedupe(keys)
}

// RequestID returns the first request or correlation id in keys.
func RequestID(keys []Key) string {
	for _, k := range keys {
		if k.Type == TypeRequestID {
			return k.Value
		}
	}
	for _, k := range keys {
		if k.Type == TypeCorrelationID {
			return k.Value
		}
	}
	return ""
}

func stringAt(m map[string]interface{}, path []string) string {
	var cur interface{} = m
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = obj[p]
	}
	s, _ := cur.(string)
	return s
}

func normalizeValue(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	normalized = strings.Trim(normalized, "\"'`")
	normalized = strings.TrimRight(normalized, ".,;:)]}")
	return normalized
}

func dedupe(keys []Key) []Key {
	if len(keys) <= 1 {
		return keys
	}

	seen := make(map[string]struct{}, len(keys))
	uniq := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Type == "" || key.Value == "" {
			continue
		}
		token := key.Type + ":" + key.Value
		if _, exists := seen[token]; exists {
			continue
		}
		seen[token] = struct{}{}
		uniq = append(uniq, key)
	}
	return uniq
}
