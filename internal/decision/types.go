// Package decision is the boundary towards the external decision service:
// outbound observations, inbound untyped replies and the transports that
// carry them.
package decision

import (
	"context"
	"encoding/json"
	"time"
)

// Concepts is the lightweight analysis attached to each observation.
type Concepts struct {
	Chars      int      `json:"chars"`
	Words      int      `json:"words"`
	Script     string   `json:"script"`
	HasLatin   bool     `json:"has_latin"`
	HasPersian bool     `json:"has_persian"`
	HasDigits  bool     `json:"has_digits"`
	Keywords   []string `json:"keywords,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	Quantities []int    `json:"quantities,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
}

// Observation is one outbound signal about a field.
type Observation struct {
	RequestID string    `json:"request_id,omitempty"`
	FieldID   string    `json:"field_id"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	Concepts  Concepts  `json:"concepts"`
	Final     bool      `json:"final"`
	At        time.Time `json:"at"`
}

// Response is one inbound reply. Body is the decoded JSON exactly as the
// service sent it; command extraction happens downstream.
type Response struct {
	RequestID string      `json:"request_id,omitempty"`
	FieldID   string      `json:"field_id,omitempty"`
	Stale     bool        `json:"stale"`
	Body      interface{} `json:"body"`
}

// CommandPayload exposes the body to the command interpreter.
func (r Response) CommandPayload() interface{} { return r.Body }

// IsStale reports whether a newer request for the same field was issued
// before this reply arrived.
func (r Response) IsStale() bool { return r.Stale }

// Forwarder sends observations towards the decision service. Forward must
// not wait for the reply.
type Forwarder interface {
	Forward(ctx context.Context, obs Observation) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, obs Observation) error

func (f ForwarderFunc) Forward(ctx context.Context, obs Observation) error { return f(ctx, obs) }

func decodeBody(data []byte) (interface{}, error) {
	var body interface{}
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}
