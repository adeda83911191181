// Package command turns decision-service output into canonical actions and
// executes them one at a time.
package command

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind is the canonical action kind.
type Kind string

const (
	KindHighlight  Kind = "highlight"
	KindScroll     Kind = "scroll"
	KindTooltip    Kind = "tooltip"
	KindNavigate   Kind = "navigate"
	KindDataUpdate Kind = "data_update"
	KindUnknown    Kind = "unknown"
)

// ErrSkipped marks a command that was valid but had nothing to act on.
// Executors wrap it so the interpreter records the run as skipped.
var ErrSkipped = errors.New("command skipped")

// Action is the single normalized form of every accepted command shape.
// Zero values mean "absent" and are rendered as null on the wire.
type Action struct {
	Kind           Kind
	TargetSelector string
	Message        string
	DurationMs     int
	Effect         string
	URL            string
	Data           interface{}
	Raw            interface{}
}

// Duration returns DurationMs as a duration, or fallback when absent.
func (a Action) Duration(fallback time.Duration) time.Duration {
	if a.DurationMs <= 0 {
		return fallback
	}
	return time.Duration(a.DurationMs) * time.Millisecond
}

type wireAction struct {
	Kind           Kind        `json:"kind"`
	TargetSelector *string     `json:"target_selector"`
	Message        *string     `json:"message"`
	DurationMs     *int        `json:"duration_ms"`
	Effect         string      `json:"effect,omitempty"`
	URL            string      `json:"url,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	Raw            interface{} `json:"raw"`
}

// MarshalJSON renders the canonical wire shape.
func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{
		Kind:   a.Kind,
		Effect: a.Effect,
		URL:    a.URL,
		Data:   a.Data,
		Raw:    a.Raw,
	}
	if a.TargetSelector != "" {
		w.TargetSelector = &a.TargetSelector
	}
	if a.Message != "" {
		w.Message = &a.Message
	}
	if a.DurationMs > 0 {
		w.DurationMs = &a.DurationMs
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the canonical wire shape.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{Kind: w.Kind, Effect: w.Effect, URL: w.URL, Data: w.Data, Raw: w.Raw}
	if w.TargetSelector != nil {
		a.TargetSelector = *w.TargetSelector
	}
	if w.Message != nil {
		a.Message = *w.Message
	}
	if w.DurationMs != nil {
		a.DurationMs = *w.DurationMs
	}
	return nil
}

// Status is the outcome of one execution.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Execution is the payload of command:executed and one history entry.
type Execution struct {
	Seq    int       `json:"seq"`
	Action Action    `json:"action"`
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
