package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/command"
	"pagepilot/internal/effects"
	"pagepilot/internal/tours"
)

type AssistantCommandTool struct {
	run    Runner
	interp *command.Interpreter
	bus    *bus.Bus
}

type commandArgs struct {
	Payload interface{} `mapstructure:"payload"`
	ViaBus  bool        `mapstructure:"via_bus"`
}

func (t *AssistantCommandTool) Name() string { return "assistant-command" }
func (t *AssistantCommandTool) Description() string {
	return `Inject a decision-service payload as if it had just arrived.

ACCEPTED SHAPES (payload):
- a single command: {"action": "highlight", "selector": "#buy"}
- {"commands": [...]} or {"data": {"commands": [...]}} or {"data": {"command": {...}}}
- a bare array of commands
- any of the above as a JSON string

Kind aliases (highlight, glow, pulse, scroll_to, show_tooltip, redirect, ...) are normalized.
Commands run one at a time with pacing; check assistant-state section=executions for outcomes.

Set via_bus=true to publish on ai:response_received instead of queuing directly.

Returns: {enqueued, pending}.`
}
func (t *AssistantCommandTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"payload": map[string]interface{}{
				"description": "Command payload in any accepted shape",
			},
			"via_bus": map[string]interface{}{"type": "boolean", "default": false},
		},
		"required": []string{"payload"},
	}
}
func (t *AssistantCommandTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a commandArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Payload == nil {
		return nil, errors.New("payload is required")
	}
	payload := a.Payload
	if list, ok := payload.([]interface{}); ok {
		payload = map[string]interface{}{"commands": list}
	}

	return onLoop(ctx, t.run, func() (interface{}, error) {
		if a.ViaBus {
			t.bus.Emit(bus.TopicResponseReceived, payload)
			return map[string]interface{}{"published": true, "pending": t.interp.Pending()}, nil
		}
		n := t.interp.Interpret(payload)
		return map[string]interface{}{"enqueued": n, "pending": t.interp.Pending()}, nil
	})
}

type GuidedTourTool struct {
	run     Runner
	tour    *effects.Tour
	catalog *tours.Catalog
}

type tourArgs struct {
	Action string         `mapstructure:"action"`
	Name   string         `mapstructure:"name"`
	Steps  []effects.Step `mapstructure:"steps"`
	Index  int            `mapstructure:"index"`
}

func (t *GuidedTourTool) Name() string { return "guided-tour" }
func (t *GuidedTourTool) Description() string {
	return `Drive the guided-tour state machine.

ACTIONS:
- start: start a named catalog tour (name) or an inline tour (steps: [{selector, title, message}])
- next / previous / goto (index) / end
- status: current tour position
- list: tour names available in the catalog

Steps whose target is missing are skipped in the direction of travel.
previous at the first step is a no-op; next at the last step ends the tour.

Returns: {ok, status}.`
}
func (t *GuidedTourTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"start", "next", "previous", "goto", "end", "status", "list"},
			},
			"name": map[string]interface{}{"type": "string"},
			"steps": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"selector": map[string]interface{}{"type": "string"},
						"title":    map[string]interface{}{"type": "string"},
						"message":  map[string]interface{}{"type": "string"},
					},
					"required": []string{"selector"},
				},
			},
			"index": map[string]interface{}{"type": "integer"},
		},
		"required": []string{"action"},
	}
}
func (t *GuidedTourTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a tourArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	if a.Action == "list" {
		if t.catalog == nil {
			return map[string]interface{}{"tours": []string{}}, nil
		}
		return map[string]interface{}{"tours": t.catalog.Names()}, nil
	}

	if a.Action == "start" && len(a.Steps) == 0 {
		if a.Name == "" {
			return nil, errors.New("start needs a tour name or steps")
		}
		if t.catalog == nil {
			return nil, fmt.Errorf("tour %q: no catalog configured", a.Name)
		}
		def, ok := t.catalog.Get(a.Name)
		if !ok {
			return nil, fmt.Errorf("tour %q not found", a.Name)
		}
		a.Steps = def.Steps
	}

	return onLoop(ctx, t.run, func() (interface{}, error) {
		var ok bool
		switch a.Action {
		case "start":
			if err := t.tour.Start(a.Name, a.Steps); err != nil {
				return nil, err
			}
			ok = true
		case "next":
			ok = t.tour.Next()
		case "previous":
			ok = t.tour.Previous()
		case "goto":
			ok = t.tour.Goto(a.Index)
		case "end":
			ok = t.tour.End()
		case "status":
			ok = t.tour.Active()
		default:
			return nil, fmt.Errorf("unknown action %q", a.Action)
		}
		return map[string]interface{}{"ok": ok, "status": t.tour.Status()}, nil
	})
}

type AssistantStateTool struct {
	c Components
}

type stateArgs struct {
	Section string `mapstructure:"section"`
	Limit   int    `mapstructure:"limit"`
}

type historyEntry struct {
	Topic     string      `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

func (t *AssistantStateTool) Name() string { return "assistant-state" }
func (t *AssistantStateTool) Description() string {
	return `Inspect the assistant core.

SECTIONS:
- state: shared state (layout, index readiness, busy flag, last input)
- bus: emitted count, listener counts, recent event history
- selftest: round-trip an event through the bus
- executions: recent command executions with status ok/skipped/failed
- effects: active highlights and tooltips with expiry
- index: indexer statistics
- browser: Chrome connection and open pages (when a browser is attached)
- persistence: last session-restored and lead-saved signals from the page
- all (default): every section except selftest and bus history

Returns: object keyed by section.`
}
func (t *AssistantStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"section": map[string]interface{}{
				"type": "string",
				"enum": []string{"all", "state", "bus", "selftest", "executions", "effects", "index", "browser", "persistence"},
			},
			"limit": map[string]interface{}{"type": "integer", "description": "History entries returned (default 20, max 100)"},
		},
	}
}
func (t *AssistantStateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a stateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Section == "" {
		a.Section = "all"
	}
	limit := limitOf(a.Limit, 20, 100)
	c := t.c

	return onLoop(ctx, c.Loop, func() (interface{}, error) {
		out := map[string]interface{}{}
		want := func(s string) bool { return a.Section == "all" || a.Section == s }

		if want("state") {
			out["state"] = c.Bus.GetState()
		}
		if want("bus") {
			out["bus"] = c.Bus.Stats()
			if a.Section == "bus" {
				out["history"] = recentHistory(c.Bus.History(), limit)
			}
		}
		if a.Section == "selftest" {
			out["selftest"] = c.Bus.SelfTest()
		}
		if want("executions") && c.Interpreter != nil {
			out["executions"] = tail(c.Interpreter.History(), limit)
			out["pending"] = c.Interpreter.Pending()
			out["dropped"] = c.Interpreter.Dropped()
		}
		if want("effects") && c.Effects != nil {
			out["effects"] = c.Effects.Active()
		}
		if want("index") && c.Indexer != nil {
			out["index"] = c.Indexer.Stats()
		}
		if want("browser") && c.Browser != nil {
			out["browser"] = map[string]interface{}{
				"connected":   c.Browser.IsConnected(),
				"control_url": c.Browser.ControlURL(),
				"sessions":    c.Browser.List(),
			}
		}
		if want("persistence") {
			out["persistence"] = lastByTopic(c.Bus.History(), bus.PersistenceTopics)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("unknown or unavailable section %q", a.Section)
		}
		return out, nil
	})
}

func recentHistory(events []bus.Event, limit int) []historyEntry {
	events = tail(events, limit)
	out := make([]historyEntry, 0, len(events))
	for _, ev := range events {
		payload := ev.Payload
		if _, err := json.Marshal(payload); err != nil {
			payload = fmt.Sprintf("%v", payload)
		}
		out = append(out, historyEntry{Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: payload})
	}
	return out
}

// lastByTopic returns the newest history entry of each topic that has one.
func lastByTopic(events []bus.Event, topics []string) map[string]historyEntry {
	out := make(map[string]historyEntry, len(topics))
	for i := len(events) - 1; i >= 0 && len(out) < len(topics); i-- {
		ev := events[i]
		if _, seen := out[ev.Topic]; seen {
			continue
		}
		for _, t := range topics {
			if ev.Topic == t {
				out[t] = recentHistory([]bus.Event{ev}, 1)[0]
				break
			}
		}
	}
	return out
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
