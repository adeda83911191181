package mcp

import (
	"context"
	"errors"
	"time"

	"pagepilot/internal/mangle"
)

type QueryFactsTool struct {
	engine *mangle.Engine
}

type queryFactsArgs struct {
	Query     string `mapstructure:"query"`
	Predicate string `mapstructure:"predicate"`
	Derived   bool   `mapstructure:"derived"`
	SinceMs   int64  `mapstructure:"since_ms"`
	Limit     int    `mapstructure:"limit"`
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the fact store the assistant publishes into.

BASE FACTS:
- indexed_element(Id, Key, Kind, Category, Visible)
- field_intent(Field, Topic, Final)
- command_executed(Seq, Kind, Target, Status)

DERIVED VIEWS: visible_element, form_field, call_to_action, interested_in,
committed_intent, skipped_target, failed_command.

USAGE:
- query: a Mangle atom such as form_field(Id, Key) or command_executed(_, "highlight", T, S)
- predicate: dump stored facts for one predicate (derived=true evaluates a derived view)
- since_ms: with predicate, only facts newer than this many milliseconds

Returns: {results} for query, {facts, count} for predicate.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":     map[string]interface{}{"type": "string"},
			"predicate": map[string]interface{}{"type": "string"},
			"derived":   map[string]interface{}{"type": "boolean"},
			"since_ms":  map[string]interface{}{"type": "integer"},
			"limit":     map[string]interface{}{"type": "integer", "description": "Maximum facts returned (default 50, max 500)"},
		},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a queryFactsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	limit := limitOf(a.Limit, 50, 500)

	switch {
	case a.Query != "":
		results, err := t.engine.Query(ctx, a.Query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": tail(results, limit), "count": len(results)}, nil
	case a.Predicate != "":
		var facts []mangle.Fact
		switch {
		case a.Derived:
			out, err := t.engine.Evaluate(ctx, a.Predicate)
			if err != nil {
				return nil, err
			}
			facts = out
		case a.SinceMs > 0:
			now := time.Now()
			facts = t.engine.QueryTemporal(a.Predicate, now.Add(-time.Duration(a.SinceMs)*time.Millisecond), now)
		default:
			facts = t.engine.FactsByPredicate(a.Predicate)
		}
		return map[string]interface{}{"facts": tail(facts, limit), "count": len(facts)}, nil
	}
	return nil, errors.New("query or predicate is required")
}
