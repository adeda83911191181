package mcp

import (
	"context"
	"fmt"

	"pagepilot/internal/bus"
	"pagepilot/internal/indexer"
	"pagepilot/internal/layout"
)

type PageIndexTool struct {
	run   Runner
	index *indexer.Indexer
}

type pageIndexArgs struct {
	Mode     string  `mapstructure:"mode"`
	Key      string  `mapstructure:"key"`
	Kind     string  `mapstructure:"kind"`
	Category string  `mapstructure:"category"`
	X        float64 `mapstructure:"x"`
	Y        float64 `mapstructure:"y"`
	Limit    int     `mapstructure:"limit"`
}

func (t *PageIndexTool) Name() string { return "page-index" }
func (t *PageIndexTool) Description() string {
	return `Read the semantic map of the assisted page.

MODES:
- key: look up one element by semantic key (slugified, so "Email Address" finds "email_address")
- kind: list elements of a kind (input, textarea, select, button, link, heading, image, editable, content)
- category: list elements of a category (navigation, header, footer, cart, search, product, form, cta, general)
- nearest: the element of an optional kind closest to point (x, y)
- all: every indexed element (default)
- rescan: index elements added since the last scan
- stats: element, key and collision counts

Returns: {elements: [{id, key, meaning, kind, category, box, visible}], count}.`
}
func (t *PageIndexTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type": "string",
				"enum": []string{"key", "kind", "category", "nearest", "all", "rescan", "stats"},
			},
			"key":      map[string]interface{}{"type": "string", "description": "Semantic key (mode=key)"},
			"kind":     map[string]interface{}{"type": "string", "description": "Element kind (mode=kind or nearest)"},
			"category": map[string]interface{}{"type": "string", "description": "Category (mode=category)"},
			"x":        map[string]interface{}{"type": "number"},
			"y":        map[string]interface{}{"type": "number"},
			"limit":    map[string]interface{}{"type": "integer", "description": "Maximum elements returned (default 50, max 500)"},
		},
	}
}
func (t *PageIndexTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a pageIndexArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Mode == "" {
		a.Mode = "all"
	}
	limit := limitOf(a.Limit, 50, 500)

	return onLoop(ctx, t.run, func() (interface{}, error) {
		var els []indexer.Element
		switch a.Mode {
		case "key":
			if a.Key == "" {
				return nil, fmt.Errorf("key is required")
			}
			el, ok := t.index.FindBySemanticName(a.Key)
			if !ok {
				return map[string]interface{}{"found": false, "key": indexer.Slugify(a.Key)}, nil
			}
			return map[string]interface{}{"found": true, "element": el}, nil
		case "kind":
			els = t.index.FindByKind(indexer.Kind(a.Kind))
		case "category":
			els = t.index.FindByCategory(a.Category)
		case "nearest":
			el, ok := t.index.Nearest(a.X, a.Y, indexer.Kind(a.Kind))
			return map[string]interface{}{"found": ok, "element": el}, nil
		case "all":
			els = t.index.Entries()
		case "rescan":
			added := t.index.Rescan()
			return map[string]interface{}{"added": added, "stats": t.index.Stats()}, nil
		case "stats":
			return t.index.Stats(), nil
		default:
			return nil, fmt.Errorf("unknown mode %q", a.Mode)
		}
		total := len(els)
		if len(els) > limit {
			els = els[:limit]
		}
		return map[string]interface{}{"elements": els, "count": len(els), "total": total}, nil
	})
}

type LayoutToggleTool struct {
	run    Runner
	layout *layout.Orchestrator
	bus    *bus.Bus
}

type layoutArgs struct {
	Action string `mapstructure:"action"`
}

func (t *LayoutToggleTool) Name() string { return "layout-toggle" }
func (t *LayoutToggleTool) Description() string {
	return `Open, close or toggle the two-pane assistant layout.

Geometry of indexed elements is re-measured shortly after the page reflows.

Returns: {layout_open}.`
}
func (t *LayoutToggleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":    "string",
				"enum":    []string{"toggle", "open", "close"},
				"default": "toggle",
			},
		},
	}
}
func (t *LayoutToggleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a layoutArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return onLoop(ctx, t.run, func() (interface{}, error) {
		switch a.Action {
		case "", "toggle":
			t.layout.Toggle()
		case "open":
			t.layout.SetOpen(true)
		case "close":
			t.layout.SetOpen(false)
		default:
			return nil, fmt.Errorf("unknown action %q", a.Action)
		}
		return map[string]interface{}{"layout_open": t.bus.GetState().LayoutOpen}, nil
	})
}
