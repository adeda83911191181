package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/dom"

	"github.com/go-rod/rod"
	"go.uber.org/zap"
)

// RefAttr is the attribute the snapshot stamps on every element.
const RefAttr = "data-ai-ref"

const (
	layerID       = "pagepilot-layer"
	splitClass    = "pagepilot-split"
	mirrorQueue   = 128
	defaultEvalTO = 5 * time.Second
)

const stylesJS = `() => {
	if (document.getElementById('pagepilot-styles')) return;
	const s = document.createElement('style');
	s.id = 'pagepilot-styles';
	s.textContent = [
		'.ai-highlight{outline:3px solid #f5a623 !important;outline-offset:2px}',
		'.ai-glow{box-shadow:0 0 12px 4px rgba(66,133,244,.8) !important}',
		'@keyframes pagepilot-pulse{0%,100%{transform:scale(1)}50%{transform:scale(1.04)}}',
		'.ai-pulse{animation:pagepilot-pulse 1s ease-in-out infinite}',
		'.ai-tour-focus{outline:3px dashed #34a853 !important;outline-offset:4px}',
		'.pagepilot-overlay{background:#202124;color:#fff;padding:8px 12px;border-radius:6px;font:13px sans-serif;box-shadow:0 4px 16px rgba(0,0,0,.3)}',
		'.pagepilot-overlay button{margin:6px 6px 0 0}',
		'html.pagepilot-split body{width:50vw !important}'
	].join('\n');
	(document.head || document.documentElement).appendChild(s);
}`

const snapshotJS = `() => {
	const skip = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'LINK', 'META']);
	window.__pagepilotRef = window.__pagepilotRef || 0;
	const walk = (el) => {
		if (el.id === 'pagepilot-layer') return null;
		let ref = el.getAttribute('data-ai-ref');
		if (!ref) {
			ref = String(++window.__pagepilotRef);
			el.setAttribute('data-ai-ref', ref);
		}
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		let text = '';
		for (const c of el.childNodes) if (c.nodeType === 3) text += c.textContent;
		const r = el.getBoundingClientRect();
		const cs = getComputedStyle(el);
		const node = {
			ref,
			tag: el.tagName.toLowerCase(),
			attrs,
			text: text.replace(/\s+/g, ' ').trim(),
			box: {x: r.left, y: r.top, width: r.width, height: r.height},
			style: {display: cs.display, visibility: cs.visibility, opacity: parseFloat(cs.opacity)},
			children: []
		};
		for (const c of el.children) {
			if (skip.has(c.tagName)) continue;
			const child = walk(c);
			if (child) node.children.push(child);
		}
		return node;
	};
	return document.body ? walk(document.body) : null;
}`

const rectJS = `(ref) => {
	const el = document.querySelector('[data-ai-ref="' + ref + '"]');
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left, y: r.top, width: r.width, height: r.height};
}`

const viewportJS = `() => ({x: 0, y: 0, width: window.innerWidth, height: window.innerHeight})`

const classJS = `(ref, cls, on) => {
	const el = document.querySelector('[data-ai-ref="' + ref + '"]');
	if (!el) return false;
	el.classList.toggle(cls, on);
	return true;
}`

const attrJS = `(ref, name, value) => {
	const el = document.querySelector('[data-ai-ref="' + ref + '"]');
	if (!el) return false;
	el.setAttribute(name, value);
	return true;
}`

const scrollJS = `(ref) => {
	const el = document.querySelector('[data-ai-ref="' + ref + '"]');
	if (!el) return false;
	el.scrollIntoView({behavior: 'smooth', block: 'center', inline: 'nearest'});
	return true;
}`

const overlayJS = `(o, binding) => {
	let layer = document.getElementById('pagepilot-layer');
	if (!layer) {
		layer = document.createElement('div');
		layer.id = 'pagepilot-layer';
		document.documentElement.appendChild(layer);
	}
	const id = 'pagepilot-overlay-' + o.id;
	let el = document.getElementById(id);
	if (!el) {
		el = document.createElement('div');
		el.id = id;
		el.className = 'pagepilot-overlay';
		layer.appendChild(el);
	}
	el.dataset.placement = o.placement || '';
	el.style.cssText = 'position:fixed;z-index:2147483647;left:' + o.box.x + 'px;top:' + o.box.y +
		'px;width:' + o.box.width + 'px;min-height:' + o.box.height + 'px';
	el.textContent = '';
	if (o.title) {
		const h = document.createElement('strong');
		h.textContent = o.title;
		el.appendChild(h);
	}
	const p = document.createElement('p');
	p.textContent = o.text;
	el.appendChild(p);
	for (const action of (o.controls || [])) {
		const b = document.createElement('button');
		b.type = 'button';
		b.textContent = action;
		b.dataset.action = action;
		b.addEventListener('click', () => {
			if (window[binding]) window[binding]({kind: 'control', overlay: o.id, action});
		});
		el.appendChild(b);
	}
}`

const removeOverlayJS = `(id) => {
	const el = document.getElementById('pagepilot-overlay-' + id);
	if (el) el.remove();
}`

const splitJS = `(cls, open) => { document.documentElement.classList.toggle(cls, open); }`

const dispatchJS = `(topic, detail) => {
	window.dispatchEvent(new CustomEvent('pagepilot:' + topic, {detail}));
}`

// PageHost adapts a live rod page to the dom host interfaces. Selectors are
// resolved by the browser and mapped onto the last snapshot; geometry and
// mutations go to the page.
type PageHost struct {
	page    *rod.Page
	log     *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	byRef map[string]*dom.Node

	events chan bus.Event
}

// NewPageHost wraps page. timeout bounds every page evaluation.
func NewPageHost(page *rod.Page, logger *zap.Logger, timeout time.Duration) *PageHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultEvalTO
	}
	return &PageHost{
		page:    page,
		log:     logger.Named("page"),
		timeout: timeout,
		byRef:   make(map[string]*dom.Node),
		events:  make(chan bus.Event, mirrorQueue),
	}
}

// Install injects the marker and overlay styles now and on every future
// document.
func (h *PageHost) Install() error {
	if _, err := h.page.EvalOnNewDocument("(" + stylesJS + ")()"); err != nil {
		return fmt.Errorf("register styles: %w", err)
	}
	_, err := h.eval(stylesJS, nil)
	return err
}

func (h *PageHost) eval(js string, out interface{}, args ...interface{}) (bool, error) {
	res, err := h.page.Timeout(h.timeout).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return false, err
	}
	if res.Value.Nil() {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode page result: %w", err)
	}
	return true, nil
}

// Snapshot implements dom.Snapshotter. Elements keep their ref across
// snapshots.
func (h *PageHost) Snapshot() (*dom.Node, error) {
	var root dom.Node
	ok, err := h.eval(snapshotJS, &root)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if !ok {
		return nil, errors.New("snapshot: document has no body")
	}
	byRef := make(map[string]*dom.Node)
	link(&root, nil, byRef)

	h.mu.Lock()
	h.byRef = byRef
	h.mu.Unlock()
	return &root, nil
}

func link(n, parent *dom.Node, byRef map[string]*dom.Node) {
	n.Parent = parent
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	byRef[n.Ref] = n
	for _, c := range n.Children {
		link(c, n, byRef)
	}
}

// Query resolves selector in the live page and returns the snapshot node
// for the first match. Elements the last snapshot has not seen yet are
// picked up by taking a fresh one.
func (h *PageHost) Query(selector string) (*dom.Node, bool) {
	els, err := h.page.Timeout(h.timeout).Elements(selector)
	if err != nil {
		h.log.Debug("query", zap.String("selector", selector), zap.Error(err))
		return nil, false
	}
	if els.Empty() {
		return nil, false
	}
	el := els.First()

	ref, err := el.Attribute(RefAttr)
	if err != nil {
		h.log.Debug("read ref", zap.String("selector", selector), zap.Error(err))
		return nil, false
	}
	if ref != nil {
		if n, ok := h.Node(*ref); ok {
			return n, true
		}
	}
	if _, err := h.Snapshot(); err != nil {
		h.log.Warn("snapshot for query", zap.String("selector", selector), zap.Error(err))
		return nil, false
	}
	if ref == nil {
		if ref, err = el.Attribute(RefAttr); err != nil || ref == nil {
			return nil, false
		}
	}
	return h.Node(*ref)
}

// Node returns the snapshot node carrying ref.
func (h *PageHost) Node(ref string) (*dom.Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.byRef[ref]
	return n, ok
}

// Rect reads the element's current viewport-relative box.
func (h *PageHost) Rect(n *dom.Node) (dom.Rect, bool) {
	if n == nil || n.Ref == "" {
		return dom.Rect{}, false
	}
	var r dom.Rect
	ok, err := h.eval(rectJS, &r, n.Ref)
	if err != nil {
		h.log.Debug("read rect", zap.String("ref", n.Ref), zap.Error(err))
		return dom.Rect{}, false
	}
	return r, ok
}

// Viewport returns the window's inner size.
func (h *PageHost) Viewport() dom.Rect {
	var r dom.Rect
	if _, err := h.eval(viewportJS, &r); err != nil {
		h.log.Debug("read viewport", zap.Error(err))
	}
	return r
}

func (h *PageHost) onElement(js string, n *dom.Node, args ...interface{}) error {
	if n == nil || n.Ref == "" {
		return dom.ErrDetached
	}
	var found bool
	if _, err := h.eval(js, &found, append([]interface{}{n.Ref}, args...)...); err != nil {
		return err
	}
	if !found {
		return dom.ErrDetached
	}
	return nil
}

// AddMarker adds a marker class to the live element and the snapshot node.
func (h *PageHost) AddMarker(n *dom.Node, class string) error {
	if err := h.onElement(classJS, n, class, true); err != nil {
		return err
	}
	h.mu.Lock()
	n.AddClass(class)
	h.mu.Unlock()
	return nil
}

// RemoveMarker removes a marker class.
func (h *PageHost) RemoveMarker(n *dom.Node, class string) error {
	if err := h.onElement(classJS, n, class, false); err != nil {
		return err
	}
	h.mu.Lock()
	n.RemoveClass(class)
	h.mu.Unlock()
	return nil
}

// SetAttribute implements dom.AttributeWriter.
func (h *PageHost) SetAttribute(n *dom.Node, name, value string) error {
	if err := h.onElement(attrJS, n, name, value); err != nil {
		return err
	}
	h.mu.Lock()
	n.SetAttr(name, value)
	h.mu.Unlock()
	return nil
}

// ScrollIntoView centers the element in the viewport.
func (h *PageHost) ScrollIntoView(n *dom.Node) error {
	return h.onElement(scrollJS, n)
}

// ShowOverlay creates or replaces the overlay panel. Control buttons report
// back through the bridge binding.
func (h *PageHost) ShowOverlay(o dom.Overlay) error {
	_, err := h.eval(overlayJS, nil, o, bindingName)
	return err
}

// RemoveOverlay removes the overlay panel if present.
func (h *PageHost) RemoveOverlay(id string) error {
	_, err := h.eval(removeOverlayJS, nil, id)
	return err
}

// SetSplitLayout implements dom.LayoutHost.
func (h *PageHost) SetSplitLayout(open bool) error {
	_, err := h.eval(splitJS, nil, splitClass, open)
	return err
}

// Navigate loads url in the page and drops the stale snapshot.
func (h *PageHost) Navigate(url string) error {
	if err := h.page.Timeout(h.timeout).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	h.mu.Lock()
	h.byRef = make(map[string]*dom.Node)
	h.mu.Unlock()
	return nil
}

// Mirror implements bus.Mirror. Events are queued and re-dispatched in the
// page as "pagepilot:<topic>" CustomEvents by Run; a full queue drops.
func (h *PageHost) Mirror(ev bus.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Debug("page mirror queue full", zap.String("topic", ev.Topic))
	}
}

// Run pumps mirrored events into the page until ctx is done.
func (h *PageHost) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *PageHost) dispatch(ev bus.Event) {
	detail, err := json.Marshal(ev.Payload)
	if err != nil {
		h.log.Debug("skip unencodable mirror payload", zap.String("topic", ev.Topic), zap.Error(err))
		return
	}
	if _, err := h.eval(dispatchJS, nil, ev.Topic, json.RawMessage(detail)); err != nil {
		h.log.Debug("dispatch mirror event", zap.String("topic", ev.Topic), zap.Error(err))
	}
}

var (
	_ dom.Host            = (*PageHost)(nil)
	_ dom.AttributeWriter = (*PageHost)(nil)
	_ dom.LayoutHost      = (*PageHost)(nil)
	_ dom.Snapshotter     = (*PageHost)(nil)
	_ bus.Mirror          = (*PageHost)(nil)
)
