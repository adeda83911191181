// Package input watches editable fields, debounces what the user types and
// turns it into distilled intents for local listeners and the decision
// service.
package input

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/config"
	"pagepilot/internal/decision"
	"pagepilot/internal/dom"
	"pagepilot/internal/indexer"
	"pagepilot/internal/loop"
	"pagepilot/internal/mangle"
	"pagepilot/internal/metrics"

	"go.uber.org/zap"
)

const reattachKey = "input:reattach"

// shortKeywordLen is the length under which a keyword must match a whole
// token rather than a substring ("pin" must not match "shipping").
const shortKeywordLen = 4

// Intent is the payload of input:intent.
type Intent struct {
	FieldID  string            `json:"field_id"`
	Field    string            `json:"field"`
	Value    string            `json:"value"`
	Concepts decision.Concepts `json:"concepts"`
	Final    bool              `json:"final"`
	At       time.Time         `json:"at"`
}

// Options configures an Observer.
type Options struct {
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Forwarder         decision.Forwarder
	Facts             indexer.FactSink
	Source            dom.Snapshotter
	Debounce          time.Duration
	MinLength         int
	SensitiveKeywords []string
	ReattachDelay     time.Duration
}

type field struct {
	id   string
	name string
	node *dom.Node
}

type buffer struct {
	field   *field
	value   string
	updated time.Time
}

// Observer owns the attached-field set and the per-field buffers. Handle*
// methods must run on the loop.
type Observer struct {
	bus     *bus.Bus
	sched   loop.Scheduler
	tasks   *loop.Tasks
	log     *zap.Logger
	metrics *metrics.Metrics
	fwd     decision.Forwarder
	facts   indexer.FactSink
	source  dom.Snapshotter

	debounce  time.Duration
	minLength int
	keywords  []string
	reattach  time.Duration

	mu      sync.RWMutex
	root    *dom.Node
	fields  map[string]*field
	buffers map[string]*buffer
}

// New creates an observer publishing on b.
func New(b *bus.Bus, sched loop.Scheduler, opts Options) *Observer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 800 * time.Millisecond
	}
	if opts.MinLength <= 0 {
		opts.MinLength = 3
	}
	if opts.SensitiveKeywords == nil {
		opts.SensitiveKeywords = config.DefaultSensitiveKeywords()
	}
	if opts.ReattachDelay <= 0 {
		opts.ReattachDelay = 250 * time.Millisecond
	}
	keywords := make([]string, 0, len(opts.SensitiveKeywords))
	for _, k := range opts.SensitiveKeywords {
		if k = indexer.Slugify(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Observer{
		bus:       b,
		sched:     sched,
		tasks:     loop.NewTasks(sched),
		log:       opts.Logger.Named("input"),
		metrics:   opts.Metrics,
		fwd:       opts.Forwarder,
		facts:     opts.Facts,
		source:    opts.Source,
		debounce:  opts.Debounce,
		minLength: opts.MinLength,
		keywords:  keywords,
		reattach:  opts.ReattachDelay,
		fields:    make(map[string]*field),
		buffers:   make(map[string]*buffer),
	}
}

// Attach walks root and attaches to every editable, non-sensitive field not
// attached yet. It returns the new field ids.
func (o *Observer) Attach(root *dom.Node) []string {
	if root == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.root = root

	var added []string
	root.Walk(func(n *dom.Node) bool {
		if !editable(n) {
			return true
		}
		if o.Sensitive(n) {
			return true
		}
		id := FieldID(n)
		if f, ok := o.fields[id]; ok {
			f.node = n
			return true
		}
		name := indexer.ResolveKey(n)
		if name == "" {
			name = id
		}
		o.fields[id] = &field{id: id, name: name, node: n}
		added = append(added, id)
		return true
	})
	if len(added) > 0 {
		o.log.Debug("attached fields", zap.Strings("fields", added))
	}
	return added
}

// NotifyMutation schedules one debounced re-attachment pass. When an indexer
// is present, attach from its OnScan hook instead so fields are keyed by the
// identity it writes.
func (o *Observer) NotifyMutation() {
	o.tasks.Schedule(reattachKey, o.reattach, func() {
		root := o.currentRoot()
		if o.source != nil {
			snap, err := o.source.Snapshot()
			if err != nil {
				o.log.Warn("snapshot for reattach", zap.Error(err))
				return
			}
			root = snap
		}
		o.Attach(root)
	})
}

func (o *Observer) currentRoot() *dom.Node {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.root
}

// FieldID returns the identity used for a field: the indexer identity, the
// element id, or the host ref.
func FieldID(n *dom.Node) string {
	if id := n.Attr(indexer.IDAttr); id != "" {
		return id
	}
	if id := n.Attr("id"); id != "" {
		return id
	}
	return "ref-" + n.Ref
}

func editable(n *dom.Node) bool {
	switch n.Tag {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(n.Attr("type")) {
		case "", "text", "search", "email", "tel", "url", "number", "password", "hidden":
			// password and hidden are rejected by Sensitive.
			return true
		}
		return false
	}
	ce, ok := n.Attrs["contenteditable"]
	return ok && !strings.EqualFold(ce, "false")
}

// Sensitive reports whether n must never be observed: secret-entry or
// hidden type, an opt-out marker, or a blocklisted keyword in its name, id,
// placeholder or autocomplete hint.
func (o *Observer) Sensitive(n *dom.Node) bool {
	switch strings.ToLower(n.Attr("type")) {
	case "password", "hidden":
		return true
	}
	for _, marker := range []string{"data-ai-ignore", "data-private"} {
		if v, ok := n.Attrs[marker]; ok && !strings.EqualFold(v, "false") {
			return true
		}
	}
	ac := strings.ToLower(n.Attr("autocomplete"))
	if strings.HasPrefix(ac, "cc-") || strings.Contains(ac, "password") || ac == "one-time-code" {
		return true
	}
	for _, attr := range []string{"name", "id", "placeholder", "autocomplete"} {
		if o.matchesKeyword(n.Attr(attr)) {
			return true
		}
	}
	return false
}

func (o *Observer) matchesKeyword(v string) bool {
	slug := indexer.Slugify(v)
	if slug == "" {
		return false
	}
	tokens := strings.FieldsFunc(slug, func(r rune) bool { return r == '_' || r == '-' })
	for _, k := range o.keywords {
		if len([]rune(k)) >= shortKeywordLen || strings.ContainsRune(k, '_') {
			if strings.Contains(slug, k) {
				return true
			}
			continue
		}
		for _, t := range tokens {
			if t == k {
				return true
			}
		}
	}
	return false
}

// HandleFocus opens a buffer for an attached field.
func (o *Observer) HandleFocus(id string) {
	f := o.field(id)
	if f == nil {
		return
	}
	o.mu.Lock()
	if _, ok := o.buffers[id]; !ok {
		o.buffers[id] = &buffer{field: f, value: f.node.Attr("value"), updated: o.sched.Now()}
	}
	o.mu.Unlock()
}

// HandleInput records a content change and (re)starts the field's debounce
// timer when the trimmed value is long enough. Unattached ids are ignored.
func (o *Observer) HandleInput(id, value string) {
	f := o.field(id)
	if f == nil {
		return
	}
	o.mu.Lock()
	b, ok := o.buffers[id]
	if !ok {
		b = &buffer{field: f}
		o.buffers[id] = b
	}
	b.value = value
	b.updated = o.sched.Now()
	o.mu.Unlock()

	key := timerKey(id)
	if !o.qualifies(value) {
		o.tasks.Cancel(key)
		return
	}
	o.tasks.Schedule(key, o.debounce, func() { o.analyze(id, false) })
}

// HandleBlur forces one final analysis when the buffer qualifies, then
// discards the buffer and its timer.
func (o *Observer) HandleBlur(id string) {
	o.tasks.Cancel(timerKey(id))
	o.mu.RLock()
	b, ok := o.buffers[id]
	o.mu.RUnlock()
	if !ok {
		return
	}
	if o.qualifies(b.value) {
		o.analyze(id, true)
	}
	o.mu.Lock()
	delete(o.buffers, id)
	o.mu.Unlock()
}

func (o *Observer) qualifies(value string) bool {
	return len([]rune(strings.TrimSpace(value))) >= o.minLength
}

func (o *Observer) field(id string) *field {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fields[id]
}

func timerKey(id string) string { return "input:" + id }

func (o *Observer) analyze(id string, final bool) {
	o.mu.RLock()
	b, ok := o.buffers[id]
	var value, name string
	if ok {
		value, name = b.value, b.field.name
	}
	o.mu.RUnlock()
	if !ok {
		return
	}

	now := o.sched.Now()
	intent := Intent{
		FieldID:  id,
		Field:    name,
		Value:    value,
		Concepts: Extract(value),
		Final:    final,
		At:       now,
	}
	o.metrics.InputAnalysis(final)

	if o.bus != nil {
		o.bus.UpdateState(bus.Patch{Input: &bus.InputSnapshot{
			FieldID:   id,
			Field:     name,
			Value:     value,
			UpdatedAt: now,
		}})
		o.bus.Emit(bus.TopicInputIntent, intent)
	}
	o.publish(intent)

	if o.fwd != nil {
		obs := decision.Observation{
			FieldID:  id,
			Field:    name,
			Value:    value,
			Concepts: intent.Concepts,
			Final:    final,
			At:       now,
		}
		if err := o.fwd.Forward(context.Background(), obs); err != nil {
			o.log.Warn("forward observation", zap.String("field", name), zap.Error(err))
		}
	}
}

func (o *Observer) publish(in Intent) {
	if o.facts == nil {
		return
	}
	topics := in.Concepts.Topics
	if len(topics) == 0 {
		topics = []string{"none"}
	}
	facts := make([]mangle.Fact, 0, len(topics))
	for _, t := range topics {
		facts = append(facts, mangle.Fact{
			Predicate: "field_intent",
			Args:      []interface{}{in.Field, t, in.Final},
			Timestamp: in.At,
		})
	}
	if err := o.facts.AddFacts(context.Background(), facts); err != nil {
		o.log.Warn("publish intent facts", zap.Error(err))
	}
}

// Fields returns the attached field ids, sorted.
func (o *Observer) Fields() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.fields))
	for id := range o.fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attached reports whether id is an observed field.
func (o *Observer) Attached(id string) bool { return o.field(id) != nil }

// Buffered reports whether id currently has an open buffer.
func (o *Observer) Buffered(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.buffers[id]
	return ok
}

// Pending reports whether id has a debounce timer waiting.
func (o *Observer) Pending(id string) bool { return o.tasks.Pending(timerKey(id)) }
