// Package indexer maintains the semantic map of the observed page: which
// interactive and content-bearing elements exist, what they mean and where
// they are.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/dom"
	"pagepilot/internal/loop"
	"pagepilot/internal/mangle"
	"pagepilot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const rescanKey = "index:rescan"

// FactSink receives derived facts. The mangle engine implements it.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Element is one indexed entry. Box and Visible reflect the last
// measurement; query methods re-read geometry before returning.
type Element struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	Meaning   string    `json:"meaning"`
	Kind      Kind      `json:"kind"`
	Category  string    `json:"category"`
	Box       dom.Rect  `json:"box"`
	Visible   bool      `json:"visible"`
	IndexedAt time.Time `json:"indexed_at"`

	Node *dom.Node `json:"-"`
}

// Stats summarizes the index.
type Stats struct {
	Elements   int  `json:"elements"`
	Keys       int  `json:"keys"`
	Collisions int  `json:"collisions"`
	Scans      int  `json:"scans"`
	Ready      bool `json:"ready"`
}

// Options configures an Indexer.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Facts       FactSink
	Source      dom.Snapshotter
	RescanDelay time.Duration

	// OnScan runs after every scan, once identities are written to the page.
	OnScan func(root *dom.Node)
}

// Indexer owns the element map. It is written from the loop only; reads
// from other goroutines are safe.
type Indexer struct {
	host    dom.Host
	bus     *bus.Bus
	sched   loop.Scheduler
	tasks   *loop.Tasks
	log     *zap.Logger
	metrics *metrics.Metrics
	facts   FactSink
	source  dom.Snapshotter
	delay   time.Duration
	onScan  func(root *dom.Node)

	mu         sync.RWMutex
	root       *dom.Node
	entries    []*Element
	byID       map[string]*Element
	byNode     map[*dom.Node]*Element
	byKey      map[string]*Element
	collisions int
	scans      int
	ready      bool
}

// New creates an indexer over host. Ready is signalled on b after the first
// completed scan.
func New(host dom.Host, b *bus.Bus, sched loop.Scheduler, opts Options) *Indexer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RescanDelay <= 0 {
		opts.RescanDelay = 250 * time.Millisecond
	}
	return &Indexer{
		host:    host,
		bus:     b,
		sched:   sched,
		tasks:   loop.NewTasks(sched),
		log:     opts.Logger.Named("indexer"),
		metrics: opts.Metrics,
		facts:   opts.Facts,
		source:  opts.Source,
		delay:   opts.RescanDelay,
		onScan:  opts.OnScan,
		byID:    make(map[string]*Element),
		byNode:  make(map[*dom.Node]*Element),
		byKey:   make(map[string]*Element),
	}
}

// Scan indexes every element below root that is not yet owned and returns
// the number of new entries. Already-owned elements are skipped, so a
// rescan costs O(new elements) in index writes.
func (ix *Indexer) Scan(root *dom.Node) int {
	if root == nil {
		return 0
	}
	now := ix.sched.Now()

	var added []*Element
	ix.mu.Lock()
	ix.root = root
	root.Walk(func(n *dom.Node) bool {
		kind, ok := ClassifyKind(n)
		if !ok {
			return true
		}
		if ix.adoptLocked(n) {
			return true
		}
		el := ix.buildLocked(n, kind, now)
		ix.entries = append(ix.entries, el)
		ix.byID[el.ID] = el
		ix.byNode[n] = el
		if el.Key != "" {
			if prev, ok := ix.byKey[el.Key]; ok && prev.ID != el.ID {
				ix.collisions++
				ix.metrics.IndexCollision()
				ix.log.Debug("semantic key collision",
					zap.String("key", el.Key),
					zap.String("previous", prev.ID),
					zap.String("current", el.ID))
			}
			ix.byKey[el.Key] = el
		}
		added = append(added, el)
		return true
	})
	ix.scans++
	firstReady := !ix.ready
	ix.ready = true
	total := len(ix.entries)
	ix.mu.Unlock()

	for _, el := range added {
		ix.writeIdentity(el)
	}
	ix.metrics.SetIndexElements(total)
	ix.publish(added)
	if len(added) > 0 {
		ix.log.Debug("scan complete", zap.Int("added", len(added)), zap.Int("total", total))
	}

	if ix.onScan != nil {
		ix.onScan(root)
	}

	if firstReady && ix.bus != nil {
		ix.bus.UpdateState(bus.Patch{IndexReady: bus.Bool(true)})
		ix.bus.Emit(bus.TopicIndexReady, ix.Stats())
	}
	return len(added)
}

// adoptLocked reports whether n is already indexed, refreshing the entry's
// node handle when a new snapshot carries the same identity.
func (ix *Indexer) adoptLocked(n *dom.Node) bool {
	if _, ok := ix.byNode[n]; ok {
		return true
	}
	id := n.Attr(IDAttr)
	if id == "" {
		return false
	}
	el, ok := ix.byID[id]
	if !ok {
		return false
	}
	if el.Node != nil {
		delete(ix.byNode, el.Node)
	}
	el.Node = n
	ix.byNode[n] = el
	return true
}

func (ix *Indexer) buildLocked(n *dom.Node, kind Kind, now time.Time) *Element {
	id := n.Attr(IDAttr)
	if id == "" || ix.byID[id] != nil {
		id = fmt.Sprintf("%s-%s-%d-%s", n.Tag, sanitizeClass(n.Attr("class")), now.UnixMilli(), uuid.NewString()[:8])
	}
	box, _ := ix.host.Rect(n)
	return &Element{
		ID:        id,
		Key:       ResolveKey(n),
		Meaning:   ResolveMeaning(n),
		Kind:      kind,
		Category:  Category(n),
		Box:       box,
		Visible:   Visible(n, box),
		IndexedAt: now,
		Node:      n,
	}
}

func (ix *Indexer) writeIdentity(el *Element) {
	if el.Node.Attr(IDAttr) == el.ID {
		return
	}
	if w, ok := ix.host.(dom.AttributeWriter); ok {
		if err := w.SetAttribute(el.Node, IDAttr, el.ID); err != nil {
			ix.log.Warn("write identity", zap.String("id", el.ID), zap.Error(err))
		}
		return
	}
	el.Node.SetAttr(IDAttr, el.ID)
}

func (ix *Indexer) publish(els []*Element) {
	if ix.facts == nil || len(els) == 0 {
		return
	}
	now := ix.sched.Now()
	facts := make([]mangle.Fact, 0, len(els))
	for _, el := range els {
		facts = append(facts, mangle.Fact{
			Predicate: "indexed_element",
			Args:      []interface{}{el.ID, el.Key, string(el.Kind), el.Category, el.Visible},
			Timestamp: now,
		})
	}
	if err := ix.facts.AddFacts(context.Background(), facts); err != nil {
		ix.log.Warn("publish index facts", zap.Error(err))
	}
}

// NotifyMutation schedules one debounced rescan; bursts of insertions
// collapse into a single pass.
func (ix *Indexer) NotifyMutation() {
	ix.tasks.Schedule(rescanKey, ix.delay, ix.rescan)
}

// RescanPending reports whether a debounced rescan is waiting.
func (ix *Indexer) RescanPending() bool { return ix.tasks.Pending(rescanKey) }

func (ix *Indexer) rescan() {
	root := ix.currentRoot()
	if ix.source != nil {
		snap, err := ix.source.Snapshot()
		if err != nil {
			ix.log.Warn("snapshot for rescan", zap.Error(err))
			return
		}
		root = snap
	}
	ix.Scan(root)
}

// Rescan runs a scan immediately from the configured source or the last
// scanned root.
func (ix *Indexer) Rescan() int {
	ix.tasks.Cancel(rescanKey)
	before := ix.Len()
	ix.rescan()
	return ix.Len() - before
}

func (ix *Indexer) currentRoot() *dom.Node {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.root
}

// Refresh re-measures every cached box and visibility flag.
func (ix *Indexer) Refresh() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, el := range ix.entries {
		ix.measureLocked(el)
	}
	return len(ix.entries)
}

func (ix *Indexer) measureLocked(el *Element) {
	box, ok := ix.host.Rect(el.Node)
	if !ok {
		el.Box = dom.Rect{}
		el.Visible = false
		return
	}
	el.Box = box
	el.Visible = Visible(el.Node, box)
}

// fresh returns a copy of el with geometry re-read from the host.
func (ix *Indexer) fresh(el *Element) Element {
	ix.measureLocked(el)
	return *el
}

// FindBySemanticName returns the most recently indexed element whose key
// equals Slugify(name).
func (ix *Indexer) FindBySemanticName(name string) (Element, bool) {
	key := Slugify(name)
	if key == "" {
		return Element{}, false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	el, ok := ix.byKey[key]
	if !ok {
		return Element{}, false
	}
	return ix.fresh(el), true
}

// FindByID returns the element with the given identity.
func (ix *Indexer) FindByID(id string) (Element, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	el, ok := ix.byID[id]
	if !ok {
		return Element{}, false
	}
	return ix.fresh(el), true
}

// FindByKind returns every element of kind in indexing order.
func (ix *Indexer) FindByKind(kind Kind) []Element {
	return ix.filter(func(el *Element) bool { return el.Kind == kind })
}

// FindByCategory returns every element tagged with category.
func (ix *Indexer) FindByCategory(category string) []Element {
	return ix.filter(func(el *Element) bool { return el.Category == category })
}

// Entries returns every element in indexing order.
func (ix *Indexer) Entries() []Element {
	return ix.filter(func(*Element) bool { return true })
}

func (ix *Indexer) filter(keep func(*Element) bool) []Element {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Element
	for _, el := range ix.entries {
		if keep(el) {
			out = append(out, ix.fresh(el))
		}
	}
	return out
}

// Nearest returns the visible element whose centroid is closest to (x, y),
// optionally restricted to kind. Ties keep the earlier-indexed element.
func (ix *Indexer) Nearest(x, y float64, kind Kind) (Element, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var (
		best     *Element
		bestDist float64
	)
	for _, el := range ix.entries {
		if kind != "" && el.Kind != kind {
			continue
		}
		ix.measureLocked(el)
		if !el.Visible {
			continue
		}
		d := el.Box.DistanceTo(x, y)
		if best == nil || d < bestDist {
			best, bestDist = el, d
		}
	}
	if best == nil {
		return Element{}, false
	}
	return *best, true
}

// Keys returns every semantic key currently held, sorted.
func (ix *Indexer) Keys() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := make([]string, 0, len(ix.byKey))
	for k := range ix.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of indexed elements.
func (ix *Indexer) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Ready reports whether a scan has completed.
func (ix *Indexer) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ready
}

// Stats returns index counters.
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		Elements:   len(ix.entries),
		Keys:       len(ix.byKey),
		Collisions: ix.collisions,
		Scans:      ix.scans,
		Ready:      ix.ready,
	}
}
