// Package mangle keeps the facts the assistant publishes (indexed elements,
// field intents, executed commands) in an embedded Mangle deductive database
// and answers queries over them.
package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"pagepilot/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed assistant.mg
var builtinSchema []byte

// Fact is one published record.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// sampledPredicates are dropped probabilistically once the buffer is under
// pressure. Everything else is always kept.
var sampledPredicates = map[string]bool{
	"indexed_element": true,
}

// Engine wraps the Mangle store with a bounded, time-ordered fact buffer.
type Engine struct {
	cfg config.MangleConfig
	log *zap.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	facts        []Fact
	index        map[string][]int
	samplingRate float64
}

// NewEngine creates an engine. With Enable set it loads cfg.SchemaPath, or
// the built-in assistant schema when no path is given and builtin rules are
// not disabled.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:          cfg,
		log:          logger.Named("mangle"),
		facts:        make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:        make(map[string][]int),
		store:        factstore.NewSimpleInMemoryStore(),
		samplingRate: 1.0,
	}
	if !cfg.Enable {
		return e, nil
	}

	switch {
	case cfg.SchemaPath != "":
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	case !cfg.DisableBuiltin:
		if err := e.loadSource(builtinSchema); err != nil {
			return nil, fmt.Errorf("builtin schema: %w", err)
		}
	}
	return e, nil
}

// LoadSchema parses and analyzes a schema file, replacing the current program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.loadSource(data)
}

func (e *Engine) loadSource(src []byte) error {
	unit, err := parse.Unit(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.schemaLoaded = true
	return nil
}

// AddRule analyzes ruleSource together with the current program and makes
// its rules part of every later evaluation.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for sym, decl := range e.programInfo.Decls {
			if decl != nil {
				known[sym] = *decl
			}
		}
	}
	info, err := analysis.AnalyzeOneUnit(unit, known)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = info
		e.schemaLoaded = true
		return nil
	}
	for sym, decl := range info.Decls {
		e.programInfo.Decls[sym] = decl
	}
	for sym, v := range info.IdbPredicates {
		e.programInfo.IdbPredicates[sym] = v
	}
	e.programInfo.Rules = append(e.programInfo.Rules, info.Rules...)
	return nil
}

// AddFacts buffers facts, stores them and re-evaluates the program.
func (e *Engine) AddFacts(_ context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()
	kept := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.accept(f) {
			kept = append(kept, f)
		}
	}

	base := len(e.facts)
	e.facts = append(e.facts, kept...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
	} else {
		for i, f := range kept {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range kept {
		e.store.Add(toAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program: %w", err)
		}
	}
	return nil
}

func (e *Engine) updateSamplingRate() {
	limit := e.cfg.FactBufferLimit
	if limit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(limit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) accept(f Fact) bool {
	if !sampledPredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current acceptance rate for sampled predicates.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Query answers a single atom such as `visible_element(Id, "email")`,
// binding every variable argument. When the store has nothing for the
// predicate the raw buffer is searched instead.
func (e *Engine) Query(_ context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() {
		return nil, fmt.Errorf("engine not ready")
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(got ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(got.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				row[v.Symbol] = fromTerm(got.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if len(results) == 0 {
		results = e.searchBuffer(atom.Predicate.Symbol, atom.Args)
	}
	return results, nil
}

func (e *Engine) searchBuffer(predicate string, args []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if len(f.Args) < len(args) {
			continue
		}
		row := make(QueryResult)
		match := true
		for i, arg := range args {
			switch term := arg.(type) {
			case ast.Variable:
				if term.Symbol != "_" {
					row[term.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprint(fromTerm(toConstant(f.Args[i]))) != fmt.Sprint(fromTerm(term)) {
					match = false
				}
			}
			if !match {
				break
			}
		}
		if match {
			results = append(results, row)
		}
	}
	return results
}

// Evaluate runs the program and returns every fact held for predicate,
// derived or published.
func (e *Engine) Evaluate(_ context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || e.programInfo == nil {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		for _, idx := range e.index[predicate] {
			arity = len(e.facts[idx].Args)
			break
		}
	}
	if arity < 0 {
		return []Fact{}, nil
	}

	now := time.Now()
	out := make([]Fact, 0)
	err := e.store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: predicate, Arity: arity}), func(a ast.Atom) error {
		args := make([]interface{}, len(a.Args))
		for i, t := range a.Args {
			args[i] = fromTerm(t)
		}
		out = append(out, Fact{Predicate: predicate, Args: args, Timestamp: now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// QueryTemporal returns buffered facts for predicate strictly inside the
// window. A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// FactsByPredicate returns buffered facts for predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	idxs := e.index[predicate]
	out := make([]Fact, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enable && e.schemaLoaded
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, a := range f.Args {
		args[i] = toConstant(a)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(args)}, Args: args}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int32:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case uint64:
		return ast.Number(int64(val))
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.TrueConstant
		}
		return ast.FalseConstant
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		if v, ok := t.(ast.Variable); ok {
			return v.Symbol
		}
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		s, _ := c.StringValue()
		return s
	case ast.NumberType:
		if n, err := c.NumberValue(); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	case ast.NameType:
		switch c.Symbol {
		case "/true":
			return true
		case "/false":
			return false
		}
	}
	return c.String()
}
