package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pagepilot/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	e, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !e.Ready() {
		t.Fatal("engine not ready after loading the builtin schema")
	}
	return e
}

func indexed(id, key, kind, category string, visible bool) Fact {
	return Fact{
		Predicate: "indexed_element",
		Args:      []interface{}{id, key, kind, category, visible},
		Timestamp: time.Now(),
	}
}

func TestDisabledEngineIsInert(t *testing.T) {
	e, err := NewEngine(config.MangleConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.AddFacts(context.Background(), []Fact{indexed("a", "email", "input", "form", true)}); err != nil {
		t.Fatalf("AddFacts on disabled engine: %v", err)
	}
	if n := len(e.Facts()); n != 0 {
		t.Fatalf("disabled engine buffered %d facts", n)
	}
	if _, err := e.Query(context.Background(), "visible_element(Id, Key)."); err == nil {
		t.Fatal("expected query on disabled engine to fail")
	}
}

func TestBuiltinSchemaDerivesViews(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		indexed("input-1", "email", "input", "form", true),
		indexed("input-2", "hidden-token", "input", "form", false),
		indexed("button-1", "buy-now", "button", "cta", true),
		indexed("h-1", "welcome", "heading", "general", true),
	}
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	visible, err := e.Evaluate(ctx, "visible_element")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(visible) != 3 {
		t.Fatalf("expected 3 visible elements, got %d: %+v", len(visible), visible)
	}

	fields, err := e.Query(ctx, "form_field(Id, Key).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(fields) != 1 || fields[0]["Key"] != "email" {
		t.Fatalf("form_field = %+v", fields)
	}

	cta, err := e.Query(ctx, "call_to_action(Id, _).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(cta) != 1 || cta[0]["Id"] != "button-1" {
		t.Fatalf("call_to_action = %+v", cta)
	}
	if _, bound := cta[0]["_"]; bound {
		t.Fatal("wildcard must not be bound")
	}
}

func TestIntentAndCommandViews(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()
	now := time.Now()

	facts := []Fact{
		{Predicate: "field_intent", Args: []interface{}{"search", "price", false}, Timestamp: now},
		{Predicate: "field_intent", Args: []interface{}{"search", "none", true}, Timestamp: now},
		{Predicate: "field_intent", Args: []interface{}{"message", "shipping", true}, Timestamp: now},
		{Predicate: "command_executed", Args: []interface{}{1, "highlight", "#missing", "skipped"}, Timestamp: now},
		{Predicate: "command_executed", Args: []interface{}{2, "tooltip", "#cta", "ok"}, Timestamp: now},
	}
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	interested, err := e.Query(ctx, "interested_in(Field, Topic).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(interested) != 2 {
		t.Fatalf("interested_in = %+v", interested)
	}

	committed, err := e.Query(ctx, `committed_intent(Field, "shipping").`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(committed) != 1 || committed[0]["Field"] != "message" {
		t.Fatalf("committed_intent = %+v", committed)
	}

	skipped, err := e.Query(ctx, "skipped_target(T).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(skipped) != 1 || skipped[0]["T"] != "#missing" {
		t.Fatalf("skipped_target = %+v", skipped)
	}
}

func TestAddRuleExtendsProgram(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()

	if err := e.AddRule(`price_shopper(F) :- interested_in(F, "price").`); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := e.AddFacts(ctx, []Fact{{Predicate: "field_intent", Args: []interface{}{"q", "price", false}, Timestamp: time.Now()}}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	got, err := e.Query(ctx, "price_shopper(F).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0]["F"] != "q" {
		t.Fatalf("price_shopper = %+v", got)
	}

	if err := e.AddRule("invalid rule syntax $$"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBufferLimitAndIndex(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f := Fact{Predicate: "command_executed", Args: []interface{}{i, "scroll", "#x", "ok"}, Timestamp: time.Now()}
		if err := e.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}
	buf := e.Facts()
	if len(buf) != 4 {
		t.Fatalf("expected buffer of 4, got %d", len(buf))
	}
	if first := buf[0].Args[0]; first != 2 {
		t.Fatalf("oldest kept fact = %v, want 2", first)
	}
	if n := len(e.FactsByPredicate("command_executed")); n != 4 {
		t.Fatalf("index holds %d facts after trim", n)
	}
}

func TestSamplingOnlyTouchesIndexedElements(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := e.AddFacts(ctx, []Fact{{Predicate: "field_intent", Args: []interface{}{"f", "none", false}, Timestamp: time.Now()}}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}
	if rate := e.SamplingRate(); rate >= 1.0 {
		t.Fatalf("expected reduced sampling rate under pressure, got %v", rate)
	}
	if !e.accept(Fact{Predicate: "command_executed"}) {
		t.Fatal("command facts must never be sampled")
	}
}

func TestQueryTemporalWindow(t *testing.T) {
	e := newTestEngine(t, 100)
	now := time.Now()
	past := now.Add(-5 * time.Second)

	facts := []Fact{
		{Predicate: "field_intent", Args: []interface{}{"a", "price", false}, Timestamp: past},
		{Predicate: "field_intent", Args: []interface{}{"a", "price", true}, Timestamp: now},
	}
	if err := e.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	if n := len(e.QueryTemporal("field_intent", now.Add(-3*time.Second), time.Time{})); n != 1 {
		t.Fatalf("expected 1 recent fact, got %d", n)
	}
	if n := len(e.QueryTemporal("field_intent", time.Time{}, time.Time{})); n != 2 {
		t.Fatalf("expected 2 facts, got %d", n)
	}
}

func TestLoadSchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.mg")
	src := "Decl field_intent(Field, Topic, Final).\nshipping_question(F) :- field_intent(F, \"shipping\", _).\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path, FactBufferLimit: 10}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.AddFacts(context.Background(), []Fact{{Predicate: "field_intent", Args: []interface{}{"m", "shipping", true}}}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	got, err := e.Evaluate(context.Background(), "shipping_question")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(got) != 1 || got[0].Args[0] != "m" {
		t.Fatalf("shipping_question = %+v", got)
	}

	if _, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: filepath.Join(t.TempDir(), "missing.mg")}, nil); err == nil {
		t.Fatal("expected error for missing schema")
	}
}

func TestBuiltinCanBeDisabled(t *testing.T) {
	e, err := NewEngine(config.MangleConfig{Enable: true, DisableBuiltin: true}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if e.Ready() {
		t.Fatal("engine without a program should not be ready")
	}
	if err := e.AddRule("Decl field_intent(Field, Topic, Final).\nseen(F) :- field_intent(F, _, _)."); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if !e.Ready() {
		t.Fatal("first rule should make the engine ready")
	}
}
