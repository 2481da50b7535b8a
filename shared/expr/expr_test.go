package expr

import "testing"

func TestEvalBoolEmptyIsTrue(t *testing.T) {
	e := New()
	ok, err := e.EvalBool("", nil)
	if err != nil || !ok {
		t.Fatalf("want true, nil; got %v, %v", ok, err)
	}
}

func TestEvalBoolCondition(t *testing.T) {
	e := New()
	env := map[string]any{
		"steps": map[string]any{
			"check": map[string]any{"status": "completed"},
		},
	}
	ok, err := e.EvalBool(`steps.check.status == "completed"`, env)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected condition to be true")
	}
}

func TestEvalBoolUndefinedVariableIsFalse(t *testing.T) {
	e := New()
	ok, err := e.EvalBool(`steps.missing.status == "completed"`, map[string]any{"steps": map[string]any{}})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Fatalf("expected condition referencing an unset step to be false")
	}
}

func TestEvalReturnsCollection(t *testing.T) {
	e := New()
	env := map[string]any{"input": map[string]any{"items": []any{"a", "b", "c"}}}
	out, err := e.Eval("input.items", env)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	items, ok := out.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("want 3-element slice, got %#v", out)
	}
}

func TestCompileCached(t *testing.T) {
	e := New()
	if _, err := e.EvalBool("1 == 1", nil); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("want 1 cached program, got %d", len(e.cache))
	}
	if _, err := e.EvalBool("1 == 1", nil); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("want cache to stay at 1 entry on repeat eval, got %d", len(e.cache))
	}
}
