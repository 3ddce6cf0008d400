package bridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJsEngine_Evaluate(t *testing.T) {
	cfg := mustTuple(t, mustNamed(t, "host", "db"), mustNamed(t, "port", 5432))
	tests := []struct {
		name string
		src  string
		want Value
	}{
		{"integer", "1 + 2", Integer(3)},
		{"float", "1 / 4", Float(0.25)},
		{"string", `"a" + "b"`, String("ab")},
		{"null", "null", Null()},
		{"undefined", "undefined", Undefined()},
		{"array", "[1, 2, 3]", mustTuple(t, 1, 2, 3)},
		{"object", "({b: 'x', a: 1})", mustTuple(t, mustNamed(t, "a", 1), mustNamed(t, "b", "x"))},
		{"binding", `cfg.host + ":" + cfg.port`, String("db:5432")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := EvaluateOrFail(context.Background(), tt.src,
				WithDialect(TypeEngineJs), WithBindings(mustNamed(t, "cfg", cfg)))
			if err != nil {
				t.Fatal(err)
			}
			if !v.Equal(tt.want) || v.Kind() != tt.want.Kind() {
				t.Errorf("got %s, want %s", v.Repr(), tt.want.Repr())
			}
		})
	}
}

func TestJsEngine_Callables(t *testing.T) {
	add, _ := WrapFunction(mustTuple(t, "a", "b"), "add(a, b)", addFunc)
	var runs int32
	co := suspendOnce(t, &runs)
	hostErr := errors.New("denied")
	deny, _ := WrapFunction(Undefined(), "deny()", func(context.Context, Call) (any, error) {
		return nil, hostErr
	})
	opts := []EvalOption{
		WithDialect(TypeEngineJs),
		WithBindings(mustNamed(t, "add", add), mustNamed(t, "co", co)),
		WithModule("util", mustNamed(t, "deny", deny)),
	}

	v, err := EvaluateOrFail(context.Background(), "add(40, 2)", opts...)
	if err != nil || !v.Equal(Integer(42)) {
		t.Errorf("add = %s, %v", v.Repr(), err)
	}
	v, err = EvaluateOrFail(context.Background(), "co()", opts...)
	if err != nil || !v.Equal(String("done")) {
		t.Errorf("co = %s, %v", v.Repr(), err)
	}
	_, err = EvaluateOrFail(context.Background(), "util.deny()", opts...)
	if !errors.Is(err, hostErr) {
		t.Errorf("deny = %v", err)
	}
	v, err = EvaluateOrFail(context.Background(), "util.name", opts...)
	if err != nil || !v.Equal(String("util")) {
		t.Errorf("module name = %s, %v", v.Repr(), err)
	}
}

func TestJsEngine_Failures(t *testing.T) {
	out, err := Evaluate(context.Background(), "throw new Error('bad')", WithDialect(TypeEngineJs))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Failed {
		t.Error("throw did not fail the evaluation")
	}

	_, err = EvaluateOrFail(context.Background(), "function (", WithDialect(TypeEngineJs))
	var rt *RuntimeError
	if !errors.As(err, &rt) {
		t.Errorf("syntax error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Evaluate(ctx, "while (true) {}", WithDialect(TypeEngineJs)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("busy loop: %v", err)
	}
}

func TestJsEngine_Session(t *testing.T) {
	s, err := NewSession(WithDialect(TypeEngineJs))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if _, err := s.Run(ctx, "function mul(a, b) { return a * b }"); err != nil {
		t.Fatal(err)
	}
	if !s.IsFunction("mul") || s.IsFunction("div") {
		t.Fatal("IsFunction misreports globals")
	}
	out, err := s.Call(ctx, "mul", 6, 7)
	if err != nil || out.Failed || !out.Value.Equal(Integer(42)) {
		t.Errorf("mul = %s, %v", out.Value.Repr(), err)
	}
	out, _ = s.Call(ctx, "div", 1, 2)
	if !out.Failed {
		t.Error("calling a missing function succeeded")
	}
}
