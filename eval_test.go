package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want Value
	}{
		{"integer", "return 1 + 2", Integer(3)},
		{"float", "return 1 / 4", Float(0.25)},
		{"string", `return "a" .. "b"`, String("ab")},
		{"nothing", "local x = 1", Null()},
		{"multiple results", "return 1, true", mustTuple(t, 1, true)},
		{"array table", "return {1, 2, 3}", mustTuple(t, 1, 2, 3)},
		{"record table", "return {b = 2, a = 1}", mustTuple(t, mustNamed(t, "a", 1), mustNamed(t, "b", 2))},
		{"helpers", `return tuple(pair(1, 2), range(0, 3), bytes("x"))`, mustTuple(t, mustPair(t, 1, 2), Range(0, 3), Bytes([]byte("x")))},
		{"bit module", `local bit = require("bit"); return bit.bor(1, 6)`, Integer(7)},
		{"scheduler ticks", "coroutine.yield(); coroutine.yield(); return 5", Integer(5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Evaluate(context.Background(), tt.src)
			if err != nil {
				t.Fatal(err)
			}
			if out.Failed {
				t.Fatalf("engine failed: %s", out.Value.String())
			}
			if !out.Value.Equal(tt.want) || out.Value.Kind() != tt.want.Kind() {
				t.Errorf("got %s, want %s", out.Value.Repr(), tt.want.Repr())
			}
		})
	}
}

func mustPair(t *testing.T, k, v any) Value {
	t.Helper()
	p, err := Pair(k, v)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type counter struct{ n int }

func TestEvaluate_CustomRoundTrip(t *testing.T) {
	fn := func() int { return 1 }
	tests := []struct {
		name string
		obj  any
	}{
		{"integer", 5},
		{"string", "s"},
		{"bool", true},
		{"func", fn},
		{"pointer", &counter{n: 1}},
		{"struct", counter{n: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := Custom(tt.obj)
			v, err := EvaluateOrFail(context.Background(), "return x", WithBindings(mustNamed(t, "x", x)))
			if err != nil {
				t.Fatal(err)
			}
			if !v.IsCustom() || !v.Equal(x) {
				t.Errorf("got %s, want %s", v.Repr(), x.Repr())
			}
		})
	}
}

func TestEvaluate_Bindings(t *testing.T) {
	cfg := mustTuple(t, mustNamed(t, "host", "db"), mustNamed(t, "ports", mustTuple(t, 5432, 5433)))
	src := `return cfg.host .. ":" .. cfg.ports[2] .. " " .. #cfg.ports`
	v, err := EvaluateOrFail(context.Background(), src, WithBindings(mustNamed(t, "cfg", cfg)))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("db:5433 2")) {
		t.Errorf("got %s", v.Repr())
	}
}

func TestEvaluate_ImmutableInScript(t *testing.T) {
	out, err := Evaluate(context.Background(), `t.x = 1`, WithBindings(mustNamed(t, "t", mustTuple(t, 1))))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Failed {
		t.Fatal("assignment to a Tuple succeeded")
	}
}

func TestEvaluate_InvalidBindings(t *testing.T) {
	_, err := Evaluate(context.Background(), "return 1",
		WithBindings(Integer(1), mustPair(t, "p", 2), mustNamed(t, "ok", 3)))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("got %v, want type mismatch", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("reported %d errors, want 2: %v", n, err)
	}

	_, err = Evaluate(context.Background(), "return 1", WithModule("m", String("x")))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("invalid module member: %v", err)
	}
}

func TestEvaluate_UnknownDialect(t *testing.T) {
	if _, err := Evaluate(context.Background(), "1", WithDialect("cobol")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v", err)
	}
}

func TestEvaluateOrFail_Malformed(t *testing.T) {
	_, err := EvaluateOrFail(context.Background(), "return (")
	var rt *RuntimeError
	if !errors.As(err, &rt) {
		t.Fatalf("got %v, want RuntimeError", err)
	}
	if rt.Value.TypeName() == "" {
		t.Error("engine error value has no type name")
	}
	if rt.Error() == "" {
		t.Error("empty error message")
	}
}

func TestEvaluate_ScriptError(t *testing.T) {
	out, err := Evaluate(context.Background(), `error({code = 7})`)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Failed {
		t.Fatal("error() did not fail the evaluation")
	}
	code, ok := out.Value.Lookup("code")
	if !ok || !code.Equal(Integer(7)) {
		t.Errorf("error value = %s", out.Value.Repr())
	}

	pair := out.Pair()
	ok2, _ := pair.Key()
	if ok2.Equal(Boolean(true)) {
		t.Error("failed outcome reported success")
	}
}

func TestEvaluate_Module(t *testing.T) {
	double, _ := WrapFunction(mustTuple(t, "x"), "double(x)", func(_ context.Context, call Call) (any, error) {
		x, _ := call.Args.Lookup("x")
		return x.Mul(2)
	})
	src := `local m = require("calc"); return m.double(21), m.name, m.pi`
	v, err := EvaluateOrFail(context.Background(), src,
		WithModule("calc", mustNamed(t, "double", double), mustNamed(t, "pi", 3.5)))
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTuple(t, 42, "calc", 3.5); !v.Equal(want) {
		t.Errorf("got %s, want %s", v.Repr(), want.Repr())
	}
}

func TestEvaluate_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Evaluate(ctx, "while true do coroutine.yield() end")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Evaluate(ctx, "while true do end")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("busy loop: got %v, want deadline exceeded", err)
	}
}

func TestEvaluate_WorkDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.lua"), []byte(`return { hello = function(n) return "hi " .. n end }`), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := EvaluateOrFail(context.Background(), `return require("greet").hello("bob")`, WithWorkDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("hi bob")) {
		t.Errorf("got %s", v.Repr())
	}
}

func TestEvaluate_Isolation(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _ := Named("x", i)
			v, err := EvaluateOrFail(context.Background(), "for i = 1, 3 do coroutine.yield() end; y = x; return y * 2", WithBindings(n))
			if err != nil {
				errs <- err
				return
			}
			if !v.Equal(Integer(int64(2 * i))) {
				errs <- fmt.Errorf("evaluation %d saw %s", i, v.Repr())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	out, err := Evaluate(context.Background(), "return y")
	if err != nil || !out.Value.IsNull() {
		t.Errorf("global leaked into a fresh evaluation: %s, %v", out.Value.Repr(), err)
	}
}

func TestSession(t *testing.T) {
	s, err := NewSession(WithBindings(mustNamed(t, "base", 10)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Run(ctx, `function add(a, b) return base + a + b end`); err != nil {
		t.Fatal(err)
	}
	if !s.IsFunction("add") || s.IsFunction("base") {
		t.Fatal("IsFunction misreports globals")
	}
	out, err := s.Call(ctx, "add", 1, 2)
	if err != nil || out.Failed {
		t.Fatalf("Call = %s, %v", out.Value.Repr(), err)
	}
	if !out.Value.Equal(Integer(13)) {
		t.Errorf("add(1, 2) = %s", out.Value.Repr())
	}

	if err := s.Bind(mustNamed(t, "base", 0)); err != nil {
		t.Fatal(err)
	}
	out, _ = s.Call(ctx, "add", 1, 2)
	if !out.Value.Equal(Integer(3)) {
		t.Errorf("after rebinding add(1, 2) = %s", out.Value.Repr())
	}

	out, _ = s.Call(ctx, "missing")
	if !out.Failed {
		t.Error("calling a missing function succeeded")
	}

	s.Close()
	if _, err := s.Run(ctx, "return 1"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Run after Close: %v", err)
	}
}

func TestSession_RunFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`return 6 * 7`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSession(WithWorkDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out, err := s.RunFile(context.Background(), "main.lua")
	if err != nil || !out.Value.Equal(Integer(42)) {
		t.Fatalf("RunFile = %s, %v", out.Value.Repr(), err)
	}
}
