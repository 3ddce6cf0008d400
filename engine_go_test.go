package bridge

import (
	"context"
	"errors"
	"testing"
)

func TestSymbolName(t *testing.T) {
	tests := map[string]string{
		"user_name": "UserName",
		"cfg":       "Cfg",
		"max_items": "MaxItems",
	}
	for in, want := range tests {
		if got := symbolName(in); got != want {
			t.Errorf("symbolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGoEngine_Evaluate(t *testing.T) {
	double, _ := WrapFunction(mustTuple(t, "x"), "double(x)", func(_ context.Context, call Call) (any, error) {
		x, _ := call.Args.Lookup("x")
		return x.Mul(2)
	})
	opts := []EvalOption{
		WithDialect(TypeEngineGo),
		WithBindings(mustNamed(t, "user_name", "bob"), mustNamed(t, "double", double)),
	}
	tests := []struct {
		name string
		src  string
		want Value
	}{
		{"arithmetic", "1 + 2", Integer(3)},
		{"string binding", `host.UserName + "!"`, String("bob!")},
		{"callable binding", "r, _ := host.Double(21)\nr", Integer(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := EvaluateOrFail(context.Background(), tt.src, opts...)
			if err != nil {
				t.Fatal(err)
			}
			if !v.Equal(tt.want) {
				t.Errorf("got %s, want %s", v.Repr(), tt.want.Repr())
			}
		})
	}
}

func TestGoEngine_Session(t *testing.T) {
	s, err := NewSession(WithDialect(TypeEngineGo))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	src := `import "errors"

func add(a, b int) int { return a + b }

func check(n int) (int, error) {
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}`
	if out, err := s.Run(ctx, src); err != nil || out.Failed {
		t.Fatalf("Run = %s, %v", out.Value.String(), err)
	}
	if !s.IsFunction("add") || s.IsFunction("nothing") {
		t.Fatal("IsFunction misreports functions")
	}

	out, err := s.Call(ctx, "add", 40, 2)
	if err != nil || out.Failed || !out.Value.Equal(Integer(42)) {
		t.Errorf("add = %s, %v", out.Value.Repr(), err)
	}
	out, err = s.Call(ctx, "check", 5)
	if err != nil || out.Failed || !out.Value.Equal(Integer(5)) {
		t.Errorf("check(5) = %s, %v", out.Value.Repr(), err)
	}
	out, err = s.Call(ctx, "check", -1)
	if err != nil || !out.Failed {
		t.Fatalf("check(-1) = %s, %v", out.Value.Repr(), err)
	}
	if hostErr, _ := out.Value.Unwrap(); hostErr == nil || hostErr.(error).Error() != "negative" {
		t.Errorf("error value = %s", out.Value.Repr())
	}
	out, _ = s.Call(ctx, "add", 1)
	if !out.Failed {
		t.Error("short argument list accepted")
	}
}

func TestGoEngine_CompileError(t *testing.T) {
	_, err := EvaluateOrFail(context.Background(), "func (", WithDialect(TypeEngineGo))
	var rt *RuntimeError
	if !errors.As(err, &rt) {
		t.Fatalf("got %v, want RuntimeError", err)
	}
	if !rt.Value.IsString() {
		t.Errorf("error value = %s", rt.Value.Repr())
	}
}
