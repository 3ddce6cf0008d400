package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// suspendOnce returns a coroutine that counts its executions, suspends once
// and returns "done".
func suspendOnce(t *testing.T, runs *int32) Value {
	t.Helper()
	co, err := WrapCoroutine(Undefined(), "work()", func(_ context.Context, s *Suspender, _ Call) (any, error) {
		atomic.AddInt32(runs, 1)
		if err := s.Suspend(); err != nil {
			return nil, err
		}
		return "done", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return co
}

func TestTask_Steps(t *testing.T) {
	var runs int32
	c, _ := suspendOnce(t, &runs).Callable()
	if !c.IsCoroutine() {
		t.Fatal("wrapped coroutine is not a coroutine")
	}
	task, err := c.start(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if task.state != taskNotStarted {
		t.Fatalf("state = %s before the first step", task.state)
	}

	done, err := task.step()
	if err != nil || done {
		t.Fatalf("first step = %v, %v", done, err)
	}
	if task.state != taskSuspended {
		t.Fatalf("state = %s after suspending", task.state)
	}

	for i := 0; i < 3; i++ {
		done, err = task.step()
		if err != nil || !done {
			t.Fatalf("step %d = %v, %v", i, done, err)
		}
		if !task.result.Equal(String("done")) {
			t.Fatalf("result = %s", task.result.Repr())
		}
	}
	if task.state != taskCompleted {
		t.Errorf("state = %s", task.state)
	}
	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Errorf("body ran %d times", n)
	}
}

func TestTask_Failure(t *testing.T) {
	bodyErr := errors.New("broken")
	co, _ := WrapCoroutine(Undefined(), "fail()", func(_ context.Context, s *Suspender, _ Call) (any, error) {
		if err := s.Suspend(); err != nil {
			return nil, err
		}
		return nil, bodyErr
	})
	c, _ := co.Callable()
	task, _ := c.start(context.Background(), nil)
	if _, err := task.drive(); !errors.Is(err, bodyErr) {
		t.Fatalf("drive = %v", err)
	}
	if done, err := task.step(); !done || !errors.Is(err, bodyErr) {
		t.Errorf("step after failure = %v, %v", done, err)
	}
	if task.state != taskFailed {
		t.Errorf("state = %s", task.state)
	}
}

func TestTask_Cancel(t *testing.T) {
	co, _ := WrapCoroutine(Undefined(), "spin()", func(_ context.Context, s *Suspender, _ Call) (any, error) {
		for {
			if err := s.Suspend(); err != nil {
				return nil, err
			}
		}
	})
	c, _ := co.Callable()
	ctx, cancel := context.WithCancel(context.Background())
	task, _ := c.start(ctx, nil)
	if done, err := task.step(); done || err != nil {
		t.Fatalf("first step = %v, %v", done, err)
	}
	cancel()

	var err error
	for i := 0; i < 10000; i++ {
		var done bool
		if done, err = task.step(); done {
			break
		}
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if task.fn != nil {
		t.Error("finished task kept its body")
	}
}

func TestTask_BindErrorBeforeRun(t *testing.T) {
	var runs int32
	co, _ := WrapCoroutine(mustTuple(t, "x"), "co(x)", func(context.Context, *Suspender, Call) (any, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	})
	c, _ := co.Callable()
	if _, err := c.start(context.Background(), nil); !errors.Is(err, ErrSignature) {
		t.Fatalf("got %v, want signature error", err)
	}
	if runs != 0 {
		t.Error("body ran despite a binding error")
	}
}

func TestCoroutine_Invoke(t *testing.T) {
	var runs int32
	v, err := suspendOnce(t, &runs).Invoke(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("done")) {
		t.Errorf("got %s", v.Repr())
	}
}

func TestCoroutine_InEngine(t *testing.T) {
	var runs int32
	co := suspendOnce(t, &runs)
	v, err := EvaluateOrFail(context.Background(), "return co()", WithBindings(mustNamed(t, "co", co)))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("done")) {
		t.Fatalf("got %s", v.Repr())
	}
	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Errorf("body ran %d times", n)
	}
}

func TestCoroutine_IndependentInstances(t *testing.T) {
	var runs int32
	co := suspendOnce(t, &runs)
	v, err := EvaluateOrFail(context.Background(), "return co() .. co()", WithBindings(mustNamed(t, "co", co)))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("donedone")) {
		t.Fatalf("got %s", v.Repr())
	}
	if n := atomic.LoadInt32(&runs); n != 2 {
		t.Errorf("body ran %d times, want 2", n)
	}
}

func TestCoroutine_InterleavedWithScriptCoroutines(t *testing.T) {
	var runs int32
	co := suspendOnce(t, &runs)
	src := `
local log = {}
local c = coroutine.create(function()
  table.insert(log, "a")
  coroutine.yield()
  table.insert(log, "b")
end)
coroutine.resume(c)
local r = co()
coroutine.resume(c)
table.insert(log, r)
return table.concat(log, ",")`
	v, err := EvaluateOrFail(context.Background(), src, WithBindings(mustNamed(t, "co", co)))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(String("a,b,done")) {
		t.Errorf("got %s", v.Repr())
	}
}
