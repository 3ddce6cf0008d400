package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type taskState uint8

const (
	taskNotStarted taskState = iota
	taskRunning
	taskSuspended
	taskCompleted
	taskFailed
)

var taskStateNames = [...]string{"not-started", "running", "suspended", "completed", "failed"}

func (s taskState) String() string { return taskStateNames[s] }

// task is one running instance of a wrapped coroutine. The host body runs on
// its own goroutine, but only between a resume and the next suspension, so
// it never runs concurrently with the engine that drives it.
type task struct {
	fn     CoroutineFunc
	call   Call
	sig    string
	state  taskState
	ctx    context.Context
	cancel context.CancelFunc

	resume chan struct{}
	yield  chan struct{}
	done   chan struct{}

	out    Value
	outErr error

	result Value
	err    error
}

// Suspender is handed to a coroutine body to give control back to the
// engine.
type Suspender struct {
	t *task
}

// Suspend yields to the engine scheduler and blocks until the engine resumes
// the coroutine. It returns the cancellation error when the driving
// evaluation is cancelled; the body should return promptly then.
func (s *Suspender) Suspend() error {
	t := s.t
	select {
	case t.yield <- struct{}{}:
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
	select {
	case <-t.resume:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// start binds the arguments and prepares an independent coroutine instance.
// Binding errors are reported here, before the body runs.
func (c *Callable) start(ctx context.Context, args []Value) (*task, error) {
	call, err := c.bind(args)
	if err != nil {
		return nil, err
	}
	tctx, cancel := context.WithCancel(ctx)
	return &task{
		fn:     c.coroutine,
		call:   call,
		sig:    c.signature,
		ctx:    tctx,
		cancel: cancel,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (t *task) run(fn CoroutineFunc, call Call) {
	defer close(t.done)
	t.out, t.outErr = runGuarded(func() (any, error) {
		return fn(t.ctx, &Suspender{t: t}, call)
	})
}

// step advances the coroutine to its next suspension point or to its end.
// Once finished, every further step reports the same outcome without running
// any host code.
func (t *task) step() (bool, error) {
	switch t.state {
	case taskCompleted:
		return true, nil
	case taskFailed:
		return true, t.err
	case taskNotStarted:
		Logger().Debug("coroutine started", zap.String("signature", t.sig))
		t.state = taskRunning
		go t.run(t.fn, t.call)
	case taskSuspended:
		t.state = taskRunning
		select {
		case t.resume <- struct{}{}:
		case <-t.done:
		case <-t.ctx.Done():
			t.abort(t.ctx.Err())
			return true, t.err
		}
	case taskRunning:
		return false, fmt.Errorf("coroutine %s resumed while running", t.sig)
	}

	select {
	case <-t.yield:
		t.state = taskSuspended
		Logger().Debug("coroutine suspended", zap.String("signature", t.sig))
		return false, nil
	case <-t.done:
		t.finish()
		return true, t.err
	case <-t.ctx.Done():
		t.abort(t.ctx.Err())
		return true, t.err
	}
}

// drive steps the coroutine to completion without an engine scheduler.
func (t *task) drive() (Value, error) {
	for {
		done, err := t.step()
		if err != nil {
			return Value{}, err
		}
		if done {
			return t.result, nil
		}
	}
}

func (t *task) finish() {
	t.result, t.err = t.out, t.outErr
	if t.err != nil {
		t.state = taskFailed
	} else {
		t.state = taskCompleted
	}
	Logger().Debug("coroutine finished", zap.String("signature", t.sig), zap.Stringer("state", t.state))
	t.release()
}

// abort stops resuming the coroutine. The body observes the cancellation at
// its next Suspend.
func (t *task) abort(err error) {
	t.state = taskFailed
	t.err = err
	Logger().Debug("coroutine aborted", zap.String("signature", t.sig), zap.Error(err))
	t.release()
}

func (t *task) release() {
	t.cancel()
	t.call = Call{}
	t.fn = nil
}
