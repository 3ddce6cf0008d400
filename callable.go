package bridge

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Call is what a wrapped target receives on each invocation. Self is the
// bound receiver (Undefined when none), Args the bound arguments and Capture
// the state captured at wrap time (Undefined when none).
type Call struct {
	Self    Value
	Args    Value
	Capture Value
}

// Function is a synchronous host target.
type Function func(ctx context.Context, call Call) (any, error)

// CoroutineFunc is a suspendable host target. Every s.Suspend() hands control
// back to the engine scheduler.
type CoroutineFunc func(ctx context.Context, s *Suspender, call Call) (any, error)

type param struct {
	name     string
	def      Value
	required bool
}

// Callable describes a wrapped host function or coroutine. It is immutable
// once built and safe to invoke concurrently.
type Callable struct {
	params    Value
	decl      []param
	variadic  bool
	signature string
	fn        Function
	coroutine CoroutineFunc
	capture   Value
	self      Value
	optErr    error
}

// WrapOption configures a wrapped callable.
type WrapOption func(*Callable)

// WithCapture attaches captured state handed to every invocation.
func WithCapture(capture any) WrapOption {
	return func(c *Callable) {
		var err error
		if c.capture, err = ValueOf(capture); err != nil {
			c.optErr = multierr.Append(c.optErr, err)
		}
	}
}

// WithSelf binds a receiver.
func WithSelf(self any) WrapOption {
	return func(c *Callable) {
		var err error
		if c.self, err = ValueOf(self); err != nil {
			c.optErr = multierr.Append(c.optErr, err)
		}
	}
}

// WrapFunction packages fn as an engine-callable Lambda Value.
func WrapFunction(params Value, signature string, fn Function, opts ...WrapOption) (Value, error) {
	if fn == nil {
		return Value{}, &Error{Code: CodeUnsupported, Op: "wrap_function", Detail: "nil function"}
	}
	c, err := newCallable(params, signature, opts)
	if err != nil {
		return Value{}, err
	}
	c.fn = fn
	return lambdaOf(c), nil
}

// WrapCoroutine packages co as an engine-callable Lambda Value. Every call
// starts an independent coroutine instance.
func WrapCoroutine(params Value, signature string, co CoroutineFunc, opts ...WrapOption) (Value, error) {
	if co == nil {
		return Value{}, &Error{Code: CodeUnsupported, Op: "wrap_coroutine", Detail: "nil coroutine"}
	}
	c, err := newCallable(params, signature, opts)
	if err != nil {
		return Value{}, err
	}
	c.coroutine = co
	return lambdaOf(c), nil
}

func newCallable(params Value, signature string, opts []WrapOption) (*Callable, error) {
	c := &Callable{params: params, signature: signature}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}
	if params.kind != KindTuple {
		c.variadic = true
		return c, nil
	}
	for i, p := range params.elems {
		switch {
		case p.kind == KindString:
			c.decl = append(c.decl, param{name: p.str, required: true})
		case p.kind == KindNamed && p.elems[0].kind == KindString:
			d := p.elems[1]
			c.decl = append(c.decl, param{name: p.elems[0].str, def: d, required: d.kind == KindUndefined})
		default:
			return nil, &Error{
				Code:   CodeTypeMismatch,
				Op:     "parameter " + strconv.Itoa(i),
				Types:  []string{p.TypeName()},
				Detail: "want String or Named(String, default)",
			}
		}
	}
	return c, nil
}

func (c *Callable) Params() Value     { return c.params }
func (c *Callable) Signature() string { return c.signature }
func (c *Callable) Capture() Value    { return c.capture }
func (c *Callable) Self() Value       { return c.self }
func (c *Callable) IsCoroutine() bool { return c.coroutine != nil }

// bind maps call-site arguments onto the declared parameters. Named
// arguments are Named values whose key is a String.
func (c *Callable) bind(args []Value) (Call, error) {
	call := Call{Self: c.self, Capture: c.capture}
	if c.variadic {
		call.Args = tupleOf(args)
		return call, nil
	}

	bound := make([]Value, len(c.decl))
	set := make([]bool, len(c.decl))
	pos := 0
	for _, a := range args {
		if a.kind == KindNamed && a.elems[0].kind == KindString {
			i := c.indexOf(a.elems[0].str)
			if i < 0 {
				return Call{}, signatureError(c.signature, fmt.Sprintf("unknown argument %q", a.elems[0].str))
			}
			if set[i] {
				return Call{}, signatureError(c.signature, fmt.Sprintf("argument %q bound twice", a.elems[0].str))
			}
			bound[i], set[i] = a.elems[1], true
			continue
		}
		if pos >= len(c.decl) {
			return Call{}, signatureError(c.signature, fmt.Sprintf("too many arguments: want at most %d", len(c.decl)))
		}
		if set[pos] {
			return Call{}, signatureError(c.signature, fmt.Sprintf("argument %q bound twice", c.decl[pos].name))
		}
		bound[pos], set[pos] = a, true
		pos++
	}

	elems := make([]Value, len(c.decl))
	for i, p := range c.decl {
		if !set[i] {
			if p.required {
				return Call{}, signatureError(c.signature, fmt.Sprintf("missing argument %q", p.name))
			}
			bound[i] = p.def
		}
		elems[i] = namedOf(p.name, bound[i])
	}
	call.Args = tupleOf(elems)
	return call, nil
}

func (c *Callable) indexOf(name string) int {
	for i, p := range c.decl {
		if p.name == name {
			return i
		}
	}
	return -1
}

// invoke runs a synchronous target, or drives a coroutine to completion.
func (c *Callable) invoke(ctx context.Context, args []Value) (Value, error) {
	if c.coroutine != nil {
		t, err := c.start(ctx, args)
		if err != nil {
			return Value{}, err
		}
		return t.drive()
	}
	call, err := c.bind(args)
	if err != nil {
		return Value{}, err
	}
	return runGuarded(func() (any, error) { return c.fn(ctx, call) })
}

// Invoke calls a host callable from the host side. Coroutines are driven to
// completion; engine functions cannot be invoked outside their engine.
func (v Value) Invoke(ctx context.Context, args ...any) (Value, error) {
	c, err := v.Callable()
	if err != nil {
		return Value{}, err
	}
	vs := make([]Value, len(args))
	for i, a := range args {
		if vs[i], err = ValueOf(a); err != nil {
			return Value{}, err
		}
	}
	return c.invoke(ctx, vs)
}

// goFunc adapts the callable to plain Go for engines that call through
// reflection.
func (c *Callable) goFunc(ctx context.Context) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		vs := make([]Value, len(args))
		for i, a := range args {
			v, err := ValueOf(a)
			if err != nil {
				return nil, err
			}
			vs[i] = v
		}
		res, err := c.invoke(ctx, vs)
		if err != nil {
			return nil, err
		}
		return res.InterfaceContext(ctx), nil
	}
}

// runGuarded runs f, converting its result and any panic.
func runGuarded(f func() (any, error)) (res Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn("host callable panicked", zap.Any("panic", r))
			err = fmt.Errorf("host callable panicked: %v", r)
		}
	}()
	out, err := f()
	if err != nil {
		return Value{}, err
	}
	return ValueOf(out)
}
