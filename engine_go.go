package bridge

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"github.com/yuin/gluamapper"
)

const (
	TypeEngineGo = "go"
)

// hostPackage is the import path bindings are published under. A binding
// named "user_name" is host.UserName in scripts.
const hostPackage = "host"

type GoEngine struct {
	i       *interp.Interpreter
	opts    Options
	ctx     context.Context
	symbols map[string]reflect.Value
	fn      map[string]reflect.Value
	ready   bool
}

func (e *GoEngine) New(opts Options) error {
	e.i = interp.New(interp.Options{GoPath: opts.WorkDir})
	e.opts = opts
	e.ctx = context.Background()
	e.symbols = make(map[string]reflect.Value)
	e.fn = make(map[string]reflect.Value)
	if err := e.i.Use(stdlib.Symbols); err != nil {
		return err
	}
	e.ready = false
	return nil
}

// symbolName maps a binding name to an exported Go identifier.
func symbolName(name string) string {
	if name == "" {
		return name
	}
	return gluamapper.ToUpperCamelCase(name)
}

func (e *GoEngine) symbol(v Value) reflect.Value {
	if c, err := v.Callable(); err == nil {
		// Resolve the context at call time so host calls see the running
		// evaluation.
		return reflect.ValueOf(func(args ...any) (any, error) {
			return c.goFunc(e.ctx)(args...)
		})
	}
	x := v.Interface()
	if x == nil {
		return reflect.New(reflect.TypeOf((*any)(nil)).Elem()).Elem()
	}
	rv := reflect.New(reflect.TypeOf(x)).Elem()
	rv.Set(reflect.ValueOf(x))
	return rv
}

func (e *GoEngine) RegisterObject(objectName string, v Value) error {
	name := symbolName(objectName)
	e.symbols[name] = e.symbol(v)
	if e.ready {
		return e.i.Use(interp.Exports{hostPackage + "/" + hostPackage: {name: e.symbols[name]}})
	}
	return nil
}

func (e *GoEngine) RegisterModule(moduleName string, members []Value) error {
	names, values, err := splitMembers(members)
	if err != nil {
		return err
	}
	modSymbols := make(map[string]reflect.Value, len(names))
	for i, name := range names {
		modSymbols[symbolName(name)] = e.symbol(values[i])
	}
	return e.i.Use(interp.Exports{moduleName + "/" + moduleName: modSymbols})
}

// setReady publishes the bindings and imports them into the script scope.
func (e *GoEngine) setReady(ctx context.Context) error {
	if e.ready {
		return nil
	}
	if len(e.symbols) > 0 {
		if err := e.i.Use(interp.Exports{hostPackage + "/" + hostPackage: e.symbols}); err != nil {
			return err
		}
		if _, err := e.i.EvalWithContext(ctx, `import "`+hostPackage+`"`); err != nil {
			return err
		}
	}
	e.ready = true
	return nil
}

func (e *GoEngine) ParseString(ctx context.Context, source string) (Outcome, error) {
	return e.run(ctx, func() (reflect.Value, error) {
		return e.i.EvalWithContext(ctx, source)
	})
}

func (e *GoEngine) ParseFile(ctx context.Context, path string) (Outcome, error) {
	src, err := os.ReadFile(resolvePath(e.opts.WorkDir, path))
	if err != nil {
		return failed(String(err.Error())), nil
	}
	return e.ParseString(ctx, string(src))
}

func (e *GoEngine) IsFunction(scriptFuncName string) bool {
	_, err := e.lookup(scriptFuncName)
	return err == nil
}

func (e *GoEngine) lookup(name string) (reflect.Value, error) {
	if f, ok := e.fn[name]; ok {
		return f, nil
	}
	f, err := e.i.Eval(name)
	if err != nil {
		return reflect.Value{}, err
	}
	if f.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%s is not a function", name)
	}
	e.fn[name] = f
	return f, nil
}

func (e *GoEngine) Call(ctx context.Context, scriptFuncName string, args ...Value) (Outcome, error) {
	f, err := e.lookup(scriptFuncName)
	if err != nil {
		return failed(String(err.Error())), nil
	}
	ft := f.Type()
	if n := ft.NumIn(); len(args) < n-btoi(ft.IsVariadic()) || (!ft.IsVariadic() && len(args) > n) {
		return failed(String(fmt.Sprintf("%s takes %d arguments, got %d", scriptFuncName, n, len(args)))), nil
	}
	params := make([]reflect.Value, 0, len(args))
	for i, a := range args {
		p, err := argument(paramType(ft, i), a)
		if err != nil {
			return failed(String(err.Error())), nil
		}
		params = append(params, p)
	}
	return e.run(ctx, func() (reflect.Value, error) {
		rets := f.Call(params)
		return results(rets)
	})
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func paramType(ft reflect.Type, i int) reflect.Type {
	if ft.IsVariadic() && i >= ft.NumIn()-1 {
		return ft.In(ft.NumIn() - 1).Elem()
	}
	return ft.In(i)
}

func argument(t reflect.Type, v Value) (reflect.Value, error) {
	x := v.Interface()
	if x == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(x)
	switch {
	case rv.Type().AssignableTo(t):
		return rv, nil
	case rv.Type().ConvertibleTo(t):
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.TypeName(), t)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// results folds a Go result list: a trailing non-nil error fails the call,
// several values become a Tuple.
func results(rets []reflect.Value) (reflect.Value, error) {
	if n := len(rets); n > 0 && rets[n-1].Type() == errorType {
		if !rets[n-1].IsNil() {
			return reflect.Value{}, hostError{rets[n-1].Interface().(error)}
		}
		rets = rets[:n-1]
	}
	switch len(rets) {
	case 0:
		return reflect.Value{}, nil
	case 1:
		return rets[0], nil
	}
	out := make([]any, len(rets))
	for i, r := range rets {
		out[i] = r.Interface()
	}
	return reflect.ValueOf(out), nil
}

// hostError marks an error value returned by script code, as opposed to an
// interpreter failure.
type hostError struct{ err error }

func (h hostError) Error() string { return h.err.Error() }

func (e *GoEngine) run(ctx context.Context, f func() (reflect.Value, error)) (out Outcome, err error) {
	e.ctx = ctx
	defer func() { e.ctx = context.Background() }()

	defer func() {
		if r := recover(); r != nil {
			out, err = failed(String(fmt.Sprint(r))), nil
		}
	}()

	if err := e.setReady(ctx); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return failed(String(err.Error())), nil
	}
	res, runErr := f()
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if runErr != nil {
		if h, ok := runErr.(hostError); ok {
			return failed(Custom(h.err)), nil
		}
		return failed(String(runErr.Error())), nil
	}
	if !res.IsValid() || !res.CanInterface() {
		return succeeded(Null()), nil
	}
	v, err := ValueOf(res.Interface())
	if err != nil {
		return failed(String(err.Error())), nil
	}
	return succeeded(v), nil
}

func (e *GoEngine) Close() {
}
