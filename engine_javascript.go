package bridge

import (
	"context"
	"errors"

	"github.com/robertkrimen/otto"
)

const (
	TypeEngineJs = "js"
)

var errHalt = errors.New("js: evaluation halted")

// JsEngine runs the js dialect on otto. Host coroutines are driven to
// completion on call, since otto has no scheduler to give control back to.
type JsEngine struct {
	vm      *otto.Otto
	opts    Options
	ctx     context.Context
	hostErr error
}

func (e *JsEngine) New(opts Options) error {
	e.vm = otto.New()
	e.vm.Interrupt = make(chan func(), 1)
	e.opts = opts
	e.ctx = context.Background()
	return nil
}

func (e *JsEngine) RegisterObject(objectName string, v Value) error {
	return e.vm.Set(objectName, e.toJS(v))
}

func (e *JsEngine) RegisterModule(moduleName string, members []Value) error {
	names, values, err := splitMembers(members)
	if err != nil {
		return err
	}
	mod := make(map[string]interface{}, len(names)+1)
	mod["name"] = moduleName
	for i, name := range names {
		mod[name] = e.toJS(values[i])
	}
	return e.vm.Set(moduleName, mod)
}

func (e *JsEngine) toJS(v Value) interface{} {
	if c, err := v.Callable(); err == nil {
		return e.function(c)
	}
	if v.kind == KindLambda {
		if fn, ok := v.ref.(otto.Value); ok {
			return fn
		}
	}
	if v.kind == KindTuple {
		// Export elementwise so nested callables stay callable.
		if v.isRecord() {
			m := make(map[string]interface{}, len(v.elems))
			for _, el := range v.elems {
				if _, dup := m[el.elems[0].str]; !dup {
					m[el.elems[0].str] = e.toJS(el.elems[1])
				}
			}
			return m
		}
		out := make([]interface{}, len(v.elems))
		for i, el := range v.elems {
			out[i] = e.toJS(el)
		}
		return out
	}
	return v.Interface()
}

func (e *JsEngine) function(c *Callable) func(call otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		args := make([]Value, len(call.ArgumentList))
		for i, a := range call.ArgumentList {
			args[i] = fromJS(a)
		}
		res, err := c.invoke(e.ctx, args)
		if err != nil {
			e.hostErr = err
			panic(call.Otto.MakeCustomError("HostError", err.Error()))
		}
		out, err := call.Otto.ToValue(e.toJS(res))
		if err != nil {
			e.hostErr = err
			panic(call.Otto.MakeCustomError("HostError", err.Error()))
		}
		return out
	}
}

func fromJS(v otto.Value) Value {
	switch {
	case v.IsUndefined():
		return Undefined()
	case v.IsNull():
		return Null()
	case v.IsBoolean():
		b, _ := v.ToBoolean()
		return Boolean(b)
	case v.IsNumber():
		f, _ := v.ToFloat()
		return numberValue(f)
	case v.IsString():
		return String(v.String())
	case v.IsFunction():
		return lambdaOf(v)
	}
	x, err := v.Export()
	if err != nil {
		return Custom(v)
	}
	return fromExported(x)
}

func (e *JsEngine) ParseString(ctx context.Context, source string) (Outcome, error) {
	return e.run(ctx, func() (otto.Value, error) {
		return e.vm.Run(source)
	})
}

func (e *JsEngine) ParseFile(ctx context.Context, path string) (Outcome, error) {
	script, err := e.vm.Compile(resolvePath(e.opts.WorkDir, path), nil)
	if err != nil {
		return failed(String(err.Error())), nil
	}
	return e.run(ctx, func() (otto.Value, error) {
		return e.vm.Run(script)
	})
}

func (e *JsEngine) IsFunction(scriptFuncName string) bool {
	v, err := e.vm.Get(scriptFuncName)
	return err == nil && v.IsFunction()
}

func (e *JsEngine) Call(ctx context.Context, scriptFuncName string, args ...Value) (Outcome, error) {
	if !e.IsFunction(scriptFuncName) {
		return failed(String("attempt to call a non-function global " + scriptFuncName)), nil
	}
	jsArgs := make([]interface{}, len(args))
	for i, a := range args {
		jsArgs[i] = e.toJS(a)
	}
	return e.run(ctx, func() (otto.Value, error) {
		return e.vm.Call(scriptFuncName, nil, jsArgs...)
	})
}

// run executes f with ctx watched: cancellation interrupts the vm.
func (e *JsEngine) run(ctx context.Context, f func() (otto.Value, error)) (out Outcome, err error) {
	e.ctx, e.hostErr = ctx, nil
	defer func() { e.ctx = context.Background() }()

	stop, watched := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			e.vm.Interrupt <- func() { panic(errHalt) }
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-watched
		// A halt queued after the run ended must not hit the next one.
		select {
		case <-e.vm.Interrupt:
		default:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if r != errHalt {
				panic(r)
			}
			out, err = Outcome{}, ctx.Err()
		}
	}()

	v, runErr := f()
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if runErr != nil {
		if e.hostErr != nil {
			return failed(Custom(e.hostErr)), nil
		}
		return failed(String(runErr.Error())), nil
	}
	return succeeded(fromJS(v)), nil
}

func (e *JsEngine) Close() {
}
