package bridge

import (
	"context"
	"crypto/tls"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ailncode/gluaxmlpath"
	"github.com/ciaos/gluahttp"
	"github.com/cjoudrey/gluaurl"
	"github.com/yuin/gluare"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"
)

const (
	TypeEngineLua = "lua"
)

// trampolineSource turns a Go poller into a Lua function that yields to the
// engine scheduler between coroutine steps.
const trampolineSource = `
local poll = ...
local yield = coroutine.yield
return function(...)
  local task = poll(nil, ...)
  while true do
    local done, result = poll(task)
    if done then return result end
    yield()
  end
end
`

type LuaEngine struct {
	vm         *lua.LState
	opts       Options
	metatables map[Kind]*lua.LTable
	trampoline *lua.LFunction
	chunks     map[string]*lua.LFunction
	fns        map[*Callable]*lua.LFunction
	hosts      map[*lua.LFunction]*Callable
}

func (e *LuaEngine) New(opts Options) error {
	e.opts = opts
	e.vm = lua.NewState(lua.Options{
		CallStackSize: opts.CallStackSize,
		RegistrySize:  opts.RegistrySize,
	})
	e.metatables = make(map[Kind]*lua.LTable)
	e.chunks = make(map[string]*lua.LFunction)
	e.fns = make(map[*Callable]*lua.LFunction)
	e.hosts = make(map[*lua.LFunction]*Callable)

	e.vm.PreloadModule("bit", bitLoader)
	if !opts.NoPreload {
		luajson.Preload(e.vm)
		e.vm.PreloadModule("url", gluaurl.Loader)
		e.vm.PreloadModule("re", gluare.Loader)
		e.vm.PreloadModule("http", gluahttp.NewHttpModule(httpClient(opts)).Loader)
		e.vm.PreloadModule("xmlpath", gluaxmlpath.Loader)
	}
	if opts.WorkDir != "" {
		e.prependPackagePath(opts.WorkDir)
	}

	e.installMetatables()
	e.installHelpers()

	tr, err := e.vm.LoadString(trampolineSource)
	if err != nil {
		e.vm.Close()
		return err
	}
	e.trampoline = tr
	return nil
}

func httpClient(opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureTLS,
			},
		},
	}
}

func (e *LuaEngine) prependPackagePath(dir string) {
	pkg, ok := e.vm.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	sep := string(filepath.Separator)
	path := dir + sep + "?.lua;" + dir + sep + "?" + sep + "init.lua"
	if cur := lua.LVAsString(e.vm.GetField(pkg, "path")); cur != "" {
		path += ";" + cur
	}
	e.vm.SetField(pkg, "path", lua.LString(path))
}

func (e *LuaEngine) RegisterObject(objectName string, v Value) error {
	e.vm.SetGlobal(objectName, e.toLua(e.vm, v))
	return nil
}

func (e *LuaEngine) RegisterModule(moduleName string, members []Value) error {
	names, values, err := splitMembers(members)
	if err != nil {
		return err
	}
	e.vm.PreloadModule(moduleName, func(L *lua.LState) int {
		mod := L.NewTable()
		for i, name := range names {
			L.SetField(mod, name, e.toLua(L, values[i]))
		}
		if L.GetField(mod, "name") == lua.LNil {
			L.SetField(mod, "name", lua.LString(moduleName))
		}
		L.Push(mod)
		return 1
	})
	return nil
}

func (e *LuaEngine) ParseString(ctx context.Context, source string) (Outcome, error) {
	fn, err := e.vm.LoadString(source)
	if err != nil {
		return failed(e.errorValue(err)), nil
	}
	return e.run(ctx, fn)
}

func (e *LuaEngine) ParseFile(ctx context.Context, path string) (Outcome, error) {
	fn, err := e.vm.LoadFile(resolvePath(e.opts.WorkDir, path))
	if err != nil {
		return failed(e.errorValue(err)), nil
	}
	return e.run(ctx, fn)
}

func (e *LuaEngine) IsFunction(scriptFuncName string) bool {
	val := e.vm.GetGlobal(scriptFuncName)
	return val.Type() == lua.LTFunction
}

func (e *LuaEngine) Call(ctx context.Context, scriptFuncName string, args ...Value) (Outcome, error) {
	fn, ok := e.vm.GetGlobal(scriptFuncName).(*lua.LFunction)
	if !ok {
		return failed(String("attempt to call a non-function global " + scriptFuncName)), nil
	}
	return e.run(ctx, fn, args...)
}

func (e *LuaEngine) Close() {
	e.vm.Close()
}

func (e *LuaEngine) GetVM() *lua.LState {
	return e.vm
}

// run executes fn inside an engine coroutine. Yields reaching the top are
// scheduler ticks; the result is only reported once the coroutine is dead.
func (e *LuaEngine) run(ctx context.Context, fn *lua.LFunction, args ...Value) (Outcome, error) {
	e.vm.SetContext(ctx)
	defer e.vm.RemoveContext()

	co, cancel := e.vm.NewThread()
	if cancel != nil {
		defer cancel()
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = e.toLua(e.vm, a)
	}

	st, err, rets := e.vm.Resume(co, fn, largs...)
	for st == lua.ResumeYield {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		runtime.Gosched()
		st, err, rets = e.vm.Resume(co, fn)
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if st == lua.ResumeError {
		return failed(e.errorValue(err)), nil
	}
	return succeeded(e.results(rets)), nil
}

func (e *LuaEngine) results(rets []lua.LValue) Value {
	switch len(rets) {
	case 0:
		return Null()
	case 1:
		return e.fromLua(rets[0])
	}
	elems := make([]Value, len(rets))
	for i, r := range rets {
		elems[i] = e.fromLua(r)
	}
	return tupleOf(elems)
}

// errorValue extracts the value the engine raised.
func (e *LuaEngine) errorValue(err error) Value {
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		return e.fromLua(apiErr.Object)
	}
	return String(err.Error())
}

func resolvePath(workDir, path string) string {
	if workDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

// luaContext returns the context of the evaluation driving L.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
