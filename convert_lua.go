package bridge

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	luar "layeh.com/gopher-luar"
)

const metatablePrefix = "bridge."

// boxedKinds live in Lua as userdata carrying the Value itself. Custom
// payloads are boxed only when gopher-luar would map them to a native Lua
// value.
var boxedKinds = []Kind{KindUndefined, KindBytes, KindRange, KindTuple, KindPair, KindNamed, KindCustom}

func (e *LuaEngine) installMetatables() {
	methods := map[string]lua.LGFunction{
		"__index":    e.mtIndex,
		"__newindex": e.mtNewIndex,
		"__len":      e.mtLen,
		"__eq":       e.mtEq,
		"__tostring": e.mtTostring,
		"__add":      e.mtConcat,
		"__concat":   e.mtConcat,
		"__contains": e.mtContains,
	}
	for _, k := range boxedKinds {
		mt := e.vm.NewTypeMetatable(metatablePrefix + k.String())
		e.vm.SetFuncs(mt, methods)
		e.metatables[k] = mt
	}
}

// installHelpers exposes constructors for the variants Lua has no literal
// for. named(k, v) is how scripts pass named arguments.
func (e *LuaEngine) installHelpers() {
	two := func(kind Kind) lua.LGFunction {
		return func(L *lua.LState) int {
			k := e.fromLua(L.CheckAny(1))
			v := e.fromLua(L.Get(2))
			L.Push(e.toLua(L, Value{kind: kind, elems: []Value{k, v}}))
			return 1
		}
	}
	e.vm.SetGlobal("named", e.vm.NewFunction(two(KindNamed)))
	e.vm.SetGlobal("pair", e.vm.NewFunction(two(KindPair)))
	e.vm.SetGlobal("tuple", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(e.toLua(L, tupleOf(e.arguments(L, 1))))
		return 1
	}))
	e.vm.SetGlobal("bytes", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(e.toLua(L, Bytes([]byte(L.CheckString(1)))))
		return 1
	}))
	e.vm.SetGlobal("range", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(e.toLua(L, Range(L.CheckInt64(1), L.CheckInt64(2))))
		return 1
	}))
}

func (e *LuaEngine) toLua(L *lua.LState, v Value) lua.LValue {
	switch v.kind {
	case KindNull:
		return lua.LNil
	case KindInteger:
		return lua.LNumber(float64(v.num))
	case KindFloat:
		return lua.LNumber(v.flt)
	case KindString:
		return lua.LString(v.str)
	case KindBoolean:
		return lua.LBool(v.num != 0)
	case KindCustom:
		if lv, ok := v.ref.(lua.LValue); ok {
			return lv
		}
		if lv := luar.New(L, v.ref); isUserData(lv) {
			return lv
		}
	case KindLambda:
		switch fn := v.ref.(type) {
		case *Callable:
			return e.callableFunction(L, fn)
		case lua.LValue:
			return fn
		}
		return lua.LNil
	}
	ud := L.NewUserData()
	ud.Value = v
	ud.Metatable = e.metatables[v.kind]
	return ud
}

func isUserData(lv lua.LValue) bool {
	_, ok := lv.(*lua.LUserData)
	return ok
}

func (e *LuaEngine) fromLua(lv lua.LValue) Value {
	return e.fromLuaSeen(lv, nil)
}

// fromLuaSeen tracks the tables being converted; a table met again below
// itself stays opaque.
func (e *LuaEngine) fromLuaSeen(lv lua.LValue, seen map[*lua.LTable]bool) Value {
	switch t := lv.(type) {
	case *lua.LNilType:
		return Null()
	case lua.LBool:
		return Boolean(bool(t))
	case lua.LNumber:
		return numberValue(float64(t))
	case lua.LString:
		return String(string(t))
	case *lua.LUserData:
		if v, ok := t.Value.(Value); ok {
			return v
		}
		return Custom(t.Value)
	case *lua.LFunction:
		if c, ok := e.hosts[t]; ok {
			return lambdaOf(c)
		}
		return lambdaOf(t)
	case *lua.LTable:
		if seen[t] {
			return Custom(t)
		}
		if seen == nil {
			seen = make(map[*lua.LTable]bool)
		}
		seen[t] = true
		defer delete(seen, t)
		return e.tableValue(t, seen)
	}
	return Custom(lv)
}

func (e *LuaEngine) tableValue(t *lua.LTable, seen map[*lua.LTable]bool) Value {
	maxn := t.MaxN()
	elems := make([]Value, 0, maxn)
	for i := 1; i <= maxn; i++ {
		elems = append(elems, e.fromLuaSeen(t.RawGetInt(i), seen))
	}

	type entry struct {
		text string
		k, v lua.LValue
	}
	var rest []entry
	t.ForEach(func(k, v lua.LValue) {
		if n, ok := k.(lua.LNumber); ok {
			f := float64(n)
			if f == math.Trunc(f) && f >= 1 && f <= float64(maxn) {
				return
			}
		}
		rest = append(rest, entry{text: k.String(), k: k, v: v})
	})
	sort.Slice(rest, func(i, j int) bool { return rest[i].text < rest[j].text })

	for _, r := range rest {
		val := e.fromLuaSeen(r.v, seen)
		if s, ok := r.k.(lua.LString); ok {
			elems = append(elems, namedOf(string(s), val))
		} else {
			elems = append(elems, pairOf(e.fromLuaSeen(r.k, seen), val))
		}
	}
	return tupleOf(elems)
}

func (e *LuaEngine) arguments(L *lua.LState, from int) []Value {
	top := L.GetTop()
	if top < from {
		return nil
	}
	args := make([]Value, 0, top-from+1)
	for i := from; i <= top; i++ {
		args = append(args, e.fromLua(L.Get(i)))
	}
	return args
}

// raise fails the running engine code with err carried as a Custom value.
func (e *LuaEngine) raise(L *lua.LState, err error) {
	L.Error(e.toLua(L, Custom(err)), 1)
}

func (e *LuaEngine) callableFunction(L *lua.LState, c *Callable) *lua.LFunction {
	if fn, ok := e.fns[c]; ok {
		return fn
	}
	var fn *lua.LFunction
	if c.coroutine == nil {
		fn = L.NewFunction(func(L *lua.LState) int {
			res, err := c.invoke(luaContext(L), e.arguments(L, 1))
			if err != nil {
				e.raise(L, err)
				return 0
			}
			L.Push(e.toLua(L, res))
			return 1
		})
	} else {
		L.Push(e.trampoline)
		L.Push(L.NewFunction(e.poller(c)))
		L.Call(1, 1)
		fn = L.Get(-1).(*lua.LFunction)
		L.Pop(1)
	}
	e.fns[c] = fn
	e.hosts[fn] = c
	return fn
}

// poller starts a coroutine instance when called with nil, and steps it when
// called with the instance. Outside an engine coroutine there is no
// scheduler to yield to, so the instance is driven to completion.
func (e *LuaEngine) poller(c *Callable) lua.LGFunction {
	return func(L *lua.LState) int {
		if L.Get(1) == lua.LNil {
			t, err := c.start(luaContext(L), e.arguments(L, 2))
			if err != nil {
				e.raise(L, err)
				return 0
			}
			ud := L.NewUserData()
			ud.Value = t
			L.Push(ud)
			return 1
		}
		t, ok := L.CheckUserData(1).Value.(*task)
		if !ok {
			L.ArgError(1, "coroutine instance expected")
			return 0
		}
		for {
			done, err := t.step()
			if err != nil {
				e.raise(L, err)
				return 0
			}
			if done {
				L.Push(lua.LTrue)
				L.Push(e.toLua(L, t.result))
				return 2
			}
			if L.Parent != nil {
				L.Push(lua.LFalse)
				return 1
			}
		}
	}
}

// forget drops the callable functions cached for this state.
func (e *LuaEngine) forget() {
	for c := range e.fns {
		delete(e.fns, c)
	}
	for fn := range e.hosts {
		delete(e.hosts, fn)
	}
}

func (e *LuaEngine) boxed(L *lua.LState, n int) Value {
	ud := L.CheckUserData(n)
	v, ok := ud.Value.(Value)
	if !ok {
		L.ArgError(n, "bridge value expected")
	}
	return v
}

func (e *LuaEngine) mtIndex(L *lua.LState) int {
	v := e.boxed(L, 1)
	res, err := luaIndex(v, L.Get(2))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(e.toLua(L, res))
	return 1
}

func (e *LuaEngine) mtNewIndex(L *lua.LState) int {
	v := e.boxed(L, 1)
	L.RaiseError("cannot assign %s: %s values are immutable", L.Get(2).String(), v.TypeName())
	return 0
}

func (e *LuaEngine) mtLen(L *lua.LState) int {
	n, err := e.boxed(L, 1).Len()
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (e *LuaEngine) mtEq(L *lua.LState) int {
	L.Push(lua.LBool(e.fromLua(L.Get(1)).Equal(e.fromLua(L.Get(2)))))
	return 1
}

func (e *LuaEngine) mtTostring(L *lua.LState) int {
	L.Push(lua.LString(e.boxed(L, 1).String()))
	return 1
}

func (e *LuaEngine) mtConcat(L *lua.LState) int {
	a, b := e.fromLua(L.Get(1)), e.fromLua(L.Get(2))
	switch {
	case a.kind == KindTuple && b.kind == KindTuple:
		elems := make([]Value, 0, len(a.elems)+len(b.elems))
		elems = append(append(elems, a.elems...), b.elems...)
		L.Push(e.toLua(L, tupleOf(elems)))
	case a.kind == KindBytes && b.kind == KindBytes:
		L.Push(e.toLua(L, concatBytes(a, b)))
	default:
		L.RaiseError("attempt to concatenate %s and %s", a.TypeName(), b.TypeName())
		return 0
	}
	return 1
}

func (e *LuaEngine) mtContains(L *lua.LState) int {
	ok, err := containsValue(e.boxed(L, 1), e.fromLua(L.Get(2)))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

// luaIndex resolves c[key] for boxed values. Positions are 1-based.
func luaIndex(c Value, key lua.LValue) (Value, error) {
	switch k := key.(type) {
	case lua.LNumber:
		f := float64(k)
		if f != math.Trunc(f) {
			return Value{}, fmt.Errorf("%s index must be an integer, got %s", c.TypeName(), k.String())
		}
		return position(c, int64(f))
	case lua.LString:
		return field(c, string(k))
	}
	return Value{}, fmt.Errorf("cannot index %s with a %s", c.TypeName(), key.Type().String())
}

func position(c Value, i int64) (Value, error) {
	if c.kind == KindRange {
		if i < 1 || c.end <= c.num || uint64(i-1) >= uint64(c.end)-uint64(c.num) {
			return Value{}, fmt.Errorf("index %d out of range for %s", i, c.Repr())
		}
		return Integer(c.num + i - 1), nil
	}
	n, err := c.Len()
	if err != nil || c.kind == KindString {
		return Value{}, fmt.Errorf("attempt to index a %s value", c.TypeName())
	}
	if i < 1 || i > int64(n) {
		return Value{}, fmt.Errorf("index %d out of range for %s of length %d", i, c.TypeName(), n)
	}
	switch c.kind {
	case KindTuple:
		return c.elems[i-1], nil
	case KindBytes:
		return Integer(int64(c.str[i-1])), nil
	default:
		return Integer(c.num + i - 1), nil
	}
}

func field(c Value, name string) (Value, error) {
	switch c.kind {
	case KindTuple:
		if v, ok := c.Lookup(name); ok {
			return v, nil
		}
	case KindPair, KindNamed:
		switch name {
		case "key":
			return c.elems[0], nil
		case "value":
			return c.elems[1], nil
		}
	case KindRange:
		switch name {
		case "start":
			return Integer(c.num), nil
		case "end":
			return Integer(c.end), nil
		}
	default:
		return Value{}, fmt.Errorf("attempt to index a %s value", c.TypeName())
	}
	return Value{}, fmt.Errorf("%s has no attribute %q", c.TypeName(), name)
}

func containsValue(c, x Value) (bool, error) {
	switch c.kind {
	case KindTuple:
		for _, e := range c.elems {
			if e.Equal(x) {
				return true, nil
			}
		}
		return false, nil
	case KindRange:
		if !isNumber(x) {
			return false, nil
		}
		f := x.number()
		return f == math.Trunc(f) && f >= float64(c.num) && f < float64(c.end), nil
	case KindBytes:
		switch x.kind {
		case KindBytes:
			return strings.Contains(c.str, x.str), nil
		case KindInteger:
			return x.num >= 0 && x.num < 256 && strings.IndexByte(c.str, byte(x.num)) >= 0, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("attempt to test membership in a %s value", c.TypeName())
}

// Decode maps a record-like Tuple onto dst, a pointer to a struct or map.
// Keys are matched to exported fields in UpperCamelCase.
func (v Value) Decode(dst any) error {
	if v.kind != KindTuple {
		return typeMismatch("decode", v)
	}
	tbl, _ := plainLua(v).(*lua.LTable)
	if err := gluamapper.Map(tbl, dst); err != nil {
		return &Error{Code: CodeTypeMismatch, Op: "decode", Types: []string{v.TypeName()}, Cause: err}
	}
	return nil
}

// plainLua renders a Value as ordinary Lua data without metatables.
func plainLua(v Value) lua.LValue {
	switch v.kind {
	case KindInteger:
		return lua.LNumber(float64(v.num))
	case KindFloat:
		return lua.LNumber(v.flt)
	case KindString, KindBytes:
		return lua.LString(v.str)
	case KindBoolean:
		return lua.LBool(v.num != 0)
	case KindRange:
		tbl := &lua.LTable{}
		tbl.RawSetString("start", lua.LNumber(float64(v.num)))
		tbl.RawSetString("end", lua.LNumber(float64(v.end)))
		return tbl
	case KindTuple:
		tbl := &lua.LTable{}
		for _, e := range v.elems {
			if (e.kind == KindNamed || e.kind == KindPair) && e.elems[0].kind == KindString {
				tbl.RawSetString(e.elems[0].str, plainLua(e.elems[1]))
				continue
			}
			tbl.Append(plainLua(e))
		}
		return tbl
	case KindPair, KindNamed:
		tbl := &lua.LTable{}
		tbl.RawSetString("key", plainLua(v.elems[0]))
		tbl.RawSetString("value", plainLua(v.elems[1]))
		return tbl
	}
	return lua.LNil
}
