package bridge

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Op names an operator or container protocol.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpMod Op = "%"
	OpPow Op = "**"
	OpAnd Op = "&"
	OpOr  Op = "|"
	OpXor Op = "^"
	OpShl Op = "<<"
	OpShr Op = ">>"

	OpNeg    Op = "neg"
	OpPos    Op = "pos"
	OpInvert Op = "~"

	OpContains Op = "contains"
	OpIndex    Op = "index"
	OpAttr     Op = "attr"
)

// Every operator is a Lua chunk receiving its operands as varargs, so the
// engine's own semantics and metamethods decide the result.
var opChunks = map[Op]string{
	OpEq:  `local a, b = ...; return a == b`,
	OpNe:  `local a, b = ...; return a ~= b`,
	OpLt:  `local a, b = ...; return a < b`,
	OpLe:  `local a, b = ...; return a <= b`,
	OpGt:  `local a, b = ...; return a > b`,
	OpGe:  `local a, b = ...; return a >= b`,
	OpAdd: `local a, b = ...; return a + b`,
	OpSub: `local a, b = ...; return a - b`,
	OpMul: `local a, b = ...; return a * b`,
	OpDiv: `local a, b = ...; return a / b`,
	OpMod: `local a, b = ...; return a % b`,
	OpPow: `local a, b = ...; return a ^ b`,
	OpAnd: `local a, b = ...; return require("bit").band(a, b)`,
	OpOr:  `local a, b = ...; return require("bit").bor(a, b)`,
	OpXor: `local a, b = ...; return require("bit").bxor(a, b)`,
	OpShl: `local a, b = ...; return require("bit").lshift(a, b)`,
	OpShr: `local a, b = ...; return require("bit").arshift(a, b)`,

	OpNeg:    `local a = ...; return -a`,
	OpPos:    `local a = ...; if type(a) ~= "number" then error("attempt to perform arithmetic on a " .. type(a) .. " value", 0) end; return a`,
	OpInvert: `local a = ...; return require("bit").bnot(a)`,

	OpContains: `
local c, x = ...
if type(c) == "string" and type(x) == "string" then
  return string.find(c, x, 1, true) ~= nil
end
local mt = getmetatable(c)
local has = type(mt) == "table" and rawget(mt, "__contains")
if not has then
  error("attempt to test membership in a " .. type(c) .. " value", 0)
end
return has(c, x)`,
	OpIndex: `
local c, i = ...
if type(c) ~= "userdata" and type(c) ~= "table" then
  error("attempt to index a " .. type(c) .. " value", 0)
end
return c[i + 1]`,
	OpAttr: `
local c, k = ...
if type(c) ~= "userdata" and type(c) ~= "table" then
  error("attempt to index a " .. type(c) .. " value", 0)
end
return c[k]`,
}

var (
	dispatchOnce sync.Once
	dispatchers  *EnginePool
)

func dispatchPool() *EnginePool {
	dispatchOnce.Do(func() {
		dispatchers = InitEnginePool(TypeEngineLua, Options{NoPreload: true})
	})
	return dispatchers
}

// dispatch runs op in a pooled Lua state and rewraps the result.
func dispatch(op Op, operands ...Value) (Value, error) {
	eng, err := dispatchPool().Get()
	if err != nil {
		return Value{}, err
	}
	e := eng.(*LuaEngine)
	defer dispatchPool().Put(e)
	defer e.forget()

	if err := exactIntegers(operands); err != nil {
		return Value{}, operatorError(string(op), err, operands...)
	}
	res, err := e.apply(op, operands)
	if err != nil {
		return Value{}, operatorError(string(op), err, operands...)
	}
	return res, nil
}

// maxExactInt is the largest magnitude a Lua number holds without rounding.
const maxExactInt = 1 << 53

func exactIntegers(operands []Value) error {
	for _, v := range operands {
		if v.kind == KindInteger && (v.num > maxExactInt || v.num < -maxExactInt) {
			return fmt.Errorf("integer %d has no exact Lua number representation", v.num)
		}
	}
	return nil
}

func (e *LuaEngine) apply(op Op, operands []Value) (Value, error) {
	fn, ok := e.chunks[string(op)]
	if !ok {
		var err error
		if fn, err = e.vm.LoadString(opChunks[op]); err != nil {
			return Value{}, err
		}
		e.chunks[string(op)] = fn
	}
	args := make([]lua.LValue, len(operands))
	for i, v := range operands {
		args[i] = e.toLua(e.vm, v)
	}
	top := e.vm.GetTop()
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		e.vm.SetTop(top)
		return Value{}, err
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)
	return e.fromLua(ret), nil
}

// Binary applies a binary operator through the engine.
func Binary(op Op, a, b any) (Value, error) {
	av, err := ValueOf(a)
	if err != nil {
		return Value{}, err
	}
	bv, err := ValueOf(b)
	if err != nil {
		return Value{}, err
	}
	if !isBinary(op) {
		return Value{}, &Error{Code: CodeUnsupported, Op: string(op), Detail: "not a binary operator"}
	}
	return dispatch(op, av, bv)
}

// Unary applies -, + or ~ through the engine.
func Unary(op Op, a any) (Value, error) {
	av, err := ValueOf(a)
	if err != nil {
		return Value{}, err
	}
	switch op {
	case OpNeg, OpPos, OpInvert:
		return dispatch(op, av)
	}
	return Value{}, &Error{Code: CodeUnsupported, Op: string(op), Detail: "not a unary operator"}
}

func isBinary(op Op) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow,
		OpAnd, OpOr, OpXor, OpShl, OpShr:
		return true
	}
	return false
}

func compare(op Op, a Value, b any) (bool, error) {
	res, err := Binary(op, a, b)
	if err != nil {
		return false, err
	}
	return res.AsBoolean()
}

func (v Value) Eq(o any) (bool, error) { return compare(OpEq, v, o) }
func (v Value) Ne(o any) (bool, error) { return compare(OpNe, v, o) }
func (v Value) Lt(o any) (bool, error) { return compare(OpLt, v, o) }
func (v Value) Le(o any) (bool, error) { return compare(OpLe, v, o) }
func (v Value) Gt(o any) (bool, error) { return compare(OpGt, v, o) }
func (v Value) Ge(o any) (bool, error) { return compare(OpGe, v, o) }

func (v Value) Add(o any) (Value, error) { return Binary(OpAdd, v, o) }
func (v Value) Sub(o any) (Value, error) { return Binary(OpSub, v, o) }
func (v Value) Mul(o any) (Value, error) { return Binary(OpMul, v, o) }
func (v Value) Div(o any) (Value, error) { return Binary(OpDiv, v, o) }
func (v Value) Mod(o any) (Value, error) { return Binary(OpMod, v, o) }
func (v Value) Pow(o any) (Value, error) { return Binary(OpPow, v, o) }
func (v Value) And(o any) (Value, error) { return Binary(OpAnd, v, o) }
func (v Value) Or(o any) (Value, error)  { return Binary(OpOr, v, o) }
func (v Value) Xor(o any) (Value, error) { return Binary(OpXor, v, o) }
func (v Value) Shl(o any) (Value, error) { return Binary(OpShl, v, o) }
func (v Value) Shr(o any) (Value, error) { return Binary(OpShr, v, o) }

func (v Value) Neg() (Value, error)    { return Unary(OpNeg, v) }
func (v Value) Pos() (Value, error)    { return Unary(OpPos, v) }
func (v Value) Invert() (Value, error) { return Unary(OpInvert, v) }

// Contains tests membership through the engine's container semantics.
func (v Value) Contains(item any) (bool, error) {
	x, err := ValueOf(item)
	if err != nil {
		return false, err
	}
	res, err := dispatch(OpContains, v, x)
	if err != nil {
		return false, err
	}
	return res.AsBoolean()
}

// Index returns the element at the 0-based position i.
func (v Value) Index(i int) (Value, error) {
	return dispatch(OpIndex, v, Integer(int64(i)))
}

// Attr looks up an attribute through the engine. Record-like Tuples expose
// their keyed elements, Pair and Named expose key and value, and Custom
// values expose the fields and methods of the host object.
func (v Value) Attr(name string) (Value, error) {
	return dispatch(OpAttr, v, String(name))
}

// SetAttr always fails: Values are immutable from the host side.
func (v Value) SetAttr(name string, _ any) error {
	return &Error{
		Code:   CodeImmutable,
		Op:     "set_attr",
		Types:  []string{v.TypeName()},
		Detail: "cannot set attribute " + name,
	}
}
