package bridge

import (
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Lua 5.1 has no bitwise operators; the bit module supplies them on 64-bit
// integers.
var bitFuncs = map[string]lua.LGFunction{
	"band": func(L *lua.LState) int {
		return bitFold(L, func(a, b int64) int64 { return a & b })
	},
	"bor": func(L *lua.LState) int {
		return bitFold(L, func(a, b int64) int64 { return a | b })
	},
	"bxor": func(L *lua.LState) int {
		return bitFold(L, func(a, b int64) int64 { return a ^ b })
	},
	"bnot": func(L *lua.LState) int {
		return pushBitInt(L, ^checkBitInt(L, 1))
	},
	"lshift": func(L *lua.LState) int {
		a, n := checkBitInt(L, 1), checkBitInt(L, 2)
		if n < 0 || n > 63 {
			L.Push(lua.LNumber(0))
			return 1
		}
		return pushBitInt(L, a<<uint(n))
	},
	"rshift": func(L *lua.LState) int {
		a, n := checkBitInt(L, 1), checkBitInt(L, 2)
		if n < 0 || n > 63 {
			L.Push(lua.LNumber(0))
			return 1
		}
		return pushBitInt(L, int64(uint64(a)>>uint(n)))
	},
	"arshift": func(L *lua.LState) int {
		a, n := checkBitInt(L, 1), checkBitInt(L, 2)
		if n < 0 {
			n = 0
		}
		if n > 63 {
			n = 63
		}
		return pushBitInt(L, a>>uint(n))
	},
}

func bitLoader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), bitFuncs)
	L.Push(mod)
	return 1
}

func bitFold(L *lua.LState, op func(a, b int64) int64) int {
	acc := checkBitInt(L, 1)
	for i := 2; i <= L.GetTop(); i++ {
		acc = op(acc, checkBitInt(L, i))
	}
	return pushBitInt(L, acc)
}

// pushBitInt pushes n, raising when a Lua number would round it.
func pushBitInt(L *lua.LState, n int64) int {
	if n > maxExactInt || n < -maxExactInt {
		L.RaiseError("bitwise result %d out of exact integer range", n)
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

func checkBitInt(L *lua.LState, n int) int64 {
	lv := L.Get(n)
	num, ok := lv.(lua.LNumber)
	if !ok {
		L.RaiseError("attempt to perform bitwise operation on a %s value", lv.Type().String())
		return 0
	}
	f := float64(num)
	if f != math.Trunc(f) || f < -maxExactInt || f > maxExactInt {
		L.RaiseError("number has no integer representation")
		return 0
	}
	return int64(f)
}
