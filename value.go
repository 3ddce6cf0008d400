package bridge

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind is the active variant of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindInteger
	KindFloat
	KindString
	KindBytes
	KindBoolean
	KindRange
	KindTuple
	KindPair
	KindNamed
	KindCustom
	KindLambda
)

var kindNames = [...]string{
	KindUndefined: "Undefined",
	KindNull:      "Null",
	KindInteger:   "Integer",
	KindFloat:     "Float",
	KindString:    "String",
	KindBytes:     "Bytes",
	KindBoolean:   "Boolean",
	KindRange:     "Range",
	KindTuple:     "Tuple",
	KindPair:      "Pair",
	KindNamed:     "Named",
	KindCustom:    "Custom",
	KindLambda:    "Lambda",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is an immutable tagged value that can cross into the engine.
// The zero Value is Undefined.
//
// A Custom Value references a host object; the bridge never owns that
// object, it only carries the reference.
type Value struct {
	kind  Kind
	num   int64   // Integer, Range start, Boolean (0/1)
	end   int64   // Range end (exclusive)
	flt   float64 // Float
	str   string  // String, Bytes, Undefined description
	elems []Value // Tuple elements; Pair and Named hold exactly [key, value]
	ref   any     // Custom payload; Lambda *Callable or engine function
}

// Unspecified converts to Undefined through ValueOf.
type Unspecified struct{}

func Integer(i int64) Value { return Value{kind: KindInteger, num: i} }

func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes copies b.
func Bytes(b []byte) Value { return Value{kind: KindBytes, str: string(b)} }

func Boolean(b bool) Value {
	v := Value{kind: KindBoolean}
	if b {
		v.num = 1
	}
	return v
}

func Null() Value { return Value{kind: KindNull} }

func Undefined() Value { return Value{} }

// UndefinedWith returns an Undefined carrying a description, as used for
// required parameters in parameter specifications.
func UndefinedWith(desc string) Value { return Value{str: desc} }

// Range is the half-open integer interval [start, end).
func Range(start, end int64) Value { return Value{kind: KindRange, num: start, end: end} }

// Custom carries obj through the engine. A Value argument is returned as is.
func Custom(obj any) Value {
	if v, ok := obj.(Value); ok {
		return v
	}
	return Value{kind: KindCustom, ref: obj}
}

// Tuple builds a Tuple, converting host elements with ValueOf.
func Tuple(elems ...any) (Value, error) {
	vs := make([]Value, len(elems))
	for i, e := range elems {
		v, err := ValueOf(e)
		if err != nil {
			return Value{}, err
		}
		vs[i] = v
	}
	return tupleOf(vs), nil
}

// Pair builds a key/value Pair.
func Pair(k, v any) (Value, error) {
	return twoOf(KindPair, k, v)
}

// Named builds a Named binding.
func Named(k, v any) (Value, error) {
	return twoOf(KindNamed, k, v)
}

func twoOf(kind Kind, k, v any) (Value, error) {
	kv, err := ValueOf(k)
	if err != nil {
		return Value{}, err
	}
	vv, err := ValueOf(v)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: kind, elems: []Value{kv, vv}}, nil
}

func tupleOf(vs []Value) Value {
	return Value{kind: KindTuple, elems: vs}
}

func namedOf(k string, v Value) Value {
	return Value{kind: KindNamed, elems: []Value{String(k), v}}
}

func pairOf(k, v Value) Value {
	return Value{kind: KindPair, elems: []Value{k, v}}
}

func lambdaOf(fn any) Value {
	return Value{kind: KindLambda, ref: fn}
}

func (v Value) Kind() Kind { return v.kind }

// TypeName returns the stable name of the active variant.
func (v Value) TypeName() string { return v.kind.String() }

func (v Value) IsInteger() bool   { return v.kind == KindInteger }
func (v Value) IsFloat() bool     { return v.kind == KindFloat }
func (v Value) IsString() bool    { return v.kind == KindString }
func (v Value) IsBytes() bool     { return v.kind == KindBytes }
func (v Value) IsBoolean() bool   { return v.kind == KindBoolean }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsRange() bool     { return v.kind == KindRange }
func (v Value) IsTuple() bool     { return v.kind == KindTuple }
func (v Value) IsPair() bool      { return v.kind == KindPair }
func (v Value) IsNamed() bool     { return v.kind == KindNamed }
func (v Value) IsCustom() bool    { return v.kind == KindCustom }
func (v Value) IsLambda() bool    { return v.kind == KindLambda }

func (v Value) AsInteger() (int64, error) {
	if v.kind != KindInteger {
		return 0, typeMismatch("as_integer", v)
	}
	return v.num, nil
}

func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, typeMismatch("as_float", v)
	}
	return v.flt, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", typeMismatch("as_string", v)
	}
	return v.str, nil
}

// AsBytes returns a copy of the bytes.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, typeMismatch("as_bytes", v)
	}
	return []byte(v.str), nil
}

func (v Value) AsBoolean() (bool, error) {
	if v.kind != KindBoolean {
		return false, typeMismatch("as_boolean", v)
	}
	return v.num != 0, nil
}

// AsRange returns the bounds of a Range.
func (v Value) AsRange() (start, end int64, err error) {
	if v.kind != KindRange {
		return 0, 0, typeMismatch("as_range", v)
	}
	return v.num, v.end, nil
}

// AsTuple returns a copy of the Tuple elements.
func (v Value) AsTuple() ([]Value, error) {
	if v.kind != KindTuple {
		return nil, typeMismatch("as_tuple", v)
	}
	return append([]Value(nil), v.elems...), nil
}

// Unwrap returns the host object of a Custom Value. The object is the one
// the Value was built from, not a copy.
func (v Value) Unwrap() (any, error) {
	if v.kind != KindCustom {
		return nil, typeMismatch("unwrap", v)
	}
	return v.ref, nil
}

// Callable returns the descriptor of a wrapped host callable.
func (v Value) Callable() (*Callable, error) {
	if c, ok := v.ref.(*Callable); ok && v.kind == KindLambda {
		return c, nil
	}
	return nil, typeMismatch("callable", v)
}

// Description returns the text attached to an Undefined.
func (v Value) Description() (string, error) {
	if v.kind != KindUndefined {
		return "", typeMismatch("description", v)
	}
	return v.str, nil
}

// Key returns the key of a Pair or Named.
func (v Value) Key() (Value, error) {
	if v.kind != KindPair && v.kind != KindNamed {
		return Value{}, typeMismatch("key", v)
	}
	return v.elems[0], nil
}

// Value returns the value of a Pair or Named.
func (v Value) Value() (Value, error) {
	if v.kind != KindPair && v.kind != KindNamed {
		return Value{}, typeMismatch("value", v)
	}
	return v.elems[1], nil
}

// Len is defined for Tuple, String, Bytes and Range. String length is in
// bytes.
func (v Value) Len() (int, error) {
	switch v.kind {
	case KindTuple:
		return len(v.elems), nil
	case KindString, KindBytes:
		return len(v.str), nil
	case KindRange:
		if v.end <= v.num {
			return 0, nil
		}
		n := uint64(v.end) - uint64(v.num)
		if n > math.MaxInt {
			return 0, &Error{Code: CodeUnsupported, Op: "len", Types: []string{v.TypeName()}, Detail: "length overflows int"}
		}
		return int(n), nil
	default:
		return 0, unsupported("len", v)
	}
}

// Lookup finds the value of the first Named or Pair element of a Tuple whose
// key is the String name. It does not go through the engine.
func (v Value) Lookup(name string) (Value, bool) {
	if v.kind != KindTuple {
		return Value{}, false
	}
	for _, e := range v.elems {
		if (e.kind == KindNamed || e.kind == KindPair) && e.elems[0].kind == KindString && e.elems[0].str == name {
			return e.elems[1], true
		}
	}
	return Value{}, false
}

// isRecord reports whether every element is keyed by a String.
func (v Value) isRecord() bool {
	if v.kind != KindTuple || len(v.elems) == 0 {
		return false
	}
	for _, e := range v.elems {
		if (e.kind != KindNamed && e.kind != KindPair) || e.elems[0].kind != KindString {
			return false
		}
	}
	return true
}

// Equal reports structural equality. Integer and Float compare numerically,
// Custom and Lambda compare by reference.
func (v Value) Equal(o Value) bool {
	if isNumber(v) && isNumber(o) {
		if v.kind == KindInteger && o.kind == KindInteger {
			return v.num == o.num
		}
		return v.number() == o.number()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return true
	case KindString, KindBytes:
		return v.str == o.str
	case KindBoolean:
		return v.num == o.num
	case KindRange:
		return v.num == o.num && v.end == o.end
	case KindTuple, KindPair, KindNamed:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindCustom, KindLambda:
		return sameRef(v.ref, o.ref)
	}
	return false
}

func isNumber(v Value) bool {
	return v.kind == KindInteger || v.kind == KindFloat
}

func (v Value) number() float64 {
	if v.kind == KindInteger {
		return float64(v.num)
	}
	return v.flt
}

func sameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	if ra.Type().Comparable() {
		return a == b
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Ptr, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}
	return false
}

// String renders the value for display; strings are not quoted.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindCustom:
		if err, ok := v.ref.(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.ref)
	}
	return v.Repr()
}

// Repr renders the value unambiguously.
func (v Value) Repr() string {
	var b strings.Builder
	v.writeRepr(&b)
	return b.String()
}

func (v Value) writeRepr(b *strings.Builder) {
	switch v.kind {
	case KindUndefined:
		b.WriteString("undefined")
		if v.str != "" {
			b.WriteByte('(')
			b.WriteString(strconv.Quote(v.str))
			b.WriteByte(')')
		}
	case KindNull:
		b.WriteString("null")
	case KindInteger:
		b.WriteString(strconv.FormatInt(v.num, 10))
	case KindFloat:
		b.WriteString(formatFloat(v.flt))
	case KindString:
		b.WriteString(strconv.Quote(v.str))
	case KindBytes:
		b.WriteByte('$')
		b.WriteString(strconv.Quote(v.str))
	case KindBoolean:
		b.WriteString(strconv.FormatBool(v.num != 0))
	case KindRange:
		fmt.Fprintf(b, "%d..%d", v.num, v.end)
	case KindTuple:
		b.WriteByte('(')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.writeRepr(b)
		}
		if len(v.elems) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case KindPair:
		v.elems[0].writeRepr(b)
		b.WriteString(" : ")
		v.elems[1].writeRepr(b)
	case KindNamed:
		v.elems[0].writeRepr(b)
		b.WriteString(" => ")
		v.elems[1].writeRepr(b)
	case KindCustom:
		fmt.Fprintf(b, "<custom %T>", v.ref)
	case KindLambda:
		if c, ok := v.ref.(*Callable); ok {
			b.WriteString("<lambda ")
			b.WriteString(c.signature)
			b.WriteByte('>')
		} else {
			b.WriteString("<lambda>")
		}
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !math.IsInf(f, 0) && !math.IsNaN(f) && !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func concatBytes(a, b Value) Value {
	return Value{kind: KindBytes, str: a.str + b.str}
}
