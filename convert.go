package bridge

import (
	"context"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// ValueOf converts a host value. Slices and arrays become Tuples,
// string-keyed maps become Tuples of Named sorted by key, and anything
// without a primitive mapping becomes Custom.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case Unspecified:
		return Undefined(), nil
	case *Callable:
		return lambdaOf(t), nil
	case bool:
		return Boolean(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case int:
		return Integer(int64(t)), nil
	case int8:
		return Integer(int64(t)), nil
	case int16:
		return Integer(int64(t)), nil
	case int32:
		return Integer(int64(t)), nil
	case int64:
		return Integer(t), nil
	case uint8:
		return Integer(int64(t)), nil
	case uint16:
		return Integer(int64(t)), nil
	case uint32:
		return Integer(int64(t)), nil
	case uint:
		return fromUint(uint64(t))
	case uint64:
		return fromUint(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case error:
		return Custom(t), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return tupleOf(nil), nil
		}
		elems := make([]Value, rv.Len())
		for i := range elems {
			e, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			elems[i] = e
		}
		return tupleOf(elems), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		elems := make([]Value, len(keys))
		for i, k := range keys {
			e, err := ValueOf(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return Value{}, err
			}
			elems[i] = namedOf(k, e)
		}
		return tupleOf(elems), nil
	}
	return Custom(x), nil
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, &Error{
			Code:   CodeTypeMismatch,
			Op:     "integer",
			Types:  []string{"uint64"},
			Detail: strconv.FormatUint(u, 10) + " overflows Integer",
		}
	}
	return Integer(int64(u)), nil
}

// numberValue tags an engine number. Numbers with an exact int64
// representation are Integers.
func numberValue(f float64) Value {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Integer(int64(f))
	}
	return Float(f)
}

// fromExported converts values exported by an engine whose numbers are all
// floating point.
func fromExported(x any) Value {
	switch t := x.(type) {
	case float64:
		return numberValue(t)
	case float32:
		return numberValue(float64(t))
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = fromExported(e)
		}
		return tupleOf(elems)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		elems := make([]Value, len(keys))
		for i, k := range keys {
			elems[i] = namedOf(k, fromExported(t[k]))
		}
		return tupleOf(elems)
	}
	if rv := reflect.ValueOf(x); rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		elems := make([]Value, rv.Len())
		for i := range elems {
			elems[i] = fromExported(rv.Index(i).Interface())
		}
		return tupleOf(elems)
	}
	v, err := ValueOf(x)
	if err != nil {
		return Custom(x)
	}
	return v
}

// Interface exports the value as plain Go data. Record-like Tuples (every
// element keyed by a String) become map[string]any, other Tuples []any,
// Pair and Named []any{key, value}, Range [2]int64. Host callables become
// func(args ...any) (any, error) invoked with context.Background; use
// InterfaceContext to tie those calls to a caller's context.
func (v Value) Interface() any {
	return v.InterfaceContext(context.Background())
}

// InterfaceContext is Interface with exported host callables running
// under ctx, so cancelling ctx cancels their later calls.
func (v Value) InterfaceContext(ctx context.Context) any {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil
	case KindInteger:
		return v.num
	case KindFloat:
		return v.flt
	case KindString:
		return v.str
	case KindBytes:
		return []byte(v.str)
	case KindBoolean:
		return v.num != 0
	case KindRange:
		return [2]int64{v.num, v.end}
	case KindTuple:
		if v.isRecord() {
			m := make(map[string]any, len(v.elems))
			for _, e := range v.elems {
				if _, dup := m[e.elems[0].str]; !dup {
					m[e.elems[0].str] = e.elems[1].InterfaceContext(ctx)
				}
			}
			return m
		}
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.InterfaceContext(ctx)
		}
		return out
	case KindPair, KindNamed:
		return []any{v.elems[0].InterfaceContext(ctx), v.elems[1].InterfaceContext(ctx)}
	case KindCustom:
		return v.ref
	case KindLambda:
		if c, ok := v.ref.(*Callable); ok {
			return c.goFunc(ctx)
		}
		return v.ref
	}
	return nil
}
