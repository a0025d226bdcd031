package timeline

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ReducerKind enumerates the aggregation rules for payload fields.
type ReducerKind string

const (
	ReduceFirst    ReducerKind = "first"
	ReduceLast     ReducerKind = "last"
	ReduceMin      ReducerKind = "min"
	ReduceMax      ReducerKind = "max"
	ReduceSum      ReducerKind = "sum"
	ReduceSetUnion ReducerKind = "set_union"
	ReduceCustom   ReducerKind = "custom"
)

// CustomFunc aggregates the values of one field, ordered by interval start.
// Missing fields appear as nil.
type CustomFunc func(values []any) (any, error)

// Reducer is a typed aggregation rule. Fn is only used by ReduceCustom.
type Reducer struct {
	Kind ReducerKind
	Fn   CustomFunc
}

// Reduce builds a non-custom reducer.
func Reduce(kind ReducerKind) Reducer { return Reducer{Kind: kind} }

// Custom wraps fn as a reducer.
func Custom(fn CustomFunc) Reducer { return Reducer{Kind: ReduceCustom, Fn: fn} }

// ParseReducer validates a reducer name. Custom reducers cannot be named.
func ParseReducer(s string) (Reducer, error) {
	switch k := ReducerKind(strings.ToLower(s)); k {
	case ReduceFirst, ReduceLast, ReduceMin, ReduceMax, ReduceSum, ReduceSetUnion:
		return Reducer{Kind: k}, nil
	}
	return Reducer{}, fmt.Errorf("%w: unknown reducer %q", ErrInvalidOptions, s)
}

// Apply aggregates values with the reducer's rule.
func (r Reducer) Apply(values []any) (any, error) {
	switch r.Kind {
	case ReduceFirst, "":
		for _, v := range values {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case ReduceLast:
		for i := len(values) - 1; i >= 0; i-- {
			if values[i] != nil {
				return values[i], nil
			}
		}
		return nil, nil
	case ReduceMin:
		return extreme(values, -1)
	case ReduceMax:
		return extreme(values, 1)
	case ReduceSum:
		return sum(values)
	case ReduceSetUnion:
		return union(values)
	case ReduceCustom:
		if r.Fn == nil {
			return nil, fmt.Errorf("custom reducer has no function")
		}
		return r.Fn(values)
	}
	return nil, fmt.Errorf("unknown reducer %q", r.Kind)
}

// number is a payload value of a numeric kind. isFloat is set for float
// kinds and for unsigned values beyond int64.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

// asNumber accepts Go integer and float kinds and json.Number. Booleans,
// strings and everything else are not numbers.
func asNumber(v any) (number, bool) {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return number{i: cast.ToInt64(x)}, true
	case uint:
		return asNumber(uint64(x))
	case uint64:
		if x > math.MaxInt64 {
			return number{f: float64(x), isFloat: true}, true
		}
		return number{i: int64(x)}, true
	case float32:
		return number{f: float64(x), isFloat: true}, true
	case float64:
		return number{f: x, isFloat: true}, true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return number{i: i}, true
		}
		if f, err := x.Float64(); err == nil {
			return number{f: f, isFloat: true}, true
		}
	}
	return number{}, false
}

// sum adds integers exactly in int64 and switches to float64 only when a
// float is present.
func sum(values []any) (any, error) {
	var (
		ints     int64
		floats   float64
		hasFloat bool
	)
	for _, v := range values {
		if v == nil {
			continue
		}
		n, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("sum: non-numeric value %v (%T)", v, v)
		}
		if n.isFloat {
			floats += n.f
			hasFloat = true
			continue
		}
		if (n.i > 0 && ints > math.MaxInt64-n.i) || (n.i < 0 && ints < math.MinInt64-n.i) {
			return nil, fmt.Errorf("sum: integer overflow adding %d to %d", n.i, ints)
		}
		ints += n.i
	}
	if hasFloat {
		return float64(ints) + floats, nil
	}
	return ints, nil
}

// extreme returns the minimum (dir < 0) or maximum (dir > 0) non-nil value.
func extreme(values []any, dir int) (any, error) {
	var best any
	for _, v := range values {
		if v == nil {
			continue
		}
		if best == nil {
			if _, err := compare(v, v); err != nil {
				return nil, err
			}
			best = v
			continue
		}
		c, err := compare(v, best)
		if err != nil {
			return nil, err
		}
		if c*dir > 0 {
			best = v
		}
	}
	return best, nil
}

// compare orders two payload values of the same family: numbers, strings or
// timestamps. Mixed families and unordered kinds such as bool are errors.
func compare(a, b any) (int, error) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), nil
		}
	default:
		an, aok := asNumber(a)
		bn, bok := asNumber(b)
		if aok && bok {
			if !an.isFloat && !bn.isFloat {
				return cmp.Compare(an.i, bn.i), nil
			}
			return cmp.Compare(an.float(), bn.float()), nil
		}
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

// union flattens slice values and keeps distinct elements in first-seen order.
func union(values []any) (any, error) {
	seen := make(map[any]struct{})
	out := make([]any, 0, len(values))
	add := func(v any) error {
		if v == nil {
			return nil
		}
		if !reflect.TypeOf(v).Comparable() {
			return fmt.Errorf("set_union: value of type %T is not hashable", v)
		}
		if _, ok := seen[v]; ok {
			return nil
		}
		seen[v] = struct{}{}
		out = append(out, v)
		return nil
	}
	for _, v := range values {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if err := add(item); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}
