// Package canonical provides the deterministic serialization and hashing
// primitives every other hash in the system depends on.
//
// Values are a closed union over {null, bool, int, string, list, map}.
// Floating-point numbers are unrepresentable by construction: a digest
// computed here is reproducible across independent implementations.
package canonical

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrFloatForbidden is returned when a value contains a floating-point
	// number. Use integers, strings, or decimal-as-string instead.
	ErrFloatForbidden = errors.New("canonical: floating-point values are forbidden")

	// ErrNonStringKey is returned when a map has a non-string key.
	ErrNonStringKey = errors.New("canonical: map keys must be strings")

	// ErrUnsupportedType is returned for values outside the closed union.
	ErrUnsupportedType = errors.New("canonical: unsupported value type")

	// ErrIntRange is returned when a numeric literal does not fit in int64.
	ErrIntRange = errors.New("canonical: integer out of range")
)

// Kind discriminates the members of the Value union.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindStr
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindStr:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one member of the closed union {Null, Bool, Int, Str, List, Map}.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps a 64-bit integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Str wraps a string.
func Str(s string) Value { return Value{kind: KindStr, s: s} }

// List wraps a sequence of values. The slice is not copied.
func List(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{kind: KindList, list: vs}
}

// Map wraps a string-keyed map of values. The map is not copied.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind reports which member of the union this value is.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// BoolVal returns the boolean payload; second result is false on kind mismatch.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// IntVal returns the integer payload; second result is false on kind mismatch.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == KindInt }

// StrVal returns the string payload; second result is false on kind mismatch.
func (v Value) StrVal() (string, bool) { return v.s, v.kind == KindStr }

// ListVal returns the list payload; second result is false on kind mismatch.
// The returned slice is shared; callers that mutate must Clone first.
func (v Value) ListVal() ([]Value, bool) { return v.list, v.kind == KindList }

// MapVal returns the map payload; second result is false on kind mismatch.
// The returned map is shared; callers that mutate must Clone first.
func (v Value) MapVal() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Get returns the member for key on a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Index returns the i-th element of a list value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Len returns the number of members of a list or map, zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Keys returns the map keys in code-point order, nil for non-maps.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. Mutating the copy never affects the original,
// which is what makes dry-run patch evaluation safe.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		list := make([]Value, len(v.list))
		for i, e := range v.list {
			list[i] = e.Clone()
		}
		return Value{kind: KindList, list: list}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			m[k] = e.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindStr:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// ToAny converts the value back to the generic JSON representation
// (nil, bool, int64, string, []any, map[string]any).
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindStr:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}
