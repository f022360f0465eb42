package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// FromJSON decodes raw JSON into a Value. Numbers carrying a fraction or
// exponent, and numbers outside int64 range, are rejected with
// ErrFloatForbidden / ErrIntRange.
func FromJSON(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Value{}, fmt.Errorf("canonical: decode failed: %w", err)
	}
	// Reject trailing garbage after the first document.
	if dec.More() {
		return Value{}, fmt.Errorf("canonical: trailing data after JSON document")
	}
	return FromAny(generic)
}

// FromAny converts a generic Go value into a Value. Floating-point numbers
// and non-string map keys are rejected with a typed error.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return Str(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, ErrIntRange
		}
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, ErrIntRange
		}
		return Int(int64(t)), nil
	case float32:
		return Value{}, ErrFloatForbidden
	case float64:
		return Value{}, ErrFloatForbidden
	case json.Number:
		return numberValue(t)
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			list[i] = ev
		}
		return List(list...), nil
	case []Value:
		return List(append([]Value(nil), t...)...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	case map[string]Value:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = e
		}
		return Map(m), nil
	}

	// Maps with non-string keys reach here; name the violation precisely.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String {
		return Value{}, ErrNonStringKey
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return Value{}, ErrFloatForbidden
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s", ErrIntRange, s)
	}
	return Int(i), nil
}

// Canonicalize returns the unique deterministic encoding of v: UTF-8,
// map keys sorted by code point, fixed separators, no HTML escaping,
// no insignificant whitespace. It is total over the Value union.
func Canonicalize(v Value) []byte {
	var buf bytes.Buffer
	appendCanonical(&buf, v)
	return buf.Bytes()
}

func appendCanonical(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindStr:
		appendQuoted(buf, v.s)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonical(buf, e)
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendQuoted(buf, k)
			buf.WriteByte(':')
			appendCanonical(buf, v.m[k])
		}
		buf.WriteByte('}')
	}
}

// appendQuoted writes a JSON string with the minimal escape set
// (RFC 8785 §3.2.2.2): backslash, quote, and the short forms for
// control characters; no HTML escaping.
func appendQuoted(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r == utf8.RuneError {
				// Invalid UTF-8 input bytes map to U+FFFD.
				buf.WriteRune(utf8.RuneError)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// MarshalJSON encodes the value in canonical form, so any document embedding
// a Value stays deterministic under encoding/json.
func (v Value) MarshalJSON() ([]byte, error) {
	return Canonicalize(v), nil
}

// UnmarshalJSON decodes raw JSON through the float-free codec.
func (v *Value) UnmarshalJSON(raw []byte) error {
	decoded, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// CanonicalJSON canonicalizes a raw JSON document via RFC 8785 after
// enforcing the float-free rule. For every accepted document the output is
// byte-identical to Canonicalize(FromJSON(raw)).
func CanonicalJSON(raw []byte) ([]byte, error) {
	if _, err := FromJSON(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}
