// Package dynamic holds the loosely typed payload value exchanged with the
// Voxta hub before it is decoded into typed requests and responses.
package dynamic

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindBinary:
		return "binary"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged union over the JSON value space plus raw bytes.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	bin  []byte
}

// KindError is raised (as a panic) when a Value is read as the wrong variant,
// and returned by the non-panicking field helpers.
type KindError struct {
	Want Kind
	Got  Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("dynamic: value is %s, not %s", e.Got, e.Want)
}

func Null() Value              { return Value{} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Number(n float64) Value   { return Value{kind: KindNumber, n: n} }
func Int(n int) Value          { return Value{kind: KindNumber, n: float64(n)} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func Binary(data []byte) Value { return Value{kind: KindBinary, bin: append([]byte(nil), data...)} }

// Array builds an ordered list value.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value{}, items...)}
}

// Strings builds an array of string values.
func Strings(items ...string) Value {
	arr := make([]Value, len(items))
	for i, s := range items {
		arr[i] = String(s)
	}
	return Value{kind: KindArray, arr: arr}
}

// Object builds an object value. The map is copied.
func Object(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) must(k Kind) {
	if v.kind != k {
		panic(&KindError{Want: k, Got: v.kind})
	}
}

func (v Value) AsBool() bool {
	v.must(KindBool)
	return v.b
}

func (v Value) AsNumber() float64 {
	v.must(KindNumber)
	return v.n
}

func (v Value) AsString() string {
	v.must(KindString)
	return v.s
}

// AsArray returns a copy of the list.
func (v Value) AsArray() []Value {
	v.must(KindArray)
	return append([]Value(nil), v.arr...)
}

// AsObject returns a copy of the fields.
func (v Value) AsObject() map[string]Value {
	v.must(KindObject)
	out := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		out[k] = f
	}
	return out
}

func (v Value) AsBinary() []byte {
	v.must(KindBinary)
	return append([]byte(nil), v.bin...)
}

// Len returns the number of elements of an array or fields of an object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	panic(&KindError{Want: KindArray, Got: v.kind})
}

// Field looks up a key on an object value. It panics when v is not an object.
func (v Value) Field(name string) (Value, bool) {
	v.must(KindObject)
	f, ok := v.obj[name]
	return f, ok
}

// Keys returns the sorted field names of an object value.
func (v Value) Keys() []string {
	v.must(KindObject)
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of an object value with name set to field.
func (v Value) With(name string, field Value) Value {
	v.must(KindObject)
	out := Object(v.obj)
	out.obj[name] = field
	return out
}

// Equal reports deep equality. Numbers compare by value, object key order is
// irrelevant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, f := range v.obj {
			g, ok := o.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON encodes the value. Binary is written as a base64 string, the
// way the SignalR JSON protocol carries byte arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindBinary:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bin))
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("dynamic: cannot marshal %s", v.kind)
}

// UnmarshalJSON decodes any JSON value. Strings stay strings; binary payloads
// cannot be told apart from text on the wire.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromAny converts the output of encoding/json (or plain Go literals) into a
// Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("dynamic: invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case []string:
		return Strings(t...), nil
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			arr[i] = iv
		}
		return Value{kind: KindArray, arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = iv
		}
		return Value{kind: KindObject, obj: obj}, nil
	case map[string]Value:
		return Object(t), nil
	}
	return Value{}, fmt.Errorf("dynamic: unsupported type %T", raw)
}

// String renders the value as compact JSON, for logs.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return string(b)
}
