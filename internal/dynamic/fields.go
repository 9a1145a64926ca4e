package dynamic

import (
	"errors"
	"fmt"
)

// FieldError reports a missing or mistyped object field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

var errMissing = errors.New("missing")

func (v Value) lookup(name string, want Kind) (Value, error) {
	if v.kind != KindObject {
		return Value{}, &FieldError{Field: name, Err: &KindError{Want: KindObject, Got: v.kind}}
	}
	f, ok := v.obj[name]
	if !ok {
		return Value{}, &FieldError{Field: name, Err: errMissing}
	}
	if f.kind != want {
		return Value{}, &FieldError{Field: name, Err: &KindError{Want: want, Got: f.kind}}
	}
	return f, nil
}

// StringField returns a required string field.
func (v Value) StringField(name string) (string, error) {
	f, err := v.lookup(name, KindString)
	if err != nil {
		return "", err
	}
	return f.s, nil
}

// OptString returns a string field, or "" when it is absent or null.
func (v Value) OptString(name string) string {
	if v.kind != KindObject {
		return ""
	}
	if f, ok := v.obj[name]; ok && f.kind == KindString {
		return f.s
	}
	return ""
}

// OptBool returns a bool field, or def when it is absent or mistyped.
func (v Value) OptBool(name string, def bool) bool {
	if v.kind != KindObject {
		return def
	}
	if f, ok := v.obj[name]; ok && f.kind == KindBool {
		return f.b
	}
	return def
}

// OptNumber returns a number field, or def when it is absent or mistyped.
func (v Value) OptNumber(name string, def float64) float64 {
	if v.kind != KindObject {
		return def
	}
	if f, ok := v.obj[name]; ok && f.kind == KindNumber {
		return f.n
	}
	return def
}

// ArrayField returns a required array field.
func (v Value) ArrayField(name string) ([]Value, error) {
	f, err := v.lookup(name, KindArray)
	if err != nil {
		return nil, err
	}
	return f.arr, nil
}

// ObjectField returns a required object field.
func (v Value) ObjectField(name string) (Value, error) {
	return v.lookup(name, KindObject)
}

// OptField returns a field of any kind, or Null when absent.
func (v Value) OptField(name string) Value {
	if v.kind != KindObject {
		return Null()
	}
	return v.obj[name]
}
