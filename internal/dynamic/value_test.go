package dynamic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONRoundTrip(t *testing.T) {
	in := Object(map[string]Value{
		"$type":   String("send"),
		"doReply": Bool(true),
		"count":   Int(3),
		"tags":    Strings("a", "b"),
		"nothing": Null(),
		"nested":  Object(map[string]Value{"pi": Number(3.5)}),
	})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Equal(out), "round trip changed value: %s vs %s", in, out)
}

func TestValue_BinaryMarshalsAsBase64(t *testing.T) {
	data, err := json.Marshal(Binary([]byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, `"aGk="`, string(data))
}

func TestValue_WrongVariantPanics(t *testing.T) {
	v := String("x")
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		var kerr *KindError
		require.True(t, errors.As(r.(error), &kerr))
		assert.Equal(t, KindNumber, kerr.Want)
		assert.Equal(t, KindString, kerr.Got)
	}()
	_ = v.AsNumber()
}

func TestValue_FieldHelpers(t *testing.T) {
	v := Object(map[string]Value{
		"name":  String("Kate"),
		"count": Int(2),
	})

	name, err := v.StringField("name")
	require.NoError(t, err)
	assert.Equal(t, "Kate", name)

	_, err = v.StringField("count")
	var ferr *FieldError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "count", ferr.Field)

	_, err = v.StringField("missing")
	require.Error(t, err)

	assert.Equal(t, "", v.OptString("missing"))
	assert.Equal(t, 2.0, v.OptNumber("count", 0))
	assert.True(t, v.OptBool("missing", true))
	assert.True(t, v.OptField("missing").IsNull())
}

func TestValue_WithDoesNotMutate(t *testing.T) {
	base := Object(map[string]Value{"a": Int(1)})
	next := base.With("b", Int(2))

	_, ok := base.Field("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, next.Keys())
}
