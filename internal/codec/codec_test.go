package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/kvsessions/internal/session"
)

func sampleRecord(attrs map[string]any) *session.Record {
	created := time.Now()
	return &session.Record{
		ID:                  "abc123",
		CreatedAt:           created,
		LastAccessedAt:      created.Add(90*time.Second + 123*time.Nanosecond),
		Valid:               true,
		Attributes:          attrs,
		MaxInactiveInterval: 30 * time.Minute,
	}
}

func TestRoundtrip(t *testing.T) {
	cases := []struct {
		codec session.Codec
		attrs map[string]any
	}{
		{JSON{}, map[string]any{
			"user":  "alice",
			"count": 3,
			"ratio": 0.5,
			"small": int8(-4),
			"big":   uint64(1 << 63),
			"scale": float32(1.25),
			"ttl":   90 * time.Second,
			"admin": true,
			"tags":  []any{"a", "b"},
			"prefs": map[string]any{"theme": "dark"},
			"none":  nil,
		}},
		{Gob{}, map[string]any{
			"user":  "alice",
			"count": 3,
			"ratio": 0.5,
			"admin": true,
			"tags":  []string{"a", "b"},
			"prefs": map[string]string{"theme": "dark"},
		}},
		{JSON{}, map[string]any{}},
		{Gob{}, map[string]any{}},
	}

	for _, tc := range cases {
		t.Run(tc.codec.Name(), func(t *testing.T) {
			in := sampleRecord(tc.attrs)

			data, err := tc.codec.Encode(in)
			require.NoError(t, err)

			out, err := tc.codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, in.ID, out.ID)
			assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
			assert.True(t, in.LastAccessedAt.Equal(out.LastAccessedAt))
			assert.Equal(t, in.Valid, out.Valid)
			assert.Equal(t, in.MaxInactiveInterval, out.MaxInactiveInterval)
			assert.Equal(t, in.Attributes, out.Attributes)
		})
	}
}

func TestRoundtripKeepsTimeAttribute(t *testing.T) {
	login := time.Now()
	for _, c := range []session.Codec{JSON{}, Gob{}} {
		data, err := c.Encode(sampleRecord(map[string]any{"login": login}))
		require.NoError(t, err)
		out, err := c.Decode(data)
		require.NoError(t, err)

		got, ok := out.Attributes["login"].(time.Time)
		require.True(t, ok, c.Name())
		assert.True(t, login.Equal(got), c.Name())
	}
}

func TestJSONDecodeUnknownAttributeType(t *testing.T) {
	_, err := JSON{}.Decode([]byte(`{"id":"x","created_ns":1,"accessed_ns":1,"attributes":{"a":{"t":"complex128","v":1}}}`))

	var ce *session.CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "decode", ce.Op)
	assert.Contains(t, err.Error(), "complex128")
}

func TestRoundtripKeepsTombstone(t *testing.T) {
	for _, c := range []session.Codec{JSON{}, Gob{}} {
		in := sampleRecord(map[string]any{"k": "v"})
		in.Valid = false

		data, err := c.Encode(in)
		require.NoError(t, err)
		out, err := c.Decode(data)
		require.NoError(t, err)
		assert.False(t, out.Valid, c.Name())
	}
}

func TestDecodeCorrupt(t *testing.T) {
	inputs := [][]byte{
		[]byte("not a record"),
		{0xff, 0x00, 0x13},
		nil,
	}
	for _, c := range []session.Codec{JSON{}, Gob{}} {
		for _, in := range inputs {
			_, err := c.Decode(in)
			require.Error(t, err, c.Name())

			var ce *session.CodecError
			require.True(t, errors.As(err, &ce), c.Name())
			assert.Equal(t, "decode", ce.Op)
			assert.Equal(t, c.Name(), ce.Codec)
		}
	}
}

func TestDecodeRejectsInconsistentRecord(t *testing.T) {
	_, err := JSON{}.Decode([]byte(`{"id":"","created_ns":1,"accessed_ns":1}`))
	assert.Error(t, err, "missing id")

	_, err = JSON{}.Decode([]byte(`{"id":"x","created_ns":10,"accessed_ns":5}`))
	assert.Error(t, err, "accessed before created")
}

func TestEncodeUnsupportedValue(t *testing.T) {
	in := sampleRecord(map[string]any{"ch": make(chan int)})
	_, err := JSON{}.Encode(in)

	var ce *session.CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "encode", ce.Op)
}

func TestByName(t *testing.T) {
	c, err := ByName("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("GOB")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Name())

	c, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = ByName("kryo")
	assert.Error(t, err)
}
