package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/whisper/kvsessions/internal/session"
)

// JSON encodes records as JSON objects. Each top-level attribute carries a
// type tag when its Go type is not JSON-native, so integers, float32,
// time.Time and time.Duration come back as they went in. Values nested in
// maps and slices decode as the JSON-native types: string, float64, bool,
// nil, []any and map[string]any.
type JSON struct{}

func (JSON) Name() string { return "json" }

type jsonRecord struct {
	persisted
	Attributes map[string]jsonAttr `json:"attributes"`
}

type jsonAttr struct {
	Type  string          `json:"t,omitempty"`
	Value json.RawMessage `json:"v"`
}

func (c JSON) Encode(r *session.Record) ([]byte, error) {
	jr := jsonRecord{persisted: fromRecord(r), Attributes: make(map[string]jsonAttr, len(r.Attributes))}
	for name, v := range r.Attributes {
		a, err := encodeAttr(v)
		if err != nil {
			return nil, &session.CodecError{Codec: c.Name(), Op: "encode", Err: fmt.Errorf("attribute %q: %w", name, err)}
		}
		jr.Attributes[name] = a
	}
	data, err := json.Marshal(jr)
	if err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "encode", Err: err}
	}
	return data, nil
}

func (c JSON) Decode(data []byte) (*session.Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "decode", Err: err}
	}
	p := jr.persisted
	p.Attributes = make(map[string]any, len(jr.Attributes))
	for name, a := range jr.Attributes {
		v, err := decodeAttr(a)
		if err != nil {
			return nil, &session.CodecError{Codec: c.Name(), Op: "decode", Err: fmt.Errorf("attribute %q: %w", name, err)}
		}
		p.Attributes[name] = v
	}
	r, err := p.toRecord()
	if err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "decode", Err: err}
	}
	return r, nil
}

func encodeAttr(v any) (jsonAttr, error) {
	var tag string
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		tag = reflect.TypeOf(v).String()
	case time.Time:
		tag = "time"
	case time.Duration:
		tag = "duration"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return jsonAttr{}, err
	}
	return jsonAttr{Type: tag, Value: raw}, nil
}

func decodeAttr(a jsonAttr) (any, error) {
	switch a.Type {
	case "":
		return unmarshalAs[any](a.Value)
	case "int":
		return unmarshalAs[int](a.Value)
	case "int8":
		return unmarshalAs[int8](a.Value)
	case "int16":
		return unmarshalAs[int16](a.Value)
	case "int32":
		return unmarshalAs[int32](a.Value)
	case "int64":
		return unmarshalAs[int64](a.Value)
	case "uint":
		return unmarshalAs[uint](a.Value)
	case "uint8":
		return unmarshalAs[uint8](a.Value)
	case "uint16":
		return unmarshalAs[uint16](a.Value)
	case "uint32":
		return unmarshalAs[uint32](a.Value)
	case "uint64":
		return unmarshalAs[uint64](a.Value)
	case "float32":
		return unmarshalAs[float32](a.Value)
	case "time":
		return unmarshalAs[time.Time](a.Value)
	case "duration":
		return unmarshalAs[time.Duration](a.Value)
	default:
		return nil, fmt.Errorf("unknown attribute type %q", a.Type)
	}
}

func unmarshalAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
