package codec

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/whisper/kvsessions/internal/session"
)

func init() {
	// Composite attribute types commonly stored in sessions. Scalars are
	// registered by encoding/gob itself.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register(map[string]string{})
	gob.Register(time.Time{})
}

// Gob encodes records with encoding/gob and keeps Go attribute types intact.
// Custom attribute types must be registered with gob.Register by the
// application.
type Gob struct{}

func (Gob) Name() string { return "gob" }

func (c Gob) Encode(r *session.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fromRecord(r)); err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

func (c Gob) Decode(data []byte) (*session.Record, error) {
	var p persisted
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "decode", Err: err}
	}
	r, err := p.toRecord()
	if err != nil {
		return nil, &session.CodecError{Codec: c.Name(), Op: "decode", Err: err}
	}
	return r, nil
}
