// Package codec provides the session.Codec implementations. Both codecs
// share one persisted shape: timestamps as Unix nanoseconds, the inactive
// interval in nanoseconds and the attribute map.
package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/whisper/kvsessions/internal/session"
)

// persisted is the on-the-wire form of a session.Record. The JSON codec
// writes Attributes itself so it can keep their Go types.
type persisted struct {
	ID            string         `json:"id"`
	CreatedNs     int64          `json:"created_ns"`
	AccessedNs    int64          `json:"accessed_ns"`
	Valid         bool           `json:"valid"`
	MaxInactiveNs int64          `json:"max_inactive_ns"`
	Attributes    map[string]any `json:"-"`
}

func fromRecord(r *session.Record) persisted {
	return persisted{
		ID:            r.ID,
		CreatedNs:     unixNano(r.CreatedAt),
		AccessedNs:    unixNano(r.LastAccessedAt),
		Valid:         r.Valid,
		MaxInactiveNs: int64(r.MaxInactiveInterval),
		Attributes:    r.Attributes,
	}
}

func (p persisted) toRecord() (*session.Record, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if p.AccessedNs < p.CreatedNs {
		return nil, fmt.Errorf("last access %d precedes creation %d", p.AccessedNs, p.CreatedNs)
	}
	attrs := p.Attributes
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &session.Record{
		ID:                  p.ID,
		CreatedAt:           fromUnixNano(p.CreatedNs),
		LastAccessedAt:      fromUnixNano(p.AccessedNs),
		Valid:               p.Valid,
		Attributes:          attrs,
		MaxInactiveInterval: time.Duration(p.MaxInactiveNs),
	}, nil
}

// unixNano maps the zero time to 0; UnixNano is undefined outside 1678..2262.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ByName returns the codec registered under name ("json" or "gob").
func ByName(name string) (session.Codec, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return JSON{}, nil
	case "gob":
		return Gob{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
