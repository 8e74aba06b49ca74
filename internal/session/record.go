package session

import (
	"fmt"
	"maps"
	"time"
)

// Record is the persisted state of one session.
type Record struct {
	ID                  string
	CreatedAt           time.Time
	LastAccessedAt      time.Time
	Valid               bool
	Attributes          map[string]any
	MaxInactiveInterval time.Duration
}

// NewRecord returns a valid record created and last accessed at now.
func NewRecord(id string, now time.Time, maxInactive time.Duration) *Record {
	return &Record{
		ID:                  id,
		CreatedAt:           now,
		LastAccessedAt:      now,
		Valid:               true,
		Attributes:          make(map[string]any),
		MaxInactiveInterval: maxInactive,
	}
}

// Touch moves LastAccessedAt forward to now. It never moves it backwards.
func (r *Record) Touch(now time.Time) {
	if now.After(r.LastAccessedAt) {
		r.LastAccessedAt = now
	}
}

// ExpiresAt is the instant after which the record is stale. It is the zero
// time when MaxInactiveInterval is not positive.
func (r *Record) ExpiresAt() time.Time {
	if r.MaxInactiveInterval <= 0 {
		return time.Time{}
	}
	return r.LastAccessedAt.Add(r.MaxInactiveInterval)
}

// IsExpiredAt reports whether a sweep running at now may expire the record.
func (r *Record) IsExpiredAt(now time.Time) bool {
	if r.MaxInactiveInterval <= 0 {
		return false
	}
	return !now.Before(r.ExpiresAt())
}

// Clone returns a copy with its own attribute map. Attribute values are
// shared.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = maps.Clone(r.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]any)
	}
	return &c
}

// WithID returns a copy of the record stored under a new id. Used by renewal;
// the receiver keeps its id.
func (r *Record) WithID(id string) *Record {
	c := r.Clone()
	c.ID = id
	return c
}

// TTLSeconds is the backend TTL for the record: MaxInactiveInterval rounded
// up to whole seconds, or fallback when the interval is not positive.
func (r *Record) TTLSeconds(fallback int) int {
	if r.MaxInactiveInterval <= 0 {
		return fallback
	}
	secs := int(r.MaxInactiveInterval / time.Second)
	if r.MaxInactiveInterval%time.Second != 0 {
		secs++
	}
	return secs
}

// Codec turns records into bytes and back.
type Codec interface {
	Name() string
	Encode(r *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// CodecError reports corrupt or incompatible persisted bytes.
type CodecError struct {
	Codec string
	Op    string // "encode" or "decode"
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Codec, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
