package sessionid

import (
	"context"
	"time"
)

// SessionEventSink is implemented by every per-context session manager that
// wants the process-wide invalidate, expire and renew events.
type SessionEventSink interface {
	InvalidateSession(ctx context.Context, id string)
	Expire(ctx context.Context, id string)
	RenewSessionID(ctx context.Context, oldID, oldExt, newID, newExt string) error
}

// Scavenger is implemented by sinks that take part in scavenge sweeps. It
// returns the ids known locally that are stale at now.
type Scavenger interface {
	Scavenge(ctx context.Context, now time.Time) []string
}

// EventType names a cluster-wide session event.
type EventType string

const (
	EventInvalidate EventType = "invalidate"
	EventExpire     EventType = "expire"
	EventRenew      EventType = "renew"
)

// Event is a session event as exchanged between nodes.
type Event struct {
	Type   EventType `json:"type"`
	ID     string    `json:"id"`
	OldExt string    `json:"old_ext,omitempty"`
	NewID  string    `json:"new_id,omitempty"`
	NewExt string    `json:"new_ext,omitempty"`
	Origin string    `json:"origin"`
}

// Broadcaster carries events to the other nodes of the cluster.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}
