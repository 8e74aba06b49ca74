// Package session manages the sessions of one application context. It keeps
// a registry of locally active sessions, reconciles them with the key-value
// backend on access, and writes them back at the end of each request.
package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned by Get when no valid record exists.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidated is returned by mutations on an invalidated session.
	ErrInvalidated = errors.New("session: invalidated")

	// ErrSaveFailed is returned by Complete when the backend refused the write.
	ErrSaveFailed = errors.New("session: save failed")

	// ErrCreateFailed is returned by Create when no id could be stored.
	ErrCreateFailed = errors.New("session: create failed")
)

// entry is the registry slot for one session id.
type entry struct {
	mu sync.Mutex

	rec *Record
	// fetchedAt is when rec was last known to match the backend.
	fetchedAt time.Time
	savedAt   time.Time
	// dirty holds attribute names set or removed since the last save.
	dirty     map[string]struct{}
	metaDirty bool
	isNew     bool
	invalid   bool
}

func (e *entry) markDirty(name string) {
	if e.dirty == nil {
		e.dirty = make(map[string]struct{})
	}
	e.dirty[name] = struct{}{}
}

func (e *entry) isDirty() bool {
	return len(e.dirty) > 0 || e.metaDirty
}

// Session is the handle request code uses to read and mutate a session.
// Handles stay usable across id renewal.
type Session struct {
	m *Manager
	e *entry
}

// ID returns the cluster id.
func (s *Session) ID() string {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.rec.ID
}

// NodeID returns the id qualified with this node's worker name.
func (s *Session) NodeID() string {
	return s.m.ids.NodeID(s.ID())
}

func (s *Session) CreatedAt() time.Time {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.rec.CreatedAt
}

func (s *Session) LastAccessedAt() time.Time {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.rec.LastAccessedAt
}

func (s *Session) MaxInactiveInterval() time.Duration {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.rec.MaxInactiveInterval
}

// SetMaxInactiveInterval changes the idle timeout. A non-positive value
// disables expiry by the scavenger.
func (s *Session) SetMaxInactiveInterval(d time.Duration) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.invalid {
		return ErrInvalidated
	}
	s.e.rec.MaxInactiveInterval = d
	s.e.metaDirty = true
	return nil
}

// Attribute returns the named attribute.
func (s *Session) Attribute(name string) (any, bool) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	v, ok := s.e.rec.Attributes[name]
	return v, ok
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return slices.Sorted(maps.Keys(s.e.rec.Attributes))
}

// SetAttribute stores v under name. Setting nil removes the attribute.
func (s *Session) SetAttribute(name string, v any) error {
	if v == nil {
		return s.RemoveAttribute(name)
	}
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.invalid {
		return ErrInvalidated
	}
	s.e.rec.Attributes[name] = v
	s.e.markDirty(name)
	return nil
}

func (s *Session) RemoveAttribute(name string) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.invalid {
		return ErrInvalidated
	}
	if _, ok := s.e.rec.Attributes[name]; !ok {
		return nil
	}
	delete(s.e.rec.Attributes, name)
	s.e.markDirty(name)
	return nil
}

// Invalidate ends the session in every context of the process and on every
// node of the cluster.
func (s *Session) Invalidate(ctx context.Context) {
	s.m.ids.InvalidateAll(ctx, s.ID())
}

func (s *Session) IsValid() bool {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return !s.e.invalid
}

// IsNew reports whether the session was created during the current request.
func (s *Session) IsNew() bool {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.isNew
}
