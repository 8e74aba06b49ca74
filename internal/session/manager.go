package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/whisper/kvsessions/internal/metrics"
	"github.com/whisper/kvsessions/internal/sessionid"
)

// DefaultMaxInactiveInterval is the idle timeout given to new sessions.
const DefaultMaxInactiveInterval = 30 * time.Minute

// IDManager is the process-wide side of the session store that a Manager
// depends on. *sessionid.Manager implements it.
type IDManager interface {
	Lookup(ctx context.Context, id string) ([]byte, error)
	GetKey(ctx context.Context, id string) []byte
	SetKeyTTL(ctx context.Context, id string, data []byte, ttlSeconds int) bool
	AddKeyTTL(ctx context.Context, id string, data []byte, ttlSeconds int) bool
	DeleteKey(ctx context.Context, id string) bool
	DefaultExpiry() int

	NewSessionID(ctx context.Context, seed int64) (string, error)
	NodeID(clusterID string) string
	ClusterID(nodeID string) string

	InvalidateAll(ctx context.Context, id string)
	RenewSessionID(ctx context.Context, oldID, oldExt string, seed int64) (string, string, error)

	Register(s sessionid.SessionEventSink)
	Unregister(s sessionid.SessionEventSink)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSavePeriod sets the minimum time between writes of a session that has
// not been modified. Zero writes on every Complete.
func WithSavePeriod(d time.Duration) Option {
	return func(m *Manager) { m.savePeriod = d }
}

// WithStaleDetectionPeriod sets how long a locally cached record is trusted
// before Get re-reads the backend. Zero always re-reads.
func WithStaleDetectionPeriod(d time.Duration) Option {
	return func(m *Manager) { m.stalePeriod = d }
}

// WithSaveAllAttributes selects whole-record writes (true, the default) or
// merging changed attributes into the current backend copy (false).
func WithSaveAllAttributes(all bool) Option {
	return func(m *Manager) { m.saveAll = all }
}

// WithMaxInactiveInterval sets the idle timeout of new sessions.
func WithMaxInactiveInterval(d time.Duration) Option {
	return func(m *Manager) { m.maxInactive = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager holds the sessions of one application context.
type Manager struct {
	name   string
	ids    IDManager
	codec  Codec
	logger *slog.Logger
	now    func() time.Time

	savePeriod  time.Duration
	stalePeriod time.Duration
	saveAll     bool
	maxInactive time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates the manager for context name and registers it with ids.
func NewManager(name string, ids IDManager, codec Codec, opts ...Option) *Manager {
	m := &Manager{
		name:        name,
		ids:         ids,
		codec:       codec,
		logger:      slog.Default(),
		now:         time.Now,
		saveAll:     true,
		maxInactive: DefaultMaxInactiveInterval,
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session", "context", name)
	ids.Register(m)
	return m
}

// Name returns the application context this manager serves.
func (m *Manager) Name() string { return m.name }

// ClusterID strips the node qualifier from an id received from a client.
func (m *Manager) ClusterID(nodeID string) string { return m.ids.ClusterID(nodeID) }

// Close unregisters the manager and forgets every local session. Backend
// records are left to their TTL.
func (m *Manager) Close() {
	m.ids.Unregister(m)
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.sessions)
	m.updateGauge()
}

// Len returns the number of locally held sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the locally held session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// updateGauge must be called with m.mu held.
func (m *Manager) updateGauge() {
	metrics.ActiveSessions.WithLabelValues(m.name).Set(float64(len(m.sessions)))
}

func (m *Manager) lookupEntry(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// remove drops id from the registry and marks its entry invalid.
func (m *Manager) remove(id string) *entry {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.updateGauge()
	}
	m.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.invalid = true
		e.mu.Unlock()
	}
	return e
}

// fetch reads and decodes the backend record for id. A missing key is
// (nil, nil).
func (m *Manager) fetch(ctx context.Context, id string) (*Record, error) {
	raw := m.ids.GetKey(ctx, id)
	if raw == nil {
		return nil, nil
	}
	rec, err := m.codec.Decode(raw)
	if err != nil {
		metrics.CodecErrorsTotal.WithLabelValues("decode").Inc()
		return nil, err
	}
	return rec, nil
}

func (m *Manager) ttl(rec *Record) int {
	return rec.TTLSeconds(m.ids.DefaultExpiry())
}

// Get returns the session for id, or ErrSessionNotFound when no valid,
// unexpired record exists locally or in the backend.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	now := m.now()

	e := m.lookupEntry(id)
	if e != nil {
		e.mu.Lock()
		if !e.invalid && m.stalePeriod > 0 && now.Sub(e.fetchedAt) < m.stalePeriod {
			if e.rec.IsExpiredAt(now) {
				e.mu.Unlock()
				m.Expire(ctx, id)
				return nil, ErrSessionNotFound
			}
			e.rec.Touch(now)
			e.isNew = false
			e.mu.Unlock()
			return &Session{m: m, e: e}, nil
		}
		e.mu.Unlock()
	}

	rec, err := m.fetch(ctx, id)
	if err != nil {
		var ce *CodecError
		if errors.As(err, &ce) {
			m.logger.Warn("discarding undecodable session", "session_id", id, "error", err)
			m.remove(id)
			m.ids.DeleteKey(ctx, id)
		}
		return nil, ErrSessionNotFound
	}
	if rec == nil {
		if e != nil {
			m.remove(id)
		}
		return nil, ErrSessionNotFound
	}
	if !rec.Valid || rec.IsExpiredAt(now) {
		m.remove(id)
		m.ids.DeleteKey(ctx, id)
		return nil, ErrSessionNotFound
	}

	savedAt := rec.LastAccessedAt
	rec.Touch(now)

	if e != nil {
		e.mu.Lock()
		if !e.invalid {
			// unsaved local changes win over the backend copy
			for name := range e.dirty {
				applyAttribute(rec, e.rec, name)
			}
			if e.metaDirty {
				rec.MaxInactiveInterval = e.rec.MaxInactiveInterval
			}
			rec.Touch(e.rec.LastAccessedAt)
			e.rec = rec
			e.fetchedAt = now
			e.isNew = false
			e.mu.Unlock()
			return &Session{m: m, e: e}, nil
		}
		e.mu.Unlock()
	}

	e = &entry{rec: rec, fetchedAt: now, savedAt: savedAt}
	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return &Session{m: m, e: existing}, nil
	}
	m.sessions[id] = e
	m.updateGauge()
	m.mu.Unlock()

	m.logger.Debug("loaded session", "session_id", id)
	return &Session{m: m, e: e}, nil
}

// Create allocates a new id and stores an empty record under it. The add is
// retried once with a fresh id if the backend refuses it.
func (m *Manager) Create(ctx context.Context, seed int64) (*Session, error) {
	now := m.now()
	for attempt := 0; attempt < 2; attempt++ {
		id, err := m.ids.NewSessionID(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("session: create: %w", err)
		}

		rec := NewRecord(id, now, m.maxInactive)
		data, err := m.codec.Encode(rec)
		if err != nil {
			metrics.CodecErrorsTotal.WithLabelValues("encode").Inc()
			return nil, fmt.Errorf("session: create: %w", err)
		}
		if !m.ids.AddKeyTTL(ctx, id, data, m.ttl(rec)) {
			m.logger.Warn("could not store new session", "session_id", id, "attempt", attempt+1)
			continue
		}

		e := &entry{rec: rec, fetchedAt: now, savedAt: now, isNew: true}
		m.mu.Lock()
		m.sessions[id] = e
		m.updateGauge()
		m.mu.Unlock()

		metrics.SessionEventsTotal.WithLabelValues("created").Inc()
		m.logger.Debug("created session", "session_id", id)
		return &Session{m: m, e: e}, nil
	}
	return nil, ErrCreateFailed
}

// Acquire returns the session for id, creating a new one when id is empty
// or unknown.
func (m *Manager) Acquire(ctx context.Context, id string, seed int64) (*Session, error) {
	if id != "" {
		s, err := m.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return m.Create(ctx, seed)
}

// Complete writes s back at the end of a request. Modified sessions are
// always written; unmodified ones only once the save period has elapsed
// since the last write. A failed write keeps the changes pending.
func (m *Manager) Complete(ctx context.Context, s *Session) error {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.invalid {
		return nil
	}
	now := m.now()
	wasNew := e.isNew
	e.isNew = false
	if !e.isDirty() && now.Sub(e.savedAt) < m.savePeriod {
		return nil
	}

	rec := e.rec
	if !m.saveAll && !wasNew {
		rec = m.merge(ctx, e)
	}

	data, err := m.codec.Encode(rec)
	if err != nil {
		metrics.CodecErrorsTotal.WithLabelValues("encode").Inc()
		return fmt.Errorf("session: save %s: %w", rec.ID, err)
	}
	if !m.ids.SetKeyTTL(ctx, rec.ID, data, m.ttl(rec)) {
		return fmt.Errorf("%w: %s", ErrSaveFailed, rec.ID)
	}

	e.rec = rec
	e.dirty = nil
	e.metaDirty = false
	e.savedAt = now
	e.fetchedAt = now
	return nil
}

// merge applies the attributes changed in e onto the current backend copy.
// It falls back to the local record when the backend copy is unusable.
// Must be called with e.mu held.
func (m *Manager) merge(ctx context.Context, e *entry) *Record {
	remote, err := m.fetch(ctx, e.rec.ID)
	if err != nil || remote == nil || !remote.Valid {
		return e.rec
	}
	merged := remote.Clone()
	for name := range e.dirty {
		applyAttribute(merged, e.rec, name)
	}
	if e.metaDirty {
		merged.MaxInactiveInterval = e.rec.MaxInactiveInterval
	}
	merged.Touch(e.rec.LastAccessedAt)
	return merged
}

// applyAttribute copies src's value for name onto dst, deleting it from dst
// when src no longer has it.
func applyAttribute(dst, src *Record, name string) {
	if v, ok := src.Attributes[name]; ok {
		dst.Attributes[name] = v
		return
	}
	delete(dst.Attributes, name)
}

// Renew moves s to a fresh id in every context and on every node.
func (m *Manager) Renew(ctx context.Context, s *Session, seed int64) error {
	oldID := s.ID()
	if _, _, err := m.ids.RenewSessionID(ctx, oldID, m.ids.NodeID(oldID), seed); err != nil {
		return fmt.Errorf("session: renew %s: %w", oldID, err)
	}
	return nil
}

// InvalidateSession drops id locally and deletes its backend record. Calling
// it for an unknown id is a no-op.
func (m *Manager) InvalidateSession(ctx context.Context, id string) {
	m.discard(ctx, id, "invalidated")
}

// Expire drops id locally and deletes its backend record. It is the scavenge
// path's counterpart of InvalidateSession.
func (m *Manager) Expire(ctx context.Context, id string) {
	m.discard(ctx, id, "expired")
}

func (m *Manager) discard(ctx context.Context, id, reason string) {
	e := m.remove(id)
	deleted := m.ids.DeleteKey(ctx, id)
	if e == nil && !deleted {
		return
	}
	metrics.SessionEventsTotal.WithLabelValues(reason).Inc()
	m.logger.Debug("session "+reason, "session_id", id)
}

// RenewSessionID re-keys a locally held session from oldID to newID. The
// record is stored under newID before oldID is deleted; if that write fails
// nothing changes. Sessions not held locally are ignored.
func (m *Manager) RenewSessionID(ctx context.Context, oldID, oldExt, newID, newExt string) error {
	e := m.lookupEntry(oldID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalid {
		return nil
	}

	rec := e.rec.WithID(newID)
	data, err := m.codec.Encode(rec)
	if err != nil {
		metrics.CodecErrorsTotal.WithLabelValues("encode").Inc()
		return fmt.Errorf("session: renew %s: %w", oldID, err)
	}
	stored := m.ids.AddKeyTTL(ctx, newID, data, m.ttl(rec))
	// another manager or node may already have moved it
	if !stored && m.ids.GetKey(ctx, newID) == nil {
		return fmt.Errorf("session: renew %s: could not store %s", oldID, newID)
	}
	m.ids.DeleteKey(ctx, oldID)

	e.rec = rec
	if stored {
		e.fetchedAt = m.now()
	} else {
		// the backend copy under newID is not ours; reload it on next access
		e.fetchedAt = time.Time{}
	}
	m.mu.Lock()
	delete(m.sessions, oldID)
	m.sessions[newID] = e
	m.mu.Unlock()

	m.logger.Debug("renewed session id", "old_id", oldID, "new_id", newID, "node_id", newExt)
	return nil
}

// Scavenge returns the locally held ids that are stale at now: absent or
// invalid in the backend, or idle for longer than their max inactive
// interval. The most recent access known locally or in the backend counts.
// When the backend cannot be read the local copy alone decides.
func (m *Manager) Scavenge(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.mu.Unlock()

	var stale []string
	for id, e := range entries {
		e.mu.Lock()
		local := e.rec.Clone()
		e.mu.Unlock()

		raw, err := m.ids.Lookup(ctx, id)
		rec := local
		switch {
		case err != nil:
			m.logger.Debug("scavenge: backend unavailable, using local copy", "session_id", id, "error", err)
		case raw == nil:
			stale = append(stale, id)
			continue
		default:
			remote, derr := m.codec.Decode(raw)
			if derr != nil {
				metrics.CodecErrorsTotal.WithLabelValues("decode").Inc()
				stale = append(stale, id)
				continue
			}
			remote.Touch(local.LastAccessedAt)
			rec = remote
		}
		if !rec.Valid || rec.IsExpiredAt(now) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
