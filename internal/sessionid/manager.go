// Package sessionid owns the process-wide connection to the key-value
// backend, allocates session ids, and fans session events out to every
// per-context session manager in the process and across the cluster.
//
// Backend failures never escape the key operations: they are logged and
// surface as a miss (GetKey) or false (SetKey, AddKey, DeleteKey). IDInUse is
// the one operation where the caller can choose to see them.
package sessionid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/kvsessions/internal/kvstore"
	"github.com/whisper/kvsessions/internal/metrics"
)

// DefaultScavengePeriod is used when the configured period is not positive.
const DefaultScavengePeriod = 1800 * time.Second

// maxIDAttempts bounds the retry loop in NewSessionID.
const maxIDAttempts = 16

// Config holds the settings read once at Start.
type Config struct {
	// ServerString is handed to the store factory unchanged.
	ServerString string
	// Timeout bounds every backend call.
	Timeout time.Duration
	// ScavengePeriod is in seconds. Values <= 0 select the default.
	ScavengePeriod int
	KeyPrefix      string
	KeySuffix      string
	// WorkerName is appended to cluster ids to form node ids.
	WorkerName string
	// Strict makes IDInUse fail closed when the backend cannot answer.
	Strict bool
}

// DefaultConfig returns a Config with a 1s timeout, a 30 minute scavenge
// period and strict id checks.
func DefaultConfig() Config {
	return Config{
		ServerString:   "localhost:11211",
		Timeout:        kvstore.DefaultTimeout,
		ScavengePeriod: int(DefaultScavengePeriod / time.Second),
		Strict:         true,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStoreFactory sets the factory used by Start.
func WithStoreFactory(f kvstore.Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithBroadcaster sets where local events are published for other nodes.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) { m.bus = b }
}

// WithIDGenerator replaces the random id source.
func WithIDGenerator(gen func(seed int64) string) Option {
	return func(m *Manager) { m.generate = gen }
}

// WithClock overrides the clock passed to scavenge sweeps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the process-wide session id manager. One Manager is shared by
// every session manager in the process.
type Manager struct {
	cfg     Config
	mangler KeyMangler
	logger  *slog.Logger
	// instance identifies this process on the event bus.
	instance string

	generate func(seed int64) string
	now      func() time.Time
	bus      Broadcaster

	mu             sync.RWMutex
	factory        kvstore.Factory
	store          kvstore.Store
	scavengePeriod time.Duration
	cancel         context.CancelFunc
	done           chan struct{}

	sinksMu sync.RWMutex
	sinks   []SessionEventSink
}

// NewManager creates a stopped Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		mangler:  KeyMangler{Prefix: cfg.KeyPrefix, Suffix: cfg.KeySuffix},
		logger:   slog.Default(),
		instance: uuid.NewString(),
		generate: randomID,
		now:      time.Now,
	}
	m.setScavengePeriod(cfg.ScavengePeriod)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sessionid")
	return m
}

func (m *Manager) setScavengePeriod(seconds int) {
	if seconds <= 0 {
		m.scavengePeriod = DefaultScavengePeriod
		return
	}
	m.scavengePeriod = time.Duration(seconds) * time.Second
}

// SetStoreFactory replaces the factory used by the next Start. The factory
// cannot change while the manager is running.
func (m *Manager) SetStoreFactory(f kvstore.Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return &LifecycleError{Op: "set store factory", Err: errors.New("already started")}
	}
	m.factory = f
	return nil
}

// SetScavengePeriod changes the sweep period in seconds. Values <= 0 select
// the default. It takes effect at the next Start.
func (m *Manager) SetScavengePeriod(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setScavengePeriod(seconds)
}

// ScavengePeriod returns the effective sweep period.
func (m *Manager) ScavengePeriod() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scavengePeriod
}

// DefaultExpiry is the TTL in seconds given to keys written without an
// explicit one. It equals the scavenge period.
func (m *Manager) DefaultExpiry() int {
	return int(m.ScavengePeriod() / time.Second)
}

// Instance is the identity this process uses on the event bus.
func (m *Manager) Instance() string { return m.instance }

// Start validates the configuration, builds and establishes the store and
// starts the scavenger.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		return &LifecycleError{Op: "start", Err: errors.New("already started")}
	}
	if m.cfg.Timeout <= 0 {
		return &ConfigurationError{Field: "timeout", Reason: fmt.Sprintf("must be positive, got %s", m.cfg.Timeout)}
	}
	if m.factory == nil {
		return &ConfigurationError{Field: "store_factory", Reason: "not set"}
	}

	store, err := m.factory(m.cfg.ServerString, m.cfg.Timeout)
	if err != nil {
		return &LifecycleError{Op: "start", Err: fmt.Errorf("create store for %q: %w", m.cfg.ServerString, err)}
	}
	if store == nil {
		return &LifecycleError{Op: "start", Err: fmt.Errorf("factory returned no store for %q", m.cfg.ServerString)}
	}

	ectx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := store.Establish(ectx); err != nil {
		_ = store.Shutdown(context.WithoutCancel(ctx))
		return &LifecycleError{Op: "start", Err: err}
	}

	m.store = store
	sctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = stop
	m.done = make(chan struct{})
	go m.runScavenger(sctx, m.scavengePeriod, m.done)

	m.logger.Info("session id manager started",
		"store", fmt.Sprintf("%T", store),
		"scavenge_period", m.scavengePeriod,
		"worker", m.cfg.WorkerName,
		"strict", m.cfg.Strict,
	)
	return nil
}

// Stop halts the scavenger and shuts the store down. It is a no-op when the
// manager is not running.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	store, cancel, done := m.store, m.cancel, m.done
	m.store, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()

	if store == nil {
		return nil
	}
	cancel()
	<-done

	if err := store.Shutdown(ctx); err != nil {
		return &LifecycleError{Op: "stop", Err: err}
	}
	m.logger.Info("session id manager stopped")
	return nil
}

// Started reports whether Start has succeeded and Stop has not been called.
func (m *Manager) Started() bool {
	return m.current() != nil
}

func (m *Manager) current() kvstore.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.Timeout)
}

// Lookup is GetKey without the error swallowing: backend failures are
// returned instead of logged.
func (m *Manager) Lookup(ctx context.Context, id string) ([]byte, error) {
	store := m.current()
	if store == nil {
		return nil, ErrNotStarted
	}
	cctx, cancel := m.callContext(ctx)
	defer cancel()

	start := time.Now()
	raw, err := store.Get(cctx, m.mangler.Mangle(id))
	metrics.ObserveStoreOp("get", start, err, raw != nil)
	return raw, err
}

// GetKey returns the bytes stored for id, or nil when the key is absent or
// the backend failed.
func (m *Manager) GetKey(ctx context.Context, id string) []byte {
	raw, err := m.Lookup(ctx, id)
	if err != nil {
		m.logger.Warn("get key failed", "session_id", id, "error", err)
		return nil
	}
	return raw
}

// SetKey writes data under id with DefaultExpiry.
func (m *Manager) SetKey(ctx context.Context, id string, data []byte) bool {
	return m.SetKeyTTL(ctx, id, data, m.DefaultExpiry())
}

// SetKeyTTL writes data under id. Negative TTLs mean "never expire".
func (m *Manager) SetKeyTTL(ctx context.Context, id string, data []byte, ttlSeconds int) bool {
	return m.write(ctx, "set", id, data, ttlSeconds)
}

// AddKey writes data under id with DefaultExpiry, only if id is unused.
func (m *Manager) AddKey(ctx context.Context, id string, data []byte) bool {
	return m.AddKeyTTL(ctx, id, data, m.DefaultExpiry())
}

// AddKeyTTL writes data under id only if id is unused.
func (m *Manager) AddKeyTTL(ctx context.Context, id string, data []byte, ttlSeconds int) bool {
	return m.write(ctx, "add", id, data, ttlSeconds)
}

func (m *Manager) write(ctx context.Context, op, id string, data []byte, ttlSeconds int) bool {
	store := m.current()
	if store == nil {
		m.logger.Warn(op+" key failed", "session_id", id, "error", ErrNotStarted)
		return false
	}
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	cctx, cancel := m.callContext(ctx)
	defer cancel()

	key := m.mangler.Mangle(id)
	start := time.Now()
	var (
		ok  bool
		err error
	)
	if op == "add" {
		ok, err = store.Add(cctx, key, data, ttlSeconds)
	} else {
		ok, err = store.Set(cctx, key, data, ttlSeconds)
	}
	metrics.ObserveStoreOp(op, start, err, ok)
	if err != nil {
		m.logger.Warn(op+" key failed", "session_id", id, "error", err)
		return false
	}
	m.logger.Debug(op+" key", "session_id", id, "ttl", ttlSeconds, "applied", ok)
	return ok
}

// DeleteKey removes id from the backend. It returns false when the key was
// absent or the backend failed.
func (m *Manager) DeleteKey(ctx context.Context, id string) bool {
	store := m.current()
	if store == nil {
		m.logger.Warn("delete key failed", "session_id", id, "error", ErrNotStarted)
		return false
	}
	cctx, cancel := m.callContext(ctx)
	defer cancel()

	start := time.Now()
	ok, err := store.Delete(cctx, m.mangler.Mangle(id))
	metrics.ObserveStoreOp("delete", start, err, ok)
	if err != nil {
		m.logger.Warn("delete key failed", "session_id", id, "error", err)
		return false
	}
	return ok
}

// IDInUse reports whether a record exists under id.
//
// When the backend cannot answer, a strict manager returns (true,
// ErrIDStateUnknown) so that callers never reuse an id that might be live. A
// lenient manager logs the failure and reports the id as unused.
func (m *Manager) IDInUse(ctx context.Context, id string) (bool, error) {
	raw, err := m.Lookup(ctx, id)
	if err == nil {
		return raw != nil, nil
	}
	if m.cfg.Strict {
		return true, fmt.Errorf("%w: %w", ErrIDStateUnknown, err)
	}
	m.logger.Warn("id state unknown, treating as unused", "session_id", id, "error", err)
	return false, nil
}

// Register adds a sink to the fan-out list. Registering twice is a no-op.
func (m *Manager) Register(s SessionEventSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	for _, existing := range m.sinks {
		if existing == s {
			return
		}
	}
	m.sinks = append(m.sinks, s)
}

// Unregister removes a sink.
func (m *Manager) Unregister(s SessionEventSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	for i, existing := range m.sinks {
		if existing == s {
			m.sinks = append(m.sinks[:i:i], m.sinks[i+1:]...)
			return
		}
	}
}

func (m *Manager) snapshot() []SessionEventSink {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()
	out := make([]SessionEventSink, len(m.sinks))
	copy(out, m.sinks)
	return out
}

// InvalidateAll invalidates id in every registered session manager and tells
// the other nodes to do the same.
func (m *Manager) InvalidateAll(ctx context.Context, id string) {
	m.invalidateLocal(ctx, id)
	m.publish(ctx, Event{Type: EventInvalidate, ID: id})
}

func (m *Manager) invalidateLocal(ctx context.Context, id string) {
	for _, s := range m.snapshot() {
		s.InvalidateSession(ctx, id)
	}
}

// ExpireAll expires id in every registered session manager and tells the
// other nodes to do the same.
func (m *Manager) ExpireAll(ctx context.Context, id string) {
	m.expireLocal(ctx, id)
	m.publish(ctx, Event{Type: EventExpire, ID: id})
}

func (m *Manager) expireLocal(ctx context.Context, id string) {
	for _, s := range m.snapshot() {
		s.Expire(ctx, id)
	}
}

// RenewSessionID allocates a fresh id and moves oldID to it in every
// registered session manager. The new cluster id and node id are returned.
func (m *Manager) RenewSessionID(ctx context.Context, oldID, oldExt string, seed int64) (string, string, error) {
	newID, err := m.NewSessionID(ctx, seed)
	if err != nil {
		return "", "", err
	}
	newExt := m.NodeID(newID)

	if err := m.renewLocal(ctx, oldID, oldExt, newID, newExt); err != nil {
		return "", "", err
	}
	metrics.SessionEventsTotal.WithLabelValues("renewed").Inc()
	m.publish(ctx, Event{Type: EventRenew, ID: oldID, OldExt: oldExt, NewID: newID, NewExt: newExt})
	return newID, newExt, nil
}

func (m *Manager) renewLocal(ctx context.Context, oldID, oldExt, newID, newExt string) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := s.RenewSessionID(ctx, oldID, oldExt, newID, newExt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleClusterEvent applies an event published by another node. Events this
// process published itself are ignored.
func (m *Manager) HandleClusterEvent(ctx context.Context, ev Event) {
	if ev.Origin == m.instance {
		return
	}
	metrics.ClusterEventsTotal.WithLabelValues("received").Inc()
	m.logger.Debug("cluster event", "type", ev.Type, "session_id", ev.ID, "origin", ev.Origin)

	switch ev.Type {
	case EventInvalidate:
		m.invalidateLocal(ctx, ev.ID)
	case EventExpire:
		m.expireLocal(ctx, ev.ID)
	case EventRenew:
		if err := m.renewLocal(ctx, ev.ID, ev.OldExt, ev.NewID, ev.NewExt); err != nil {
			m.logger.Warn("remote renew failed", "old_id", ev.ID, "new_id", ev.NewID, "error", err)
		}
	default:
		m.logger.Warn("unknown cluster event", "type", ev.Type)
	}
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.bus == nil {
		return
	}
	ev.Origin = m.instance
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish cluster event failed", "type", ev.Type, "session_id", ev.ID, "error", err)
		metrics.ClusterEventsTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.ClusterEventsTotal.WithLabelValues("sent").Inc()
}
