// Package kvstore defines the key-value backend capability the session store
// is built on, and adapters for Redis, memcached and PostgreSQL.
//
// Every adapter stores opaque byte values under string keys with a TTL
// expressed in whole seconds, where 0 means "never expire":
//
//	Key:   <prefix><session id><suffix>
//	Value: encoded session record
//	TTL:   seconds, 0 = forever
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

var errShutdown = errors.New("client is shut down")

// DefaultTimeout bounds every backend round trip unless configured otherwise.
const DefaultTimeout = 1000 * time.Millisecond

// Store is a network-attached key-value backend.
//
// Get returns (nil, nil) when the key is absent. Set, Add and Delete report
// whether the backend applied the operation; Add only succeeds when the key
// did not exist. All methods may fail with a *StoreError.
//
// Implementations must be safe for concurrent use: one Store is shared by
// every session manager in the process.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error)
	Add(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)

	// Establish opens and verifies the connection.
	Establish(ctx context.Context) error
	// Shutdown releases the connection. It is safe to call more than once.
	Shutdown(ctx context.Context) error
}

// Purger is implemented by backends that do not evict expired keys on their
// own. The scavenger calls Purge on every sweep.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Factory builds a Store for a backend endpoint specification.
type Factory func(serverString string, timeout time.Duration) (Store, error)

// Backend names accepted by NewFactory.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendPostgres  = "postgres"
)

// NewFactory returns the Factory for a named backend.
func NewFactory(backend string) (Factory, error) {
	switch strings.ToLower(backend) {
	case BackendRedis:
		return func(server string, timeout time.Duration) (Store, error) {
			s, err := NewRedisStore(server, timeout)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil
	case BackendMemcached, "":
		return func(server string, timeout time.Duration) (Store, error) {
			return NewMemcachedStore(server, timeout)
		}, nil
	case BackendPostgres:
		return func(server string, timeout time.Duration) (Store, error) {
			return NewPostgresStore(server, timeout)
		}, nil
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", backend)
	}
}

// Kind classifies a StoreError.
type Kind int

const (
	KindProtocol Kind = iota
	KindTimeout
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	default:
		return "protocol"
	}
}

// StoreError is a transport, timeout or protocol failure talking to the backend.
type StoreError struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kvstore: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("kvstore: %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a StoreError of KindTimeout.
func IsTimeout(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindTimeout
}

// IsConnection reports whether err is a StoreError of KindConnection.
func IsConnection(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindConnection
}

// wrap turns a client library error into a *StoreError. A nil err stays nil.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) {
		return KindConnection
	}
	return KindProtocol
}

// normalizeTTL clamps negative TTLs to 0, the backends' "forever".
func normalizeTTL(ttlSeconds int) int {
	if ttlSeconds < 0 {
		return 0
	}
	return ttlSeconds
}
