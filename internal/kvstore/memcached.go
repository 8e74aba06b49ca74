package kvstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExpiration is the largest expiration memcached reads as a
// number of seconds. Larger values are taken as absolute Unix times.
const maxRelativeExpiration = 30 * 24 * 60 * 60

// memcacheExpiration converts a TTL in seconds to memcached's expiration
// field: relative up to 30 days, absolute beyond, clamped to int32.
func memcacheExpiration(ttlSeconds int, now time.Time) int32 {
	ttl := int64(normalizeTTL(ttlSeconds))
	if ttl <= maxRelativeExpiration {
		return int32(ttl)
	}
	if ttl >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(min(now.Unix()+ttl, math.MaxInt32))
}

// MemcachedStore implements Store on a memcached cluster. It is the default
// backend when none is configured.
type MemcachedStore struct {
	servers []string

	mu     sync.RWMutex
	client *memcache.Client
}

// NewMemcachedStore parses serverString as a list of "host:port" entries
// separated by spaces or commas.
func NewMemcachedStore(serverString string, timeout time.Duration) (*MemcachedStore, error) {
	servers := strings.FieldsFunc(serverString, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(servers) == 0 {
		return nil, fmt.Errorf("kvstore: memcached: empty server list")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := memcache.New(servers...)
	client.Timeout = timeout
	return &MemcachedStore{servers: servers, client: client}, nil
}

func (s *MemcachedStore) conn() (*memcache.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errShutdown
	}
	return s.client, nil
}

// Establish pings every configured server.
func (s *MemcachedStore) Establish(ctx context.Context) error {
	c, err := s.conn()
	if err != nil {
		return wrapMemcache("establish", "", err)
	}
	if err := ctx.Err(); err != nil {
		return wrap("establish", "", err)
	}
	return wrapMemcache("establish", "", c.Ping())
}

// Get returns the value stored under key, or nil on a cache miss.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	c, err := s.conn()
	if err != nil {
		return nil, wrapMemcache("get", key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", key, err)
	}
	item, err := c.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMemcache("get", key, err)
	}
	return item.Value, nil
}

// Set stores value under key unconditionally.
func (s *MemcachedStore) Set(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, wrapMemcache("set", key, err)
	}
	if err := ctx.Err(); err != nil {
		return false, wrap("set", key, err)
	}
	err = c.Set(&memcache.Item{Key: key, Value: value, Expiration: memcacheExpiration(ttlSeconds, time.Now())})
	if err != nil {
		return false, wrapMemcache("set", key, err)
	}
	return true, nil
}

// Add stores value under key only if the key is not present.
func (s *MemcachedStore) Add(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, wrapMemcache("add", key, err)
	}
	if err := ctx.Err(); err != nil {
		return false, wrap("add", key, err)
	}
	err = c.Add(&memcache.Item{Key: key, Value: value, Expiration: memcacheExpiration(ttlSeconds, time.Now())})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, wrapMemcache("add", key, err)
	}
	return true, nil
}

// Delete removes key. A miss is reported as false, not as an error.
func (s *MemcachedStore) Delete(ctx context.Context, key string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, wrapMemcache("delete", key, err)
	}
	if err := ctx.Err(); err != nil {
		return false, wrap("delete", key, err)
	}
	err = c.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, wrapMemcache("delete", key, err)
	}
	return true, nil
}

// Shutdown drops the client; later calls fail with a connection error.
func (s *MemcachedStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	return nil
}

func wrapMemcache(op, key string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errShutdown), errors.Is(err, memcache.ErrNoServers):
		return &StoreError{Op: op, Key: key, Kind: KindConnection, Err: err}
	case errors.Is(err, memcache.ErrMalformedKey), errors.Is(err, memcache.ErrServerError),
		errors.Is(err, memcache.ErrNoStats):
		return &StoreError{Op: op, Key: key, Kind: KindProtocol, Err: err}
	}
	var ce *memcache.ConnectTimeoutError
	if errors.As(err, &ce) {
		return &StoreError{Op: op, Key: key, Kind: KindTimeout, Err: err}
	}
	return wrap(op, key, err)
}
