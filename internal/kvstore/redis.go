package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis string keys.
//
//	Set    -> SET key value [EX ttl]
//	Add    -> SET key value [EX ttl] NX
//	Delete -> DEL key
type RedisStore struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedisStore creates a store for serverString, which is either a bare
// "host:port" address or a redis:// URL. No connection is made until
// Establish. A malformed URL is reported rather than dialled as an address.
func NewRedisStore(serverString string, timeout time.Duration) (*RedisStore, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := &redis.Options{Addr: serverString}
	if strings.Contains(serverString, "://") {
		parsed, err := redis.ParseURL(serverString)
		if err != nil {
			return nil, fmt.Errorf("kvstore: redis: parse %q: %w", serverString, err)
		}
		opts = parsed
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Establish verifies the connection with PING.
func (s *RedisStore) Establish(ctx context.Context) error {
	return wrap("establish", "", s.client.Ping(ctx).Err())
}

// Get returns the value stored under key, or nil if it does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return val, nil
}

// Set stores value under key unconditionally.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	err := s.client.Set(ctx, key, value, ttl(ttlSeconds)).Err()
	if err != nil {
		return false, wrap("set", key, err)
	}
	return true, nil
}

// Add stores value under key only if the key does not exist yet.
func (s *RedisStore) Add(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl(ttlSeconds)).Result()
	if err != nil {
		return false, wrap("add", key, err)
	}
	return ok, nil
}

// Delete removes key. It reports false when the key did not exist.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, wrap("delete", key, err)
	}
	return n > 0, nil
}

// Shutdown closes the underlying client once.
func (s *RedisStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return wrap("shutdown", "", s.client.Close())
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func ttl(ttlSeconds int) time.Duration {
	return time.Duration(normalizeTTL(ttlSeconds)) * time.Second
}
