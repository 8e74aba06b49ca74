// Package kvstoretest provides an in-memory kvstore.Store with failure
// injection for tests.
package kvstoretest

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/kvsessions/internal/kvstore"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero => no TTL
}

// Store is an in-memory kvstore.Store. Errors registered with FailOn are
// returned by the matching operation until cleared.
type Store struct {
	mu    sync.Mutex
	items map[string]item
	fail  map[string]error
	now   func() time.Time

	EstablishErr error
	Established  bool
	Shutdowns    int
	// TTLs records the last TTL passed for each key by Set or Add.
	TTLs map[string]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		items: make(map[string]item),
		fail:  make(map[string]error),
		now:   time.Now,
		TTLs:  make(map[string]int),
	}
}

// SetClock overrides the clock used for TTL expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes op ("get", "set", "add", "delete") return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Timeout builds the StoreError a timed out backend call produces.
func Timeout(op, key string) error {
	return &kvstore.StoreError{Op: op, Key: key, Kind: kvstore.KindTimeout, Err: context.DeadlineExceeded}
}

// Raw returns the stored bytes for key, ignoring injected failures.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	return it.value, ok
}

// Keys returns the number of live keys.
func (s *Store) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}

func (s *Store) live(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func (s *Store) put(key string, value []byte, ttl int) {
	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.now().Add(time.Duration(ttl) * time.Second)
	}
	s.items[key] = it
	s.TTLs[key] = ttl
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["get"]; err != nil {
		return nil, err
	}
	it, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), it.value...), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["set"]; err != nil {
		return false, err
	}
	s.put(key, value, ttlSeconds)
	return true, nil
}

func (s *Store) Add(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["add"]; err != nil {
		return false, err
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttlSeconds)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["delete"]; err != nil {
		return false, err
	}
	_, ok := s.live(key)
	delete(s.items, key)
	return ok, nil
}

func (s *Store) Establish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EstablishErr != nil {
		return s.EstablishErr
	}
	s.Established = true
	return nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shutdowns++
	s.Established = false
	return nil
}

// Factory returns a kvstore.Factory that always hands out s.
func (s *Store) Factory() kvstore.Factory {
	return func(string, time.Duration) (kvstore.Store, error) {
		return s, nil
	}
}
