package kvstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to the database named by KVSESSIONS_TEST_POSTGRES_DSN
// and skips the test when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("KVSESSIONS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KVSESSIONS_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn, 2*time.Second)
	require.NoError(t, err)
	if err := store.Establish(context.Background()); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })
	return store
}

func TestPostgresStore_Roundtrip(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	key := fmt.Sprintf("test_pg_%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = store.Delete(ctx, key) })

	ok, err := store.Add(ctx, key, []byte("a"), 60)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Add(ctx, key, []byte("b"), 60)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Set(ctx, key, []byte("c"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), val)

	deleted, err := store.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)

	val, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestPostgresStore_ExpiredRowsAreInvisibleAndPurged(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	key := fmt.Sprintf("test_pg_exp_%d", time.Now().UnixNano())

	_, err := store.Set(ctx, key, []byte("x"), 1)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	val, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, val)

	ok, err := store.Add(ctx, key, []byte("y"), 1)
	require.NoError(t, err)
	assert.True(t, ok, "add replaces an expired row")

	time.Sleep(1100 * time.Millisecond)
	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestPostgresStore_NotEstablished(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/none", 0)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "k")
	assert.True(t, IsConnection(err))
	assert.NoError(t, store.Shutdown(context.Background()))
}
