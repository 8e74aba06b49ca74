package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindConnection},
		{"eof", io.EOF, KindConnection},
		{"closed", net.ErrClosed, KindConnection},
		{"other", errors.New("ERR wrong type"), KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("get", "k", nil))

	err := wrap("get", "k", context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsConnection(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), `get "k"`)

	again := wrap("set", "other", err)
	assert.Same(t, err, again, "already wrapped errors pass through")
}

func TestNormalizeTTL(t *testing.T) {
	assert.Equal(t, 0, normalizeTTL(-1))
	assert.Equal(t, 0, normalizeTTL(0))
	assert.Equal(t, 30, normalizeTTL(30))
}

func TestNewFactory(t *testing.T) {
	for _, name := range []string{"redis", "REDIS", "memcached", "", "postgres"} {
		f, err := NewFactory(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f, name)
	}

	_, err := NewFactory("cassandra")
	assert.Error(t, err)
}

func TestNewFactory_BuildsAdapters(t *testing.T) {
	f, _ := NewFactory(BackendRedis)
	s, err := f("localhost:6379", 0)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)

	f, _ = NewFactory(BackendMemcached)
	s, err = f("a:11211, b:11211", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:11211", "b:11211"}, s.(*MemcachedStore).servers)

	_, err = f("  ", 0)
	assert.Error(t, err, "empty memcached server list")

	f, _ = NewFactory(BackendPostgres)
	_, err = f("", 0)
	assert.Error(t, err, "empty dsn")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "connection", KindConnection.String())
	assert.Equal(t, "protocol", KindProtocol.String())
}
