package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/kvsessions/internal/codec"
	"github.com/whisper/kvsessions/internal/kvstore/kvstoretest"
	"github.com/whisper/kvsessions/internal/logging"
	"github.com/whisper/kvsessions/internal/session"
	"github.com/whisper/kvsessions/internal/sessionid"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func sequence(ids ...string) func(int64) string {
	var (
		mu sync.Mutex
		n  int
	)
	return func(int64) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n <= len(ids) {
			return ids[n-1]
		}
		return fmt.Sprintf("gen-%d", n)
	}
}

type node struct {
	ids *sessionid.Manager
	m   *session.Manager
}

func newNode(t *testing.T, store *kvstoretest.Store, clk *clock, gen func(int64) string, opts ...session.Option) *node {
	t.Helper()
	idOpts := []sessionid.Option{
		sessionid.WithLogger(logging.NewNop()),
		sessionid.WithStoreFactory(store.Factory()),
		sessionid.WithClock(clk.Now),
	}
	if gen != nil {
		idOpts = append(idOpts, sessionid.WithIDGenerator(gen))
	}
	ids := sessionid.NewManager(sessionid.DefaultConfig(), idOpts...)
	require.NoError(t, ids.Start(context.Background()))
	t.Cleanup(func() { _ = ids.Stop(context.Background()) })

	opts = append([]session.Option{session.WithLogger(logging.NewNop()), session.WithClock(clk.Now)}, opts...)
	return &node{ids: ids, m: session.NewManager("/app", ids, codec.Gob{}, opts...)}
}

func newFixture(t *testing.T) (*kvstoretest.Store, *clock) {
	store := kvstoretest.New()
	clk := newClock()
	store.SetClock(clk.Now)
	return store, clk
}

func backendRecord(t *testing.T, store *kvstoretest.Store, id string) *session.Record {
	t.Helper()
	raw, ok := store.Raw(id)
	require.True(t, ok, "no backend record for %s", id)
	rec, err := codec.Gob{}.Decode(raw)
	require.NoError(t, err)
	return rec
}

func TestCreate_IDImmediatelyInUse(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("abc"))
	ctx := context.Background()

	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, "abc", s.ID())
	assert.True(t, s.IsNew())
	assert.Equal(t, 30*time.Minute, s.MaxInactiveInterval())
	assert.Equal(t, clk.Now(), s.CreatedAt())
	assert.Equal(t, clk.Now(), s.LastAccessedAt())
	inUse, err := n.ids.IDInUse(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, inUse)
	assert.Equal(t, 1800, store.TTLs["abc"])
	assert.Equal(t, []string{"abc"}, n.m.IDs())
}

func TestCreate_RetriesOnce(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, nil)
	store.FailOn("add", kvstoretest.Timeout("add", ""))

	_, err := n.m.Create(context.Background(), 1)

	assert.ErrorIs(t, err, session.ErrCreateFailed)
	assert.Equal(t, 0, n.m.Len())
}

func TestGet_LoadsFromBackend(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()

	s, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("user", "alice"))
	require.NoError(t, a.m.Complete(ctx, s))

	clk.Advance(5 * time.Second)
	got, err := b.m.Get(ctx, "s1")
	require.NoError(t, err)

	v, ok := got.Attribute("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
	assert.False(t, got.IsNew())
	assert.Equal(t, clk.Now(), got.LastAccessedAt())
	assert.Equal(t, []string{"user"}, got.AttributeNames())
}

func TestGet_Unknown(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, nil)

	_, err := n.m.Get(context.Background(), "nope")

	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestGet_CorruptRecordIsMiss(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, nil)
	ctx := context.Background()
	require.True(t, n.ids.SetKey(ctx, "bad", []byte("not a record")))

	_, err := n.m.Get(ctx, "bad")

	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, ok := store.Raw("bad")
	assert.False(t, ok, "corrupt record should be deleted")
}

func TestGet_ExpiredRecordIsMiss(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"), session.WithMaxInactiveInterval(10*time.Second))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()

	_, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	// keep the key alive past the idle timeout
	rec := backendRecord(t, store, "s1")
	data, err := codec.Gob{}.Encode(rec)
	require.NoError(t, err)
	require.True(t, a.ids.SetKeyTTL(ctx, "s1", data, 0))

	clk.Advance(10 * time.Second)
	_, err = b.m.Get(ctx, "s1")

	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, ok := store.Raw("s1")
	assert.False(t, ok)
}

func TestAcquire(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1", "s2"))
	ctx := context.Background()

	created, err := n.m.Acquire(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID())

	same, err := n.m.Acquire(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, "s1", same.ID())

	fresh, err := n.m.Acquire(ctx, "gone", 1)
	require.NoError(t, err)
	assert.Equal(t, "s2", fresh.ID())
	assert.True(t, fresh.IsNew())
}

func TestInvalidateSession_Idempotent(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)

	n.m.InvalidateSession(ctx, "s1")
	n.m.InvalidateSession(ctx, "s1")

	assert.Equal(t, 0, n.m.Len())
	assert.False(t, s.IsValid())
	assert.ErrorIs(t, s.SetAttribute("k", 1), session.ErrInvalidated)
	assert.NoError(t, n.m.Complete(ctx, s))
	_, ok := store.Raw("s1")
	assert.False(t, ok)
	_, err = n.m.Get(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionInvalidate_ReachesEveryContext(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	other := session.NewManager("/other", n.ids, codec.Gob{}, session.WithLogger(logging.NewNop()), session.WithClock(clk.Now))
	ctx := context.Background()

	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	_, err = other.Get(ctx, "s1")
	require.NoError(t, err)

	s.Invalidate(ctx)

	assert.Equal(t, 0, n.m.Len())
	assert.Equal(t, 0, other.Len())
	assert.Nil(t, n.ids.GetKey(ctx, "s1"))
}

func TestClose_Unregisters(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)

	n.m.Close()
	n.ids.InvalidateAll(ctx, "s1")

	assert.Equal(t, 0, n.m.Len())
	_, ok := store.Raw("s1")
	assert.True(t, ok, "closed manager must not receive events")
}

func TestScavenge_ExpiryBoundary(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"), session.WithMaxInactiveInterval(10*time.Second))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	t0 := clk.Now()

	assert.Empty(t, n.m.Scavenge(ctx, t0.Add(10*time.Second-time.Millisecond)))
	assert.Equal(t, []string{"s1"}, n.m.Scavenge(ctx, t0.Add(10*time.Second)))
	assert.Equal(t, []string{"s1"}, n.m.Scavenge(ctx, t0.Add(time.Hour)))
}

func TestScavenge_NoExpiryWithoutInterval(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"), session.WithMaxInactiveInterval(0))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)

	assert.Empty(t, n.m.Scavenge(ctx, clk.Now().Add(24*time.Hour)))
}

func TestScavenge_RecentAccessOnOtherNode(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"), session.WithMaxInactiveInterval(time.Minute))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()
	_, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	t0 := clk.Now()

	clk.Advance(50 * time.Second)
	s, err := b.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, b.m.Complete(ctx, s))

	assert.Empty(t, a.m.Scavenge(ctx, t0.Add(70*time.Second)))
	assert.Equal(t, []string{"s1"}, a.m.Scavenge(ctx, t0.Add(110*time.Second)))
}

func TestScavenge_AbsentInBackend(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.True(t, n.ids.DeleteKey(ctx, "s1"))

	assert.Equal(t, []string{"s1"}, n.m.Scavenge(ctx, clk.Now()))
}

func TestScavenge_BackendDownUsesLocalCopy(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"), session.WithMaxInactiveInterval(time.Minute))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	store.FailOn("get", kvstoretest.Timeout("get", "s1"))

	assert.Empty(t, n.m.Scavenge(ctx, clk.Now().Add(30*time.Second)))
	assert.Equal(t, []string{"s1"}, n.m.Scavenge(ctx, clk.Now().Add(2*time.Minute)))
}

func TestScavengeNow_ExpiresStaleSessions(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1", "s2"), session.WithMaxInactiveInterval(time.Minute))
	ctx := context.Background()
	_, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	clk.Advance(45 * time.Second)
	_, err = n.m.Create(ctx, 1)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	expired := n.ids.ScavengeNow(ctx)

	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"s2"}, n.m.IDs())
	_, ok := store.Raw("s1")
	assert.False(t, ok)
}

func TestRenew_MovesRecord(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("old", "new"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("cart", 3))
	require.NoError(t, n.m.Complete(ctx, s))
	created := s.CreatedAt()

	require.NoError(t, n.m.Renew(ctx, s, 1))

	assert.Equal(t, "new", s.ID())
	assert.Equal(t, []string{"new"}, n.m.IDs())
	assert.Nil(t, n.ids.GetKey(ctx, "old"))
	rec := backendRecord(t, store, "new")
	assert.Equal(t, map[string]any{"cart": 3}, rec.Attributes)
	assert.True(t, created.Equal(rec.CreatedAt))
}

func TestRenew_FailedWriteKeepsOriginal(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("old", "new"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("cart", 3))
	require.NoError(t, n.m.Complete(ctx, s))

	store.FailOn("add", kvstoretest.Timeout("add", "new"))
	err = n.m.Renew(ctx, s, 1)

	require.Error(t, err)
	assert.Equal(t, "old", s.ID())
	assert.Equal(t, []string{"old"}, n.m.IDs())
	rec := backendRecord(t, store, "old")
	assert.Equal(t, map[string]any{"cart": 3}, rec.Attributes)
	_, ok := store.Raw("new")
	assert.False(t, ok)
}

func TestRenew_AppliedByOtherNode(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("old", "new"))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()
	s, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	_, err = b.m.Get(ctx, "old")
	require.NoError(t, err)

	require.NoError(t, a.m.Renew(ctx, s, 1))
	b.ids.HandleClusterEvent(ctx, sessionid.Event{
		Type: sessionid.EventRenew, ID: "old", OldExt: "old", NewID: "new", NewExt: "new", Origin: a.ids.Instance(),
	})

	assert.Equal(t, []string{"new"}, b.m.IDs())
	got, err := b.m.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID())
}

func TestRenew_ExistingTargetIsReloaded(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("old"), session.WithStaleDetectionPeriod(time.Minute))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("cart", 3))
	require.NoError(t, n.m.Complete(ctx, s))

	moved := &session.Record{
		ID:                  "new",
		CreatedAt:           s.CreatedAt(),
		LastAccessedAt:      clk.Now(),
		Valid:               true,
		Attributes:          map[string]any{"cart": 7},
		MaxInactiveInterval: 30 * time.Minute,
	}
	data, err := codec.Gob{}.Encode(moved)
	require.NoError(t, err)
	_, err = store.Set(ctx, "new", data, 0)
	require.NoError(t, err)

	require.NoError(t, n.m.RenewSessionID(ctx, "old", "old", "new", "new"))

	got, err := n.m.Get(ctx, "new")
	require.NoError(t, err)
	v, _ := got.Attribute("cart")
	assert.Equal(t, 7, v)
}

func TestRenew_UnknownSessionIgnored(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, nil)

	assert.NoError(t, n.m.RenewSessionID(context.Background(), "x", "x", "y", "y"))
	assert.Equal(t, 0, store.Keys())
}

func TestComplete_LastWriterWins(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()
	created, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, created.SetAttribute("owner", "a"))
	require.NoError(t, a.m.Complete(ctx, created))

	sa, err := a.m.Get(ctx, "s1")
	require.NoError(t, err)
	sb, err := b.m.Get(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, sa.SetAttribute("count", 1))
	require.NoError(t, sa.SetAttribute("seen_by_a", true))
	require.NoError(t, a.m.Complete(ctx, sa))
	require.NoError(t, sb.SetAttribute("count", 2))
	require.NoError(t, b.m.Complete(ctx, sb))

	rec := backendRecord(t, store, "s1")
	assert.Equal(t, map[string]any{"owner": "a", "count": 2}, rec.Attributes)
}

func TestComplete_MergesChangedAttributes(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"), session.WithSaveAllAttributes(false))
	b := newNode(t, store, clk, nil, session.WithSaveAllAttributes(false))
	ctx := context.Background()
	created, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, created.SetAttribute("owner", "a"))
	require.NoError(t, created.SetAttribute("temp", "x"))
	require.NoError(t, a.m.Complete(ctx, created))

	sa, err := a.m.Get(ctx, "s1")
	require.NoError(t, err)
	sb, err := b.m.Get(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, sa.SetAttribute("from_a", 1))
	require.NoError(t, a.m.Complete(ctx, sa))
	require.NoError(t, sb.SetAttribute("from_b", 2))
	require.NoError(t, sb.RemoveAttribute("temp"))
	require.NoError(t, b.m.Complete(ctx, sb))

	rec := backendRecord(t, store, "s1")
	assert.Equal(t, map[string]any{"owner": "a", "from_a": 1, "from_b": 2}, rec.Attributes)
}

func TestComplete_SavePeriod(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"), session.WithSavePeriod(time.Minute))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, n.m.Complete(ctx, s))
	t0 := clk.Now()

	clk.Advance(20 * time.Second)
	s, err = n.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, n.m.Complete(ctx, s))
	assert.True(t, t0.Equal(backendRecord(t, store, "s1").LastAccessedAt), "clean session saved too early")

	require.NoError(t, s.SetAttribute("k", "v"))
	require.NoError(t, n.m.Complete(ctx, s))
	assert.True(t, clk.Now().Equal(backendRecord(t, store, "s1").LastAccessedAt), "dirty session must be saved")

	clk.Advance(61 * time.Second)
	s, err = n.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, n.m.Complete(ctx, s))
	assert.True(t, clk.Now().Equal(backendRecord(t, store, "s1").LastAccessedAt))
}

func TestComplete_FailedWriteStaysDirty(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"), session.WithSavePeriod(time.Hour))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("k", "v"))

	store.FailOn("set", kvstoretest.Timeout("set", "s1"))
	assert.ErrorIs(t, n.m.Complete(ctx, s), session.ErrSaveFailed)

	store.FailOn("set", nil)
	require.NoError(t, n.m.Complete(ctx, s))
	assert.Equal(t, map[string]any{"k": "v"}, backendRecord(t, store, "s1").Attributes)
}

func TestComplete_EncodeFailure(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("ch", make(chan int)))

	err = n.m.Complete(ctx, s)

	var ce *session.CodecError
	assert.ErrorAs(t, err, &ce)
}

func TestSetMaxInactiveInterval_Persisted(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.SetMaxInactiveInterval(90500*time.Millisecond))
	require.NoError(t, n.m.Complete(ctx, s))

	assert.Equal(t, 91, store.TTLs["s1"])
	assert.Equal(t, 90500*time.Millisecond, backendRecord(t, store, "s1").MaxInactiveInterval)
}

func TestGet_StaleDetectionPeriod(t *testing.T) {
	store, clk := newFixture(t)
	a := newNode(t, store, clk, sequence("s1"), session.WithStaleDetectionPeriod(time.Minute))
	b := newNode(t, store, clk, nil)
	ctx := context.Background()
	s, err := a.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("v", 1))
	require.NoError(t, a.m.Complete(ctx, s))

	sb, err := b.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, sb.SetAttribute("v", 2))
	require.NoError(t, b.m.Complete(ctx, sb))

	clk.Advance(30 * time.Second)
	cached, err := a.m.Get(ctx, "s1")
	require.NoError(t, err)
	v, _ := cached.Attribute("v")
	assert.Equal(t, 1, v)

	clk.Advance(31 * time.Second)
	fresh, err := a.m.Get(ctx, "s1")
	require.NoError(t, err)
	v, _ = fresh.Attribute("v")
	assert.Equal(t, 2, v)
}

func TestGet_KeepsUnsavedLocalChanges(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("pending", "yes"))

	again, err := n.m.Get(ctx, "s1")
	require.NoError(t, err)

	v, ok := again.Attribute("pending")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestRemoveAttribute(t *testing.T) {
	store, clk := newFixture(t)
	n := newNode(t, store, clk, sequence("s1"))
	ctx := context.Background()
	s, err := n.m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("a", 1))
	require.NoError(t, s.SetAttribute("b", 2))
	require.NoError(t, n.m.Complete(ctx, s))

	require.NoError(t, s.RemoveAttribute("a"))
	require.NoError(t, s.SetAttribute("b", nil))
	require.NoError(t, s.RemoveAttribute("missing"))
	require.NoError(t, n.m.Complete(ctx, s))

	assert.Empty(t, s.AttributeNames())
	assert.Empty(t, backendRecord(t, store, "s1").Attributes)
}
