package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// failingStore fails every call after the first failAfter calls.
type failingStore struct {
	*LocalStore
	mu    sync.Mutex
	calls int
	after int
}

var errRemoteDown = errors.New("connection reset")

func (f *failingStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls > f.after
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.fail() {
		return nil, false, errRemoteDown
	}
	return f.LocalStore.Get(ctx, key)
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.fail() {
		return errRemoteDown
	}
	return f.LocalStore.Set(ctx, key, value, ttl)
}

type params map[string]any

func cacheModes(t *testing.T, clock *fakeClock) map[string]*ResultCache {
	t.Helper()
	ctx := context.Background()
	return map[string]*ResultCache{
		ModeLocal:  New(ctx, Options{Now: clock.Now}),
		ModeRemote: New(ctx, Options{Now: clock.Now, Remote: NewBadgerStore(openBadger(t), "")}),
	}
}

func TestRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	for mode, c := range cacheModes(t, clock) {
		t.Run(mode, func(t *testing.T) {
			assert.Equal(t, mode, c.Mode())
			p := params{"node": "n1", "damping": 0.85}

			c.Set(ctx, "pagerank", p, []byte(`{"score":0.4}`), time.Second)
			got, ok := c.Get(ctx, "pagerank", p)
			require.True(t, ok)
			assert.Equal(t, []byte(`{"score":0.4}`), got)

			clock.Advance(1100 * time.Millisecond)
			_, ok = c.Get(ctx, "pagerank", p)
			assert.False(t, ok)

			stats := c.Stats()
			assert.EqualValues(t, 1, stats.Hits)
			assert.EqualValues(t, 1, stats.Misses)
			assert.EqualValues(t, 1, stats.Expirations)
			assert.Equal(t, 0, stats.Entries, "expired entry is removed on read")
		})
	}
}

func TestKeyIgnoresParameterOrder(t *testing.T) {
	type query struct {
		Node    string  `json:"node"`
		Damping float64 `json:"damping"`
	}
	a, err := Key("pagerank", map[string]any{"node": "n1", "damping": 0.85})
	require.NoError(t, err)
	b, err := Key("pagerank", query{Damping: 0.85, Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^pagerank:[0-9a-f]{64}$`, a)

	c, err := Key("pagerank", map[string]any{"node": "n2", "damping": 0.85})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Key("bad", map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestEntriesAreNotAliased(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}

	for mode, c := range cacheModes(t, clock) {
		t.Run(mode, func(t *testing.T) {
			in := []byte("hello")
			c.Set(ctx, "greeting", params{"lang": "en"}, in, 0)
			in[0] = 'J'

			v, ok := c.Get(ctx, "greeting", params{"lang": "en"})
			require.True(t, ok)
			v[0] = 'X'

			v, ok = c.Get(ctx, "greeting", params{"lang": "en"})
			require.True(t, ok)
			assert.Equal(t, "hello", string(v))
		})
	}
}

func TestInvalidatePrefixIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}

	for mode, c := range cacheModes(t, clock) {
		t.Run(mode, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				c.Set(ctx, "louvain", params{"i": i}, []byte("x"), 0)
			}
			c.Set(ctx, "pagerank", params{"i": 0}, []byte("y"), 0)

			assert.Equal(t, 3, c.InvalidatePrefix(ctx, "louvain:*"))
			assert.Equal(t, 0, c.InvalidatePrefix(ctx, "louvain:*"))
			assert.Equal(t, 0, c.InvalidatePrefix(ctx, "louvain:"))

			_, ok := c.Get(ctx, "pagerank", params{"i": 0})
			assert.True(t, ok)
			assert.EqualValues(t, 3, c.Stats().Evictions)
		})
	}
}

func TestInvalidateSingleEntry(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, Options{})
	c.Set(ctx, "bfs", params{"from": "a"}, []byte("path"), 0)

	assert.Equal(t, 1, c.Invalidate(ctx, "bfs", params{"from": "a"}))
	assert.Equal(t, 0, c.Invalidate(ctx, "bfs", params{"from": "a"}))
	_, ok := c.Get(ctx, "bfs", params{"from": "a"})
	assert.False(t, ok)
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := New(ctx, Options{Now: clock.Now, DefaultTTL: time.Minute})

	c.Set(ctx, "ns", params{}, []byte("v"), 0)
	clock.Advance(59 * time.Second)
	_, ok := c.Get(ctx, "ns", params{})
	assert.True(t, ok)
	clock.Advance(2 * time.Second)
	_, ok = c.Get(ctx, "ns", params{})
	assert.False(t, ok)
}

func TestRemoteFailureDowngradesPermanently(t *testing.T) {
	ctx := context.Background()
	remote := &failingStore{LocalStore: NewLocalStore(), after: 1}
	c := New(ctx, Options{Remote: remote})
	require.Equal(t, ModeRemote, c.Mode())

	c.Set(ctx, "ns", params{"a": 1}, []byte("first"), 0)
	c.Set(ctx, "ns", params{"a": 2}, []byte("second"), 0)
	assert.Equal(t, ModeLocal, c.Mode())

	// The write that hit the failure landed in the local store.
	got, ok := c.Get(ctx, "ns", params{"a": 2})
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)

	// Entries held only remotely are gone; that is a miss, not an error.
	_, ok = c.Get(ctx, "ns", params{"a": 1})
	assert.False(t, ok)

	stats := c.Stats()
	assert.True(t, stats.Downgraded)
	assert.Equal(t, ModeLocal, stats.Mode)
}

func TestClosedRemoteDowngradesAtStartup(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	c := New(ctx, Options{Remote: NewBadgerStore(db, "")})
	assert.Equal(t, ModeLocal, c.Mode())

	c.Set(ctx, "ns", params{}, []byte("v"), 0)
	_, ok := c.Get(ctx, "ns", params{})
	assert.True(t, ok)
}

func TestBadgerStoreSharesDatabase(t *testing.T) {
	ctx := context.Background()
	db := openBadger(t)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("user/1"), []byte("alice"))
	}))

	s := NewBadgerStore(db, "")
	require.NoError(t, s.Set(ctx, "ns:k", []byte("v"), 0))
	assert.Equal(t, 1, s.Len())

	n, err := s.DeletePrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Data outside the cache prefix is untouched.
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("user/1"))
		return err
	}))
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, Options{})

	type ranking struct {
		Nodes []string `json:"nodes"`
	}
	calls := 0
	compute := func(context.Context) (ranking, error) {
		calls++
		return ranking{Nodes: []string{"a", "b"}}, nil
	}

	first, err := GetOrCompute(ctx, c, "rank", params{"k": 2}, 0, compute)
	require.NoError(t, err)
	second, err := GetOrCompute(ctx, c, "rank", params{"k": 2}, 0, compute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	boom := errors.New("no graph")
	_, err = GetOrCompute(ctx, c, "rank", params{"k": 3}, 0, func(context.Context) (ranking, error) {
		return ranking{}, boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get(ctx, "rank", params{"k": 3})
	assert.False(t, ok, "errors are not cached")
}
