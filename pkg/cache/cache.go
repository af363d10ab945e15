// Package cache memoizes analytics results by namespace and parameters.
//
// Entries live in a remote store (badger, usually shared with the key-value
// backend) when one is configured and healthy. The first remote failure
// permanently downgrades the cache to an in-process map; backend errors never
// reach callers. Expiry is checked lazily on read.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Observer receives one sample per cache operation.
type Observer interface {
	Observe(name string, d time.Duration, success bool)
}

// Options configures a ResultCache. Every field is optional.
type Options struct {
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Observer Observer

	// Remote is the preferred store. Nil means local mode from the start.
	Remote Store

	// DefaultTTL applies when Set is called with ttl 0. Zero means entries
	// never expire.
	DefaultTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats reports cache activity since creation.
type Stats struct {
	Mode        string `json:"mode"`
	Downgraded  bool   `json:"downgraded"`
	Entries     int    `json:"entries"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Sets        int64  `json:"sets"`
	Evictions   int64  `json:"evictions"`
	Expirations int64  `json:"expirations"`
}

// ResultCache is safe for concurrent use.
type ResultCache struct {
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	observer   Observer
	defaultTTL time.Duration
	now        func() time.Time

	local *LocalStore

	mu         sync.RWMutex
	remote     Store
	downgraded bool

	hits, misses, sets, evictions, expirations atomic.Int64
}

// New creates a cache. A remote store that fails its ping is dropped
// immediately.
func New(ctx context.Context, opts Options) *ResultCache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &ResultCache{
		logger:     telemetry.OrNop(opts.Logger).NewComponentLogger("cache"),
		metrics:    opts.Metrics,
		observer:   opts.Observer,
		defaultTTL: opts.DefaultTTL,
		now:        now,
		local:      NewLocalStore(),
		remote:     opts.Remote,
	}
	if c.remote != nil {
		if err := c.remote.Ping(ctx); err != nil {
			c.downgrade("ping", err)
		}
	}
	c.metrics.SetCacheMode(c.Mode())
	return c
}

// Mode returns ModeRemote or ModeLocal.
func (c *ResultCache) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote != nil {
		return ModeRemote
	}
	return ModeLocal
}

func (c *ResultCache) store() (Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote != nil {
		return c.remote, true
	}
	return c.local, false
}

// downgrade switches to the local store for good.
func (c *ResultCache) downgrade(op string, err error) {
	c.mu.Lock()
	if c.remote == nil {
		c.mu.Unlock()
		return
	}
	c.remote = nil
	c.downgraded = true
	c.mu.Unlock()

	cerr := errdefs.NewCacheBackendUnavailable(op, err)
	c.logger.WithError(cerr).Warn("Remote cache unavailable, using local store")
	c.metrics.RecordError("cache", string(errdefs.KindCacheBackendUnavailable))
	c.metrics.SetCacheMode(ModeLocal)
}

// Key derives the storage key for namespace and params. Map keys are sorted
// during encoding, so parameter order never changes the key.
func Key(namespace string, params any) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("encode cache parameters: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes params through a generic value so that structs and
// maps with the same content produce the same bytes.
func canonicalJSON(params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Entries are stored as an 8-byte big-endian expiry (unix nanos, 0 for none)
// followed by the value.
const headerLen = 8

func encodeEntry(value []byte, expires time.Time) []byte {
	buf := make([]byte, headerLen+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(expires.UnixNano()))
	}
	copy(buf[headerLen:], value)
	return buf
}

func decodeEntry(raw []byte) ([]byte, time.Time, bool) {
	if len(raw) < headerLen {
		return nil, time.Time{}, false
	}
	var expires time.Time
	if ns := binary.BigEndian.Uint64(raw); ns != 0 {
		expires = time.Unix(0, int64(ns))
	}
	return raw[headerLen:], expires, true
}

func (c *ResultCache) observe(name string, start time.Time, ok bool) {
	if c.observer != nil {
		c.observer.Observe(name, time.Since(start), ok)
	}
}

// Get returns the cached value, or false on miss, expiry or any backend
// problem.
func (c *ResultCache) Get(ctx context.Context, namespace string, params any) ([]byte, bool) {
	start := time.Now()
	key, err := Key(namespace, params)
	if err != nil {
		c.logger.WithError(err).Debug("Uncacheable parameters")
		c.miss(namespace)
		return nil, false
	}

	raw, found := c.read(ctx, key)
	if !found {
		c.miss(namespace)
		c.observe("cache.get", start, true)
		return nil, false
	}

	value, expires, ok := decodeEntry(raw)
	if !ok {
		c.remove(ctx, key)
		c.miss(namespace)
		return nil, false
	}
	if !expires.IsZero() && !c.now().Before(expires) {
		c.remove(ctx, key)
		c.expirations.Add(1)
		c.miss(namespace)
		c.observe("cache.get", start, true)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(namespace, true)
	c.observe("cache.get", start, true)
	return value, true
}

func (c *ResultCache) miss(namespace string) {
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(namespace, false)
}

func (c *ResultCache) read(ctx context.Context, key string) ([]byte, bool) {
	s, remote := c.store()
	raw, found, err := s.Get(ctx, key)
	if err != nil && remote {
		c.downgrade("get", err)
		return nil, false
	}
	return raw, found
}

func (c *ResultCache) remove(ctx context.Context, key string) bool {
	s, remote := c.store()
	existed, err := s.Delete(ctx, key)
	if err != nil && remote {
		c.downgrade("delete", err)
		existed, _ = c.local.Delete(ctx, key)
	}
	return existed
}

// Set stores value. A ttl of 0 uses the default TTL.
func (c *ResultCache) Set(ctx context.Context, namespace string, params any, value []byte, ttl time.Duration) {
	start := time.Now()
	key, err := Key(namespace, params)
	if err != nil {
		c.logger.WithError(err).Debug("Uncacheable parameters")
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	entry := encodeEntry(value, expires)

	s, remote := c.store()
	if err := s.Set(ctx, key, entry, ttl); err != nil && remote {
		c.downgrade("set", err)
		_ = c.local.Set(ctx, key, entry, ttl)
	}
	c.sets.Add(1)
	c.observe("cache.set", start, true)
}

// Invalidate evicts one entry and returns how many were removed (0 or 1).
func (c *ResultCache) Invalidate(ctx context.Context, namespace string, params any) int {
	key, err := Key(namespace, params)
	if err != nil {
		return 0
	}
	if c.remove(ctx, key) {
		c.evictions.Add(1)
		return 1
	}
	return 0
}

// InvalidatePrefix evicts every entry whose key starts with pattern. A
// trailing "*" is accepted and ignored, so "pagerank:*" and "pagerank:" are
// the same pattern.
func (c *ResultCache) InvalidatePrefix(ctx context.Context, pattern string) int {
	prefix := strings.TrimSuffix(pattern, "*")

	s, remote := c.store()
	n, err := s.DeletePrefix(ctx, prefix)
	if err != nil && remote {
		c.downgrade("delete_prefix", err)
		n, _ = c.local.DeletePrefix(ctx, prefix)
	}
	c.evictions.Add(int64(n))
	if n > 0 {
		c.logger.WithFields(map[string]interface{}{
			"prefix":  prefix,
			"evicted": n,
		}).Debug("Invalidated cache entries")
	}
	return n
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() Stats {
	s, _ := c.store()
	c.mu.RLock()
	downgraded := c.downgraded
	c.mu.RUnlock()
	return Stats{
		Mode:        c.Mode(),
		Downgraded:  downgraded,
		Entries:     s.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// GetOrCompute returns the cached result for namespace and params, or runs
// compute, caches its JSON encoding and returns it. Compute errors are not
// cached.
func GetOrCompute[T any](ctx context.Context, c *ResultCache, namespace string, params any, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	if raw, ok := c.Get(ctx, namespace, params); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.Invalidate(ctx, namespace, params)
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		c.Set(ctx, namespace, params, raw, ttl)
	} else {
		c.logger.WithError(err).Debug("Result not cacheable")
	}
	return v, nil
}
