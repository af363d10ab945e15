package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store is the byte-level backing of a ResultCache. Expiry is enforced by the
// cache itself; ttl is only a hint a store may use to reclaim space.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Len() int
}

// BadgerStore keeps entries in a badger database under a fixed key prefix, so
// it can share the database with the key-value backend.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
}

// DefaultKeyPrefix namespaces cache entries inside a shared database.
const DefaultKeyPrefix = "cache/"

// NewBadgerStore wraps db. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &BadgerStore{db: db, prefix: []byte(prefix)}
}

var errStoreClosed = errors.New("badger database is closed")

func (s *BadgerStore) key(k string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	return append(append(out, s.prefix...), k...)
}

// Ping fails once the database is closed.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return errStoreClosed
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(s.key(key), value)
		if ttl > 0 {
			// Badger expiry has second granularity; round up so the cache's
			// own check always runs first.
			e = e.WithTTL(ttl.Truncate(time.Second) + time.Second)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Delete(_ context.Context, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		k := s.key(key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	return existed, err
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *BadgerStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	full := s.key(prefix)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Len counts live entries under the store prefix.
func (s *BadgerStore) Len() int {
	n := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// LocalStore is the in-process fallback. It never fails.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewLocalStore creates an empty local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{entries: make(map[string][]byte)}
}

func (s *LocalStore) Ping(context.Context) error { return nil }

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *LocalStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = bytes.Clone(value)
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
