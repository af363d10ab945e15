package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// KeyValueConfig configures the badger-backed key-value store.
type KeyValueConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// KeyValue is the key-value store. Badger is embedded, so a "connection" is a
// lightweight session over the shared DB; its transactions buffer writes
// client side and apply them in one badger update on commit.
type KeyValue struct {
	db     *badger.DB
	owned  bool
	logger *telemetry.Logger

	closed atomic.Bool
}

// NewKeyValue opens a badger database.
func NewKeyValue(cfg KeyValueConfig, logger *telemetry.Logger) (*KeyValue, error) {
	logger = telemetry.OrNop(logger).NewComponentLogger("backend.key_value")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &KeyValue{db: db, owned: true, logger: logger}, nil
}

// NewKeyValueFromDB wraps an existing database. Shutdown leaves it open.
func NewKeyValueFromDB(db *badger.DB, logger *telemetry.Logger) *KeyValue {
	return &KeyValue{
		db:     db,
		logger: telemetry.OrNop(logger).NewComponentLogger("backend.key_value"),
	}
}

// DB exposes the underlying database so the result cache can share it.
func (k *KeyValue) DB() *badger.DB {
	return k.db
}

func (k *KeyValue) Kind() Kind     { return KindKeyValue }
func (k *KeyValue) TxMode() TxMode { return TxBuffered }

type kvSession struct {
	id     string
	closed atomic.Bool
}

// Open creates a session.
func (k *KeyValue) Open(_ context.Context) (Handle, error) {
	if k.closed.Load() || k.db.IsClosed() {
		return nil, errBackendClosed
	}
	return &kvSession{id: uuid.NewString()}, nil
}

// Close ends a session. Pending buffered writes are discarded with it.
func (k *KeyValue) Close(_ context.Context, h Handle) error {
	s, err := k.session(h)
	if err != nil {
		return err
	}
	s.closed.Store(true)
	return nil
}

// Execute applies cmd immediately.
func (k *KeyValue) Execute(_ context.Context, h Handle, cmd Command) (Result, error) {
	if _, err := k.live(h); err != nil {
		return Result{}, err
	}

	switch cmd.Op {
	case OpGet:
		return k.get(cmd.Key)
	case OpPut, OpDelete:
		if len(cmd.Key) == 0 {
			return Result{}, errMissingKey
		}
		err := k.db.Update(func(txn *badger.Txn) error {
			return applyKV(txn, cmd)
		})
		if err != nil {
			return Result{}, err
		}
		return Result{RowsAffected: 1}, nil
	case OpPing:
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("%w: %s on key-value backend", errUnsupportedOp, cmd.Op)
	}
}

func (k *KeyValue) get(key []byte) (Result, error) {
	if len(key) == 0 {
		return Result{}, errMissingKey
	}
	var res Result
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Value, err = item.ValueCopy(nil)
		res.Found = err == nil
		return err
	})
	return res, err
}

func applyKV(txn *badger.Txn, cmd Command) error {
	if cmd.Op == OpDelete {
		return txn.Delete(cmd.Key)
	}
	e := badger.NewEntry(cmd.Key, cmd.Value)
	if cmd.TTL > 0 {
		e = e.WithTTL(cmd.TTL)
	}
	return txn.SetEntry(e)
}

// Begin starts a buffered transaction.
func (k *KeyValue) Begin(_ context.Context, h Handle, _ Isolation) (Tx, error) {
	s, err := k.live(h)
	if err != nil {
		return nil, err
	}
	return &kvTx{kv: k, session: s}, nil
}

// Shutdown closes the database when this backend opened it.
func (k *KeyValue) Shutdown(_ context.Context) error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !k.owned {
		return nil
	}
	k.logger.Debug("closing badger database")
	return k.db.Close()
}

func (k *KeyValue) session(h Handle) (*kvSession, error) {
	s, ok := h.(*kvSession)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: expected key-value session, got %T", errBadHandle, h)
	}
	return s, nil
}

func (k *KeyValue) live(h Handle) (*kvSession, error) {
	s, err := k.session(h)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errHandleClosed
	}
	return s, nil
}

// kvTx queues writes until Commit. Reads see the transaction's own pending
// writes first.
type kvTx struct {
	kv      *KeyValue
	session *kvSession

	mu      sync.Mutex
	pending []Command
	done    bool
}

func (t *kvTx) Execute(_ context.Context, cmd Command) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return Result{}, errTxFinished
	}

	switch cmd.Op {
	case OpPut, OpDelete:
		if len(cmd.Key) == 0 {
			return Result{}, errMissingKey
		}
		t.pending = append(t.pending, cmd)
		return Result{}, nil
	case OpGet:
		for i := len(t.pending) - 1; i >= 0; i-- {
			p := t.pending[i]
			if string(p.Key) != string(cmd.Key) {
				continue
			}
			if p.Op == OpDelete {
				return Result{}, nil
			}
			return Result{Value: append([]byte(nil), p.Value...), Found: true}, nil
		}
		return t.kv.get(cmd.Key)
	case OpPing:
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("%w: %s on key-value backend", errUnsupportedOp, cmd.Op)
	}
}

// Commit sends the buffered batch as one badger update.
func (t *kvTx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxFinished
	}
	t.done = true
	if t.session.closed.Load() {
		return errHandleClosed
	}
	if len(t.pending) == 0 {
		return nil
	}

	err := t.kv.db.Update(func(txn *badger.Txn) error {
		for _, cmd := range t.pending {
			if err := applyKV(txn, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	t.pending = nil
	return err
}

// Abort discards the batch.
func (t *kvTx) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.pending = nil
	return nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	l *telemetry.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.l.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.l.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debugf(format, args...) }
