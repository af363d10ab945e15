package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openfroyo/analytics-core/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// RelationalConfig configures the embedded SQLite backend.
type RelationalConfig struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	// ConnMaxLifetime bounds how long database/sql keeps an idle driver
	// connection. Leased handles are unaffected.
	ConnMaxLifetime time.Duration
}

// Relational is the embedded relational store. Every pool connection is a
// dedicated *sql.Conn taken from one shared *sql.DB, so a transaction begun on
// a handle stays on that driver connection until commit or abort.
type Relational struct {
	cfg    RelationalConfig
	db     *sql.DB
	logger *telemetry.Logger

	mu     sync.Mutex
	closed bool
}

// NewRelational opens the database file and verifies it is reachable.
func NewRelational(ctx context.Context, cfg RelationalConfig, logger *telemetry.Logger) (*Relational, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", relationalDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Relational{
		cfg:    cfg,
		db:     db,
		logger: telemetry.OrNop(logger).NewComponentLogger("backend.relational"),
	}, nil
}

func relationalDSN(cfg RelationalConfig) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// DB exposes the shared database, for callers that need plain access outside
// the pool (schema setup, tests).
func (r *Relational) DB() *sql.DB {
	return r.db
}

func (r *Relational) Kind() Kind     { return KindRelational }
func (r *Relational) TxMode() TxMode { return TxNative }

// Open reserves a dedicated driver connection.
func (r *Relational) Open(ctx context.Context) (Handle, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errBackendClosed
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	return conn, nil
}

// Close returns the driver connection. Any transaction still open on it is
// rolled back by database/sql.
func (r *Relational) Close(_ context.Context, h Handle) error {
	conn, err := r.conn(h)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// Execute runs cmd in autocommit mode.
func (r *Relational) Execute(ctx context.Context, h Handle, cmd Command) (Result, error) {
	conn, err := r.conn(h)
	if err != nil {
		return Result{}, err
	}
	return runSQL(ctx, conn, cmd)
}

// Begin starts a native transaction. The isolation level is advisory; SQLite
// transactions are serializable regardless. The write lock is taken here, so
// Begin blocks for up to BusyTimeout while another handle has a transaction
// open.
func (r *Relational) Begin(ctx context.Context, h Handle, _ Isolation) (Tx, error) {
	conn, err := r.conn(h)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &relationalTx{tx: tx}, nil
}

// Shutdown closes the shared database.
func (r *Relational) Shutdown(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.WithField("path", r.cfg.Path).Debug("closing database")
	return r.db.Close()
}

func (r *Relational) conn(h Handle) (*sql.Conn, error) {
	conn, ok := h.(*sql.Conn)
	if !ok || conn == nil {
		return nil, fmt.Errorf("%w: expected *sql.Conn, got %T", errBadHandle, h)
	}
	return conn, nil
}

type relationalTx struct {
	tx *sql.Tx
}

func (t *relationalTx) Execute(ctx context.Context, cmd Command) (Result, error) {
	return runSQL(ctx, t.tx, cmd)
}

func (t *relationalTx) Commit(_ context.Context) error {
	return t.tx.Commit()
}

func (t *relationalTx) Abort(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// sqlRunner is satisfied by *sql.Conn and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func runSQL(ctx context.Context, db sqlRunner, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpExec:
		res, err := db.ExecContext(ctx, cmd.Text, cmd.Args...)
		if err != nil {
			return Result{}, err
		}
		n, _ := res.RowsAffected()
		return Result{RowsAffected: n}, nil

	case OpQuery:
		rows, err := db.QueryContext(ctx, cmd.Text, cmd.Args...)
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()
		out, err := scanRows(rows)
		if err != nil {
			return Result{}, err
		}
		return Result{Rows: out}, nil

	case OpPing:
		rows, err := db.QueryContext(ctx, "SELECT 1")
		if err != nil {
			return Result{}, err
		}
		return Result{}, rows.Close()

	default:
		return Result{}, fmt.Errorf("%w: %s on relational backend", errUnsupportedOp, cmd.Op)
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
