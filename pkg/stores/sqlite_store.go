package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/monitor"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to ":memory:" is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	return "file:" + s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, bool, error) {
	var version int
	var dirty bool
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

// RecordTransaction stores the terminal record of a transaction. Recording
// the same id again replaces the earlier record.
func (s *SQLiteStore) RecordTransaction(ctx context.Context, rec txn.Record) error {
	pools, err := json.Marshal(nonNil(rec.Pools))
	if err != nil {
		return fmt.Errorf("failed to encode pools: %w", err)
	}
	committed, err := json.Marshal(nonNil(rec.Committed))
	if err != nil {
		return fmt.Errorf("failed to encode committed pools: %w", err)
	}

	query := `
		INSERT INTO transactions (id, state, isolation, pools, committed, failed_pool, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			isolation = excluded.isolation,
			pools = excluded.pools,
			committed = excluded.committed,
			failed_pool = excluded.failed_pool,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.State),
		rec.Isolation,
		string(pools),
		string(committed),
		rec.FailedPool,
		rec.Error,
		rec.StartedAt.UnixNano(),
		rec.EndedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const transactionColumns = `id, state, isolation, pools, committed, failed_pool, error, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (txn.Record, error) {
	var (
		rec              txn.Record
		state            string
		pools, committed string
		started, ended   int64
	)
	err := row.Scan(&rec.ID, &state, &rec.Isolation, &pools, &committed, &rec.FailedPool, &rec.Error, &started, &ended)
	if err != nil {
		return txn.Record{}, err
	}
	rec.State = txn.State(state)
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.EndedAt = time.Unix(0, ended).UTC()
	if err := json.Unmarshal([]byte(pools), &rec.Pools); err != nil {
		return txn.Record{}, fmt.Errorf("failed to decode pools: %w", err)
	}
	if err := json.Unmarshal([]byte(committed), &rec.Committed); err != nil {
		return txn.Record{}, fmt.Errorf("failed to decode committed pools: %w", err)
	}
	return rec, nil
}

// GetTransaction retrieves a transaction record by id.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (txn.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	rec, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Record{}, errdefs.NewNotFound("transaction", id)
	}
	if err != nil {
		return txn.Record{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	return rec, nil
}

// ListTransactions lists transaction records, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, opts ListOptions) ([]txn.Record, error) {
	var (
		where []string
		args  []any
	)
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.FailedOnly {
		where = append(where, "(state = ? OR error != '')")
		args = append(args, string(txn.StateCommitFailed))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ended_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	records := []txn.Record{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return records, nil
}

// CountTransactions returns the number of journaled transactions per state.
func (s *SQLiteStore) CountTransactions(ctx context.Context) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM transactions GROUP BY state ORDER BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := []StateCount{}
	for rows.Next() {
		var c StateCount
		var state string
		if err := rows.Scan(&state, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		c.State = txn.State(state)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneTransactions deletes records that ended before the given time.
func (s *SQLiteStore) PruneTransactions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE ended_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// SaveBaseline inserts or replaces the baseline of a component.
func (s *SQLiteStore) SaveBaseline(ctx context.Context, b monitor.Baseline) error {
	query := `
		INSERT INTO baselines (
			component, sample_count, success_rate,
			avg_duration, p50_duration, p95_duration, p99_duration, max_duration,
			avg_memory, max_memory, established_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			sample_count = excluded.sample_count,
			success_rate = excluded.success_rate,
			avg_duration = excluded.avg_duration,
			p50_duration = excluded.p50_duration,
			p95_duration = excluded.p95_duration,
			p99_duration = excluded.p99_duration,
			max_duration = excluded.max_duration,
			avg_memory = excluded.avg_memory,
			max_memory = excluded.max_memory,
			established_at = excluded.established_at
	`

	_, err := s.db.ExecContext(ctx, query,
		b.Component,
		b.SampleCount,
		b.SuccessRate,
		int64(b.AvgDuration),
		int64(b.P50Duration),
		int64(b.P95Duration),
		int64(b.P99Duration),
		int64(b.MaxDuration),
		b.AvgMemory,
		b.MaxMemory,
		b.EstablishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

const baselineColumns = `component, sample_count, success_rate,
	avg_duration, p50_duration, p95_duration, p99_duration, max_duration,
	avg_memory, max_memory, established_at`

func scanBaseline(row rowScanner) (monitor.Baseline, error) {
	var (
		b                       monitor.Baseline
		avg, p50, p95, p99, maxD int64
		established             int64
	)
	err := row.Scan(&b.Component, &b.SampleCount, &b.SuccessRate,
		&avg, &p50, &p95, &p99, &maxD,
		&b.AvgMemory, &b.MaxMemory, &established)
	if err != nil {
		return monitor.Baseline{}, err
	}
	b.AvgDuration = time.Duration(avg)
	b.P50Duration = time.Duration(p50)
	b.P95Duration = time.Duration(p95)
	b.P99Duration = time.Duration(p99)
	b.MaxDuration = time.Duration(maxD)
	b.EstablishedAt = time.Unix(0, established).UTC()
	return b, nil
}

// GetBaseline retrieves the baseline of a component.
func (s *SQLiteStore) GetBaseline(ctx context.Context, component string) (monitor.Baseline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+baselineColumns+` FROM baselines WHERE component = ?`, component)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Baseline{}, errdefs.NewNotFound("baseline", component)
	}
	if err != nil {
		return monitor.Baseline{}, fmt.Errorf("failed to get baseline: %w", err)
	}
	return b, nil
}

// ListBaselines lists every stored baseline ordered by component.
func (s *SQLiteStore) ListBaselines(ctx context.Context) ([]monitor.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+baselineColumns+` FROM baselines ORDER BY component`)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	baselines := []monitor.Baseline{}
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		baselines = append(baselines, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating baselines: %w", err)
	}
	return baselines, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
