// Package store provides sqlite-backed persistence for users, trades,
// account connections, follow edges, and the copy-trade ledger.
//
// The database opens in WAL mode with a busy timeout so concurrent HTTP
// handlers and the replication engine can interleave safely. All money and
// volume columns are stored as decimal text to avoid float drift; times are
// unix seconds. Reconciliation runs inside a single transaction via WithTx
// so a failed snapshot leaves no half-applied state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Sentinel errors. Callers match with errors.Is and map them to the HTTP
// error taxonomy at the API layer.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicateEmail    = errors.New("store: email already registered")
	ErrDuplicateUsername = errors.New("store: username already taken")
	ErrDuplicateAPIKey   = errors.New("store: api key already exists")
	ErrDuplicateFollow   = errors.New("store: already following")
	ErrSelfFollow        = errors.New("store: cannot follow yourself")
	ErrInvalidTransition = errors.New("store: invalid copy trade status transition")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so row operations can be
// shared between direct calls and transaction-scoped calls.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store wraps the sqlite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. A quick integrity check runs once at open; a failed verdict is
// logged loudly but does not block startup.
func Open(path string, busyTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: sqlite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY under concurrent reconciliation.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var verdict string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&verdict); err == nil && verdict != "ok" {
		s.logger.Error("database integrity check failed", "verdict", verdict, "path", path)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Tx is a transaction-scoped view of the store. It exposes the operations
// the ingestion reconciler needs so one snapshot commits atomically.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
// mentioning the given column or index name.
func isUniqueViolation(err error, name string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return name == "" || strings.Contains(se.Error(), name)
}

// nullDec converts an optional decimal to its sql representation.
func nullDec(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

// nullUnix converts an optional time to unix seconds.
func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func decPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}
