package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups when no row matches. Callers must
// treat it as an explicit not-found result, never as an I/O failure.
var ErrNotFound = errors.New("database: not found")

// DBConfig holds connection pool settings for the product database.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ProductDB wraps the sqlite database holding canonical products, local
// code bindings, corrections, price observations and invoice lines.
type ProductDB struct {
	conn *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx, so row-level queries
// can run inside or outside an invoice transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewProductDB opens (or creates) the product database at dbPath and runs
// pending migrations.
func NewProductDB(dbPath string) (*ProductDB, error) {
	config := DBConfig{}

	// In-memory sqlite must run on exactly one connection, otherwise every
	// new connection sees a fresh empty database.
	if isInMemoryPath(dbPath) {
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
	}

	return NewProductDBWithConfig(dbPath, config)
}

// isInMemoryPath reports whether dbPath refers to an in-memory sqlite
// database.
func isInMemoryPath(dbPath string) bool {
	if dbPath == ":memory:" {
		return true
	}
	return strings.HasPrefix(dbPath, "file:") && strings.Contains(dbPath, "mode=memory")
}

// NewProductDBWithConfig opens the product database with explicit pool
// settings.
func NewProductDBWithConfig(dbPath string, config DBConfig) (*ProductDB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open product database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		// sqlite degrades badly with many concurrent connections.
		conn.SetMaxOpenConns(10)
	}

	if config.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		conn.SetMaxIdleConns(3)
	}

	if config.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping product database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// WAL lets concurrent invoice readers proceed while one writer commits.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Serialize competing writers instead of failing fast with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &ProductDB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (p *ProductDB) Close() error {
	return p.conn.Close()
}

// Begin starts an invoice-scoped transaction. All resolution writes for
// one invoice happen inside a single Tx so a persistence failure rolls the
// whole invoice back.
func (p *ProductDB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is an invoice-scoped transaction over the product database.
type Tx struct {
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Safe to defer after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// violation. The resolver uses it to detect lost creation races and
// recover by re-reading the winner's row.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nowUTC returns the canonical timestamp format stored in the database.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
