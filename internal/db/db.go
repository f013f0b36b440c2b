// Package db contains the SQLite database for transitroutes.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("db: not found")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint.
	ErrConflict = errors.New("db: conflict")
)

// DB is the main database interface.
type DB struct {
	sql    *SQLiteDB
	closed atomic.Bool
	log    *slog.Logger
}

// NewDB opens (creating if necessary) the database at path and applies any
// pending migrations.
func NewDB(log *slog.Logger, path string) (_ *DB, retErr error) {
	if log == nil {
		log = slog.Default()
	}
	ctx := context.Background()
	sqlDB, err := NewSQLiteDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if retErr != nil {
			sqlDB.Close()
		}
	}()

	if err := migrate(ctx, log, sqlDB.sql); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &DB{
		sql: sqlDB,
		log: log,
	}, nil
}

func migrate(ctx context.Context, log *slog.Logger, sqlDB *sql.DB) error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		log.Info("applied migration",
			"version", res.Source.Version,
			"path", res.Source.Path,
			"duration", res.Duration,
		)
	}
	return nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db.closed.CompareAndSwap(false, true) {
		return db.sql.Close()
	}
	return nil
}

// Ping verifies that both connection pools are usable.
func (db *DB) Ping(ctx context.Context) error {
	if db.closed.Load() {
		return sql.ErrConnDone
	}
	return db.sql.Ping(ctx)
}

// Tx is a wrapper around a SQL transaction that we can attach additional
// helper methods to.
type Tx struct {
	*sql.Tx
}

// ReadTx starts a new read-only transaction.
func (db *DB) ReadTx(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginReadTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &Tx{tx}, nil
}

// Tx starts a new write transaction.
func (db *DB) Tx(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginWriteTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &Tx{tx}, nil
}

// Read runs fn in a read-only transaction, which is always rolled back.
func (db *DB) Read(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.ReadTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Write runs fn in a write transaction. The transaction is committed if fn
// returns nil and rolled back otherwise; fn's error is returned unchanged so
// that callers can match on it.
func (db *DB) Write(ctx context.Context, fn func(*Tx) error) (retErr error) {
	tx, err := db.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// MustTx starts a new write transaction, panicking on error.
func (db *DB) MustTx(ctx context.Context) *Tx {
	tx, err := db.Tx(ctx)
	if err != nil {
		panic(err)
	}
	return tx
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps anything else.
func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("querying %s: %w", what, err)
}

// isUniqueViolation reports whether err is a SQLite primary key or UNIQUE
// constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
