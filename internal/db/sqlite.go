package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"modernc.org/sqlite"
)

// connPragmas are executed, in order, on every new connection.
var connPragmas = []string{
	`PRAGMA busy_timeout=10000;`,
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA synchronous=NORMAL;`,
	`PRAGMA foreign_keys=ON;`,
}

// SQLiteDB is a wrapper around a SQLite database that segments the read-only
// and read-write connections into separate connection pools.
//
// Writes all go through a small pool so that SQLite's single-writer lock is
// contended inside database/sql rather than surfacing as SQLITE_BUSY.
type SQLiteDB struct {
	sql   *sql.DB
	sqlRO *sql.DB
}

// NewSQLiteDB opens both pools for the database file at path.
func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	// Write transactions take the write lock at BEGIN, so a transaction
	// that reads before it writes can't fail to upgrade its lock.
	db, err := openDB(ctx, "file:"+path+"?_txlock=immediate", 2)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	numROConns := max(runtime.GOMAXPROCS(0)-1, 1)
	dbRO, err := openDB(ctx, "file:"+path+"?mode=ro", numROConns)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening read-only database: %w", err)
	}

	return &SQLiteDB{
		sql:   db,
		sqlRO: dbRO,
	}, nil
}

// Close closes the database.
func (db *SQLiteDB) Close() error {
	// Close all read connections first so that we can truncate the WAL.
	err1 := db.sqlRO.Close()

	// Best-effort attempt to truncate the WAL.
	db.sql.Exec("PRAGMA wal_checkpoint(FULL);")

	err2 := db.sql.Close()
	return errors.Join(err1, err2)
}

// Ping pings both pools.
func (db *SQLiteDB) Ping(ctx context.Context) error {
	return errors.Join(db.sql.PingContext(ctx), db.sqlRO.PingContext(ctx))
}

// BeginWriteTx is a helper function to create a write transaction.
func (db *SQLiteDB) BeginWriteTx(ctx context.Context) (*sql.Tx, error) {
	return db.sql.BeginTx(ctx, nil)
}

// BeginReadTx is a helper function to create a read transaction.
func (db *SQLiteDB) BeginReadTx(ctx context.Context) (*sql.Tx, error) {
	return db.sqlRO.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

var hookOnce sync.Once

func configureConn(conn sqlite.ExecQuerierContext, dsn string) error {
	for _, stmt := range connPragmas {
		if _, err := conn.ExecContext(context.Background(), stmt, nil); err != nil {
			return fmt.Errorf("executing pragma %q: %w", stmt, err)
		}
	}
	return nil
}

// openDB is the shared code for opening a connection pool to a SQLite
// database.
func openDB(ctx context.Context, sqliteURI string, numConns int) (_ *sql.DB, retErr error) {
	db, err := sql.Open("sqlite", sqliteURI)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	defer func() {
		if retErr != nil {
			db.Close()
		}
	}()

	// The driver is a process-wide singleton, so the hook is only
	// registered once no matter how many databases are opened.
	hookOnce.Do(func() {
		driver := db.Driver().(*sqlite.Driver)
		driver.RegisterConnectionHook(configureConn)
	})

	// Never expire connections; we want a stable pool.
	numConns = max(numConns, 2)
	db.SetMaxOpenConns(numConns)
	db.SetMaxIdleConns(numConns)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	// Open a connection up front so that a bad path or pragma fails here
	// instead of on the first request.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening a connection: %w", err)
	}
	conn.Close()

	return db, nil
}
