// Package db is the persistence layer behind the sync orchestrator.
//
// Two backends share one schema and one set of queries:
//   - sqlite (default): embedded SQLite through ncruces/go-sqlite3, WAL mode
//   - postgres: PostgreSQL through the pgx stdlib driver
//
// Queries are written with "?" placeholders and rebound to "$n" for
// PostgreSQL. Timestamps are stored as fixed-width UTC text so that they
// compare correctly as strings on both backends.
//
// Schema changes are goose migrations embedded in the binary; Migrate must
// run before any other call.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/cardsync/cardsync/internal/syncerr"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDuplicate is returned by CreateContact when the vcard id is taken.
// It matches syncerr.ErrAlreadyExists.
var ErrDuplicate = fmt.Errorf("duplicate vcard id: %w", syncerr.ErrAlreadyExists)

// ErrNotFound is returned when a row does not exist. It is
// syncerr.ErrNotFound, so callers outside this package need not import db.
var ErrNotFound = syncerr.ErrNotFound

//go:embed migrations
var migrations embed.FS

// timeLayout is fixed width in UTC, so lexical order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the database connection pool.
type DB struct {
	conn   *sql.DB
	driver string
	dsn    string
	logger *log.Logger
}

// Open connects to the database.
//
// For sqlite the dsn is a file path; its parent directory is created. For
// postgres the dsn is a connection string understood by pgx.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(db.DriverSQLite, "./data/cardsync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//	if err := database.Migrate(ctx); err != nil {
//	    return err
//	}
func Open(driver, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}

	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// Pragmas in the DSN apply to every pooled connection.
		connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)", dsn)
		conn, err = sql.Open("sqlite3", connStr)
	case DriverPostgres:
		conn, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		driver: driver,
		dsn:    dsn,
		logger: log.New(os.Stderr, "[db] ", log.LstdFlags),
	}, nil
}

// SetLogger replaces the default stderr logger.
func (db *DB) SetLogger(l *log.Logger) {
	if l != nil {
		db.logger = l
	}
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.driver
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the connection pool. On sqlite the WAL is checkpointed first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Migrate applies every pending embedded migration for the backend.
// It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	if db.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations, "migrations/"+db.driver)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db.conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if len(results) > 0 {
		db.logger.Printf("Applied %d migration(s)", len(results))
	}
	return nil
}

// rebind converts "?" placeholders to "$n" on postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
