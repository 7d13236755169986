package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Database is a thin wrapper over database/sql shared by the ledger. Every
// worker opens its own Database.
type Database struct {
	db     *sql.DB
	driver string
}

func NewDatabase(driver, dsn string) (*Database, error) {
	switch driver {
	case DriverSQLite:
		if err := EnsureParentDir(dsn); err != nil {
			return nil, err
		}
		dsn = SQLiteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{db: db, driver: driver}, nil
}

// SQLiteDSN adds the connection options every SQLite handle needs: several
// worker processes share one file, so writers wait on a lock instead of
// failing, and WAL lets readers proceed during a write. Options already
// present in dsn are kept.
func SQLiteDSN(dsn string) string {
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var add []string
	for _, p := range params {
		if !strings.Contains(dsn, strings.SplitN(p, "=", 2)[0]+"=") {
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(add, "&")
}

// EnsureParentDir creates the directory of a SQLite database file.
func EnsureParentDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}
	return nil
}

func (d *Database) GetDB() *sql.DB {
	return d.db
}

func (d *Database) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders into the $n form postgres expects.
func (d *Database) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) RunMigrations() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_payloads (
			checksum TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create processed_payloads table: %w", err)
	}

	_, err = d.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_processed_payloads_processed_at
		ON processed_payloads(processed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create processed_at index: %w", err)
	}

	return nil
}
