package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabaseSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	db, err := NewDatabase(DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RunMigrations())
	// Migrations are idempotent.
	require.NoError(t, db.RunMigrations())
	assert.Equal(t, DriverSQLite, db.Driver())
}

func TestNewDatabaseUnsupportedDriver(t *testing.T) {
	_, err := NewDatabase("mysql", "whatever")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestRebind(t *testing.T) {
	sqlite := &Database{driver: DriverSQLite}
	postgres := &Database{driver: DriverPostgres}
	query := "INSERT INTO t (a, b) VALUES (?, ?)"

	assert.Equal(t, query, sqlite.Rebind(query))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", postgres.Rebind(query))
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"ledger.db", "ledger.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"ledger.db?cache=shared", "ledger.db?cache=shared&_busy_timeout=5000&_journal_mode=WAL"},
		{"ledger.db?_busy_timeout=100", "ledger.db?_busy_timeout=100&_journal_mode=WAL"},
		{"ledger.db?_busy_timeout=100&_journal_mode=DELETE", "ledger.db?_busy_timeout=100&_journal_mode=DELETE"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, SQLiteDSN(tt.dsn))
		})
	}
}
