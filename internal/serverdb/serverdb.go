// Package serverdb is the console/control-plane store: api keys, request
// audit events, per-operation audit rows, and the bounded payload cache.
// It shares the sync store's physical database and dialect.
package serverdb

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/syncular/syncd/internal/syncdb"
)

// ConsoleDB wraps the shared database handle for console-table access.
type ConsoleDB struct {
	conn *sql.DB
	d    syncdb.Dialect
}

// Open ensures the console schema exists and returns the store.
func Open(conn *sql.DB, d syncdb.Dialect) (*ConsoleDB, error) {
	if err := syncdb.EnsureConsoleSchema(conn, d); err != nil {
		return nil, fmt.Errorf("ensure console schema: %w", err)
	}
	return &ConsoleDB{conn: conn, d: d}, nil
}

// Ping checks the database connection is alive.
func (db *ConsoleDB) Ping() error {
	return db.conn.Ping()
}

// generateID creates a prefixed ID with 16 random hex chars (8 bytes).
func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s", prefix, hex.EncodeToString(b)), nil
}
