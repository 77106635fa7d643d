package syncdb

import (
	"database/sql"
	"fmt"
)

// EnsureSyncSchema creates or upgrades the commit log, routing, change,
// cursor, and snapshot-chunk tables. Idempotent, additive, and safe to run
// concurrently: postgres holds an advisory lock for the duration, sqlite
// relies on its single writer plus IF NOT EXISTS.
func EnsureSyncSchema(db *sql.DB, d Dialect) error {
	return runSchema(db, d, d.SyncSchema())
}

// EnsureConsoleSchema creates or upgrades the observability tables: api
// keys, request events, operation audit, payload cache.
func EnsureConsoleSchema(db *sql.DB, d Dialect) error {
	return runSchema(db, d, d.ConsoleSchema())
}

func runSchema(db *sql.DB, d Dialect, stmts []string) error {
	if err := d.SchemaLock(db); err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	defer d.SchemaUnlock(db)

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema (%s): %w", d.Name(), err)
		}
	}
	return nil
}
