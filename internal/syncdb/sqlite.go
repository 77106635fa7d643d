package syncdb

import (
	"database/sql"
	"fmt"
	"strings"
)

// SQLite is the embedded-SQL dialect family. The runtime driver is
// modernc.org/sqlite; tests use mattn/go-sqlite3 against :memory:.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Rebind(query string) string { return query }

func (SQLite) SupportsSavepoints() bool      { return true }
func (SQLite) SupportsInsertReturning() bool { return false }
func (SQLite) SupportsForUpdate() bool       { return false }

// SQLite serializes writers itself; default isolation is sufficient on
// both paths.
func (SQLite) WriteTxOptions() *sql.TxOptions { return nil }
func (SQLite) ReadTxOptions() *sql.TxOptions  { return &sql.TxOptions{ReadOnly: false} }

func (d SQLite) JSONField(column, key string) string {
	// key comes from handler configuration, not request input; quoting
	// guards against an accidental single quote, not hostile input.
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, strings.ReplaceAll(key, "'", "''"))
}

func (d SQLite) ScopeExpr(key string) string {
	return d.JSONField("scopes", key)
}

func (SQLite) InInt64(column string, vals []int64) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return expandIn(column, len(vals)), args
}

func (SQLite) InString(column string, vals []string) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return expandIn(column, len(vals)), args
}

func (SQLite) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// Matches both modernc.org/sqlite and mattn/go-sqlite3 message forms.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func (SQLite) SchemaLock(db *sql.DB) error   { return nil }
func (SQLite) SchemaUnlock(db *sql.DB) error { return nil }

func (SQLite) SyncSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_commits (
			partition_id     TEXT NOT NULL DEFAULT 'default',
			commit_seq       INTEGER NOT NULL,
			actor_id         TEXT NOT NULL,
			client_id        TEXT NOT NULL,
			client_commit_id TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			change_count     INTEGER NOT NULL DEFAULT 0,
			affected_tables  TEXT NOT NULL DEFAULT '[]',
			meta             TEXT,
			result           TEXT,
			PRIMARY KEY (partition_id, commit_seq),
			UNIQUE (partition_id, client_id, client_commit_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_table_commits (
			partition_id TEXT NOT NULL DEFAULT 'default',
			tbl          TEXT NOT NULL,
			commit_seq   INTEGER NOT NULL,
			PRIMARY KEY (partition_id, tbl, commit_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_changes (
			change_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_id TEXT NOT NULL DEFAULT 'default',
			commit_seq   INTEGER NOT NULL,
			tbl          TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			op           TEXT NOT NULL,
			row_json     TEXT,
			row_version  INTEGER,
			scopes       TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_changes_pull
			ON sync_changes(partition_id, tbl, commit_seq)`,
		`CREATE TABLE IF NOT EXISTS sync_client_cursors (
			partition_id     TEXT NOT NULL DEFAULT 'default',
			client_id        TEXT NOT NULL,
			actor_id         TEXT NOT NULL,
			cursor           INTEGER NOT NULL DEFAULT 0,
			effective_scopes TEXT,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (partition_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
			chunk_id         TEXT PRIMARY KEY,
			partition_id     TEXT NOT NULL DEFAULT 'default',
			scope_key        TEXT NOT NULL,
			scope            TEXT NOT NULL,
			as_of_commit_seq INTEGER NOT NULL,
			row_cursor       TEXT NOT NULL DEFAULT '',
			row_limit        INTEGER NOT NULL,
			encoding         TEXT NOT NULL,
			compression      TEXT NOT NULL,
			sha256           TEXT NOT NULL,
			byte_length      INTEGER NOT NULL,
			body             BLOB NOT NULL,
			created_at       INTEGER NOT NULL,
			expires_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_chunks_expiry
			ON sync_snapshot_chunks(expires_at)`,
	}
}

func (SQLite) ConsoleSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_api_keys (
			id           TEXT PRIMARY KEY,
			actor_id     TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT 'default',
			key_hash     TEXT UNIQUE NOT NULL,
			key_prefix   TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			scopes       TEXT NOT NULL DEFAULT 'sync',
			expires_at   INTEGER,
			last_used_at INTEGER,
			revoked_at   INTEGER,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_api_keys_prefix
			ON sync_api_keys(key_prefix)`,
		`CREATE TABLE IF NOT EXISTS sync_request_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id   TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT 'default',
			actor_id     TEXT NOT NULL DEFAULT '',
			client_id    TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			status       INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_request_events_created
			ON sync_request_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_operation_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_id TEXT NOT NULL DEFAULT 'default',
			commit_seq   INTEGER NOT NULL,
			tbl          TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			op           TEXT NOT NULL,
			actor_id     TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_request_payloads (
			request_id  TEXT PRIMARY KEY,
			body        BLOB NOT NULL,
			byte_length INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_rate_limit_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_id   TEXT NOT NULL DEFAULT 'default',
			actor_id       TEXT,
			ip             TEXT NOT NULL DEFAULT '',
			endpoint_class TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_rate_limit_events_created
			ON sync_rate_limit_events(created_at)`,
	}
}
