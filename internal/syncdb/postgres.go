package syncdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Postgres is the row-store-with-JSON dialect family, driven by lib/pq.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Rebind(query string) string { return rebindPositional(query) }

func (Postgres) SupportsSavepoints() bool      { return true }
func (Postgres) SupportsInsertReturning() bool { return true }
func (Postgres) SupportsForUpdate() bool       { return true }

func (Postgres) WriteTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
}

func (Postgres) ReadTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (d Postgres) JSONField(column, key string) string {
	return fmt.Sprintf("%s->>'%s'", column, strings.ReplaceAll(key, "'", "''"))
}

func (d Postgres) ScopeExpr(key string) string {
	return d.JSONField("scopes", key)
}

func (Postgres) InInt64(column string, vals []int64) (string, []any) {
	return column + " = ANY(?)", []any{pq.Array(vals)}
}

func (Postgres) InString(column string, vals []string) (string, []any) {
	return column + " = ANY(?)", []any{pq.Array(vals)}
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// schemaLockID namespaces the advisory lock guarding concurrent
// EnsureSyncSchema runs.
const schemaLockID = 0x73796e6364 // "syncd"

func (Postgres) SchemaLock(db *sql.DB) error {
	_, err := db.Exec("SELECT pg_advisory_lock($1)", schemaLockID)
	return err
}

func (Postgres) SchemaUnlock(db *sql.DB) error {
	_, err := db.Exec("SELECT pg_advisory_unlock($1)", schemaLockID)
	return err
}

func (Postgres) SyncSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_commits (
			partition_id     TEXT NOT NULL DEFAULT 'default',
			commit_seq       BIGINT NOT NULL,
			actor_id         TEXT NOT NULL,
			client_id        TEXT NOT NULL,
			client_commit_id TEXT NOT NULL,
			created_at       BIGINT NOT NULL,
			change_count     INTEGER NOT NULL DEFAULT 0,
			affected_tables  JSONB NOT NULL DEFAULT '[]',
			meta             JSONB,
			result           JSONB,
			PRIMARY KEY (partition_id, commit_seq),
			UNIQUE (partition_id, client_id, client_commit_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_table_commits (
			partition_id TEXT NOT NULL DEFAULT 'default',
			tbl          TEXT NOT NULL,
			commit_seq   BIGINT NOT NULL,
			PRIMARY KEY (partition_id, tbl, commit_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_changes (
			change_id    BIGSERIAL PRIMARY KEY,
			partition_id TEXT NOT NULL DEFAULT 'default',
			commit_seq   BIGINT NOT NULL,
			tbl          TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			op           TEXT NOT NULL,
			row_json     JSONB,
			row_version  BIGINT,
			scopes       JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_changes_pull
			ON sync_changes(partition_id, tbl, commit_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_changes_scopes
			ON sync_changes USING GIN (scopes)`,
		`CREATE TABLE IF NOT EXISTS sync_client_cursors (
			partition_id     TEXT NOT NULL DEFAULT 'default',
			client_id        TEXT NOT NULL,
			actor_id         TEXT NOT NULL,
			cursor           BIGINT NOT NULL DEFAULT 0,
			effective_scopes JSONB,
			updated_at       BIGINT NOT NULL,
			PRIMARY KEY (partition_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
			chunk_id         TEXT PRIMARY KEY,
			partition_id     TEXT NOT NULL DEFAULT 'default',
			scope_key        TEXT NOT NULL,
			scope            TEXT NOT NULL,
			as_of_commit_seq BIGINT NOT NULL,
			row_cursor       TEXT NOT NULL DEFAULT '',
			row_limit        INTEGER NOT NULL,
			encoding         TEXT NOT NULL,
			compression      TEXT NOT NULL,
			sha256           TEXT NOT NULL,
			byte_length      BIGINT NOT NULL,
			body             BYTEA NOT NULL,
			created_at       BIGINT NOT NULL,
			expires_at       BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_chunks_expiry
			ON sync_snapshot_chunks(expires_at)`,
	}
}

func (Postgres) ConsoleSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_api_keys (
			id           TEXT PRIMARY KEY,
			actor_id     TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT 'default',
			key_hash     TEXT UNIQUE NOT NULL,
			key_prefix   TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			scopes       TEXT NOT NULL DEFAULT 'sync',
			expires_at   BIGINT,
			last_used_at BIGINT,
			revoked_at   BIGINT,
			created_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_api_keys_prefix
			ON sync_api_keys(key_prefix)`,
		`CREATE TABLE IF NOT EXISTS sync_request_events (
			id           BIGSERIAL PRIMARY KEY,
			request_id   TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT 'default',
			actor_id     TEXT NOT NULL DEFAULT '',
			client_id    TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			status       INTEGER NOT NULL,
			duration_ms  BIGINT NOT NULL DEFAULT 0,
			created_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_request_events_created
			ON sync_request_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_operation_events (
			id           BIGSERIAL PRIMARY KEY,
			partition_id TEXT NOT NULL DEFAULT 'default',
			commit_seq   BIGINT NOT NULL,
			tbl          TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			op           TEXT NOT NULL,
			actor_id     TEXT NOT NULL,
			created_at   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_request_payloads (
			request_id  TEXT PRIMARY KEY,
			body        BYTEA NOT NULL,
			byte_length BIGINT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_rate_limit_events (
			id             BIGSERIAL PRIMARY KEY,
			partition_id   TEXT NOT NULL DEFAULT 'default',
			actor_id       TEXT,
			ip             TEXT NOT NULL DEFAULT '',
			endpoint_class TEXT NOT NULL,
			created_at     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_rate_limit_events_created
			ON sync_rate_limit_events(created_at)`,
	}
}
