// Package syncdb holds the durable side of the sync engine: the dialect
// abstraction, schema management, the append-only commit log, client
// cursors, snapshot chunk persistence, and background maintenance.
package syncdb

import (
	"database/sql"
	"fmt"
	"strings"
)

// Dialect abstracts the two supported SQL families. Handlers and the engine
// never see dialect names; they go through this interface.
type Dialect interface {
	// Name is "sqlite" or "postgres"; used for logging only.
	Name() string

	// Rebind converts a query written with "?" placeholders into the
	// driver's placeholder style.
	Rebind(query string) string

	// Capability flags drive feature selection in the push applier.
	SupportsSavepoints() bool
	SupportsInsertReturning() bool
	SupportsForUpdate() bool

	// WriteTxOptions returns the isolation options for push transactions.
	// ReadTxOptions returns the options for pull snapshot reads.
	WriteTxOptions() *sql.TxOptions
	ReadTxOptions() *sql.TxOptions

	// JSONField returns a SQL expression extracting the named top-level
	// string field from a JSON column.
	JSONField(column, key string) string

	// ScopeExpr returns a SQL expression extracting the named scope value
	// from the JSON scopes column of sync_changes.
	ScopeExpr(key string) string

	// InInt64 and InString build set-membership predicates for the given
	// column. Postgres binds one array parameter; sqlite expands the list.
	InInt64(column string, vals []int64) (string, []any)
	InString(column string, vals []string) (string, []any)

	// IsUniqueViolation classifies a driver error as a unique-constraint
	// collision (the idempotency signal).
	IsUniqueViolation(err error) bool

	// SyncSchema and ConsoleSchema return the DDL statement batches for
	// EnsureSyncSchema / EnsureConsoleSchema. All statements are additive
	// and idempotent.
	SyncSchema() []string
	ConsoleSchema() []string

	// SchemaLock / SchemaUnlock guard concurrent schema creation where the
	// engine supports it (advisory locks on postgres; no-op on sqlite,
	// whose DDL is already serialized by the single writer).
	SchemaLock(db *sql.DB) error
	SchemaUnlock(db *sql.DB) error
}

// rebindPositional rewrites "?" into "$1", "$2", … for drivers that use
// numbered placeholders. Question marks inside single-quoted literals are
// left alone.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// expandIn builds "col IN (?, ?, …)" for n values. n must be > 0.
func expandIn(column string, n int) string {
	if n == 1 {
		return column + " = ?"
	}
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
