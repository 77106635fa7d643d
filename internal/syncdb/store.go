package syncdb

import (
	"context"
	"database/sql"
	"time"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting log operations run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store pairs a database handle with its dialect. All sync tables carry a
// partition_id so one physical store serves many tenants.
type Store struct {
	db *sql.DB
	d  Dialect
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.d }

// BeginWrite opens a write transaction with the dialect's isolation level.
func (s *Store) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, s.d.WriteTxOptions())
}

// BeginRead opens a read transaction for snapshot-consistent pulls.
func (s *Store) BeginRead(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, s.d.ReadTxOptions())
}

// millis is the persisted timestamp representation: UTC unix milliseconds.
// Integer timestamps scan identically on both dialect families.
func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
