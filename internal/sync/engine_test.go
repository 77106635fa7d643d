package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syncular/syncd/internal/syncdb"
)

// testFixture is the shared engine harness: in-memory sqlite, a "tasks"
// handler scoped by user_id, and an owner-scoped resolver.
type testFixture struct {
	engine *Engine
	store  *syncdb.Store
	db     *sql.DB
}

func newFixture(t *testing.T, opts Options) *testFixture {
	t.Helper()
	return newFixtureWithResolve(t, opts, nil)
}

func newFixtureWithResolve(t *testing.T, opts Options, resolve func(ctx context.Context, auth Auth) (ScopeMap, error)) *testFixture {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	dialect := syncdb.SQLite{}
	if err := syncdb.EnsureSyncSchema(db, dialect); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	store := syncdb.NewStore(db, dialect)

	if resolve == nil {
		resolve = func(ctx context.Context, auth Auth) (ScopeMap, error) {
			return ScopeMap{"user_id": Single(auth.ActorID)}, nil
		}
	}

	handler, err := NewTableHandler(TableConfig{
		Table:              "tasks",
		ScopePatterns:      []string{"user:{user_id}"},
		ScopeFields:        []string{"user_id"},
		ImmutableScopeKeys: []string{"user_id"},
		Resolve:            resolve,
	}, dialect)
	if err != nil {
		t.Fatalf("table handler: %v", err)
	}
	if err := handler.EnsureSchema(db); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	registry := NewRegistry()
	registry.MustRegister(handler)

	resolver := NewScopeResolver(NewMemoryCache(128, time.Minute), time.Minute)
	engine := NewEngine(store, registry, resolver, nil, opts)

	return &testFixture{engine: engine, store: store, db: db}
}

func auth(actor string) Auth {
	return Auth{ActorID: actor, PartitionID: "default"}
}

func upsertOp(rowID, title, userID string, baseVersion *int64) Operation {
	payload, _ := json.Marshal(map[string]any{"title": title, "user_id": userID})
	return Operation{Table: "tasks", RowID: rowID, Op: OpUpsert, Payload: payload, BaseVersion: baseVersion}
}

func mustPush(t *testing.T, f *testFixture, actor, clientID, commitID string, ops ...Operation) PushOutcome {
	t.Helper()
	out, err := f.engine.PushCommit(context.Background(), auth(actor), clientID,
		PushRequest{ClientCommitID: commitID, Operations: ops})
	if err != nil {
		t.Fatalf("push %s: %v", commitID, err)
	}
	if out.Response.Status != PushApplied {
		t.Fatalf("push %s: status = %s, results = %+v", commitID, out.Response.Status, out.Response.Results)
	}
	return out
}

func (f *testFixture) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
