package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

type testPlugin struct {
	name     string
	priority int
	before   func(op Operation) (Operation, error)
	after    func(op Operation, res OpResult, changes []EmittedChange)
}

func (p *testPlugin) Name() string  { return p.name }
func (p *testPlugin) Priority() int { return p.priority }

func (p *testPlugin) BeforeApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, op Operation) (Operation, error) {
	if p.before != nil {
		return p.before(op)
	}
	return op, nil
}

func (p *testPlugin) AfterApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, op Operation, res OpResult, changes []EmittedChange) error {
	if p.after != nil {
		p.after(op, res, changes)
	}
	return nil
}

func newPluginFixture(t *testing.T, plugins ...Plugin) *testFixture {
	t.Helper()
	f := newFixture(t, Options{})
	// Rebuild the engine with plugins over the same store and handlers.
	f.engine = NewEngine(f.store, f.engine.Handlers(), nil, plugins, Options{})
	return f
}

func TestPlugins_RunInPriorityOrderAndRewrite(t *testing.T) {
	var order []string
	tag := func(name, field string) func(Operation) (Operation, error) {
		return func(op Operation) (Operation, error) {
			order = append(order, name)
			var doc map[string]any
			json.Unmarshal(op.Payload, &doc)
			doc[field] = true
			op.Payload, _ = json.Marshal(doc)
			return op, nil
		}
	}

	f := newPluginFixture(t,
		&testPlugin{name: "second", priority: 20, before: tag("second", "second_seen")},
		&testPlugin{name: "first", priority: 10, before: tag("first", "first_seen")},
	)

	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "x", "u1", nil))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("plugin order = %v, want [first second]", order)
	}

	var data string
	f.db.QueryRow(`SELECT data FROM tasks WHERE id = 't1'`).Scan(&data)
	var doc map[string]any
	json.Unmarshal([]byte(data), &doc)
	if doc["first_seen"] != true || doc["second_seen"] != true {
		t.Fatalf("rewrites not persisted: %v", doc)
	}
}

func TestPlugins_OpErrorRejectsOperation(t *testing.T) {
	f := newPluginFixture(t, &testPlugin{
		name: "guard", priority: 1,
		before: func(op Operation) (Operation, error) {
			return op, &OpError{Code: "PAYLOAD_TOO_LARGE", Message: "over limit"}
		},
	})

	out, err := f.engine.PushCommit(context.Background(), auth("u1"), "c1", PushRequest{
		ClientCommitID: "cc1",
		Operations:     []Operation{upsertOp("t1", "x", "u1", nil)},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.Response.Status != PushRejected || out.Response.Results[0].Code != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("response = %+v", out.Response)
	}
}

func TestPlugins_AfterSeesEmittedChanges(t *testing.T) {
	var seen []EmittedChange
	f := newPluginFixture(t, &testPlugin{
		name: "audit", priority: 1,
		after: func(op Operation, res OpResult, changes []EmittedChange) {
			seen = append(seen, changes...)
		},
	})

	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "x", "u1", nil))

	if len(seen) != 1 || seen[0].RowID != "t1" {
		t.Fatalf("after hook changes = %+v", seen)
	}
}

// batchHandler wraps TableHandler with a counting batch applier so the
// push applier's batching gate can be observed.
type batchHandler struct {
	*TableHandler
	batchCalls int
}

func (h *batchHandler) ApplyOperationBatch(ctx context.Context, tx *sql.Tx, auth Auth, startIndex int, ops []Operation) ([]OpResult, []EmittedChange, error) {
	h.batchCalls++
	var results []OpResult
	var changes []EmittedChange
	for i, op := range ops {
		res, chs, err := h.ApplyOperation(ctx, tx, auth, startIndex+i, op)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, res)
		changes = append(changes, chs...)
	}
	return results, changes, nil
}

func TestPushCommit_BatchingGatedOnDialectCapability(t *testing.T) {
	f := newFixture(t, Options{})

	base, _ := f.engine.Handlers().Get("tasks")
	bh := &batchHandler{TableHandler: base.(*TableHandler)}
	registry := NewRegistry()
	registry.MustRegister(bh)

	// sqlite has no insert-returning, so the batch path must not engage.
	f.engine = NewEngine(f.store, registry, nil, nil, Options{})
	mustPush(t, f, "u1", "c1", "cc1",
		upsertOp("t1", "a", "u1", nil), upsertOp("t2", "b", "u1", nil))
	if bh.batchCalls != 0 {
		t.Fatalf("batch applier engaged on a dialect without insert-returning")
	}
}

func TestScopeResolver_AdvisoryCache(t *testing.T) {
	calls := 0
	f := newFixtureWithResolve(t, Options{}, func(ctx context.Context, auth Auth) (ScopeMap, error) {
		calls++
		return ScopeMap{"user_id": Single(auth.ActorID)}, nil
	})

	ctx := context.Background()
	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "x", "u1", nil))

	pull := PullRequest{Subscriptions: []Subscription{{ID: "s", Table: "tasks", Cursor: 0}}}
	if _, err := f.engine.Pull(ctx, auth("u1"), "c1", pull); err != nil {
		t.Fatalf("pull 1: %v", err)
	}
	if _, err := f.engine.Pull(ctx, auth("u1"), "c1", pull); err != nil {
		t.Fatalf("pull 2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("resolve calls = %d, want 1 (second pull served from cache)", calls)
	}

	// A different actor misses the cache.
	if _, err := f.engine.Pull(ctx, auth("u2"), "c2", pull); err != nil {
		t.Fatalf("pull u2: %v", err)
	}
	if calls != 2 {
		t.Fatalf("resolve calls = %d, want 2", calls)
	}
}

func TestMemoryCache_Contract(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(8, 50*time.Millisecond)

	if err := c.Set(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, ok, _ := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, ok)
	}

	// Set with TTL <= 0 deletes.
	if err := c.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("set ttl 0: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("entry survived zero-ttl set")
	}

	// Expired entries read as missing.
	c.Set(ctx, "e", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "e"); ok {
		t.Fatalf("expired entry returned")
	}

	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

var _ syncdb.Querier = (*sql.Tx)(nil)
