package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
)

func TestPushCommit_HappyPath(t *testing.T) {
	f := newFixture(t, Options{})

	out := mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "Buy milk", "u1", nil))

	if out.Response.CommitSeq != 1 {
		t.Fatalf("commit seq = %d, want 1", out.Response.CommitSeq)
	}
	if len(out.Response.Results) != 1 || out.Response.Results[0].Status != StatusApplied {
		t.Fatalf("results = %+v", out.Response.Results)
	}
	if len(out.ScopeKeys) != 1 || out.ScopeKeys[0] != "user:u1" {
		t.Fatalf("scope keys = %v, want [user:u1]", out.ScopeKeys)
	}
	if len(out.AffectedTables) != 1 || out.AffectedTables[0] != "tasks" {
		t.Fatalf("affected tables = %v", out.AffectedTables)
	}

	// The stored document carries id and server_version.
	var data string
	if err := f.db.QueryRow(`SELECT data FROM tasks WHERE id = 't1'`).Scan(&data); err != nil {
		t.Fatalf("load row: %v", err)
	}
	var doc map[string]any
	json.Unmarshal([]byte(data), &doc)
	if doc["id"] != "t1" || doc["server_version"] != float64(1) || doc["title"] != "Buy milk" {
		t.Fatalf("stored doc = %v", doc)
	}

	if n := f.countRows(t, "sync_changes"); n != 1 {
		t.Fatalf("change rows = %d, want 1", n)
	}
}

func TestPushCommit_ValidationFailsFast(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	out, err := f.engine.PushCommit(ctx, auth("u1"), "", PushRequest{ClientCommitID: "cc1", Operations: []Operation{upsertOp("t1", "x", "u1", nil)}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.Response.Status != PushRejected || out.Response.Results[0].Code != CodeInvalidRequest {
		t.Fatalf("missing client id: %+v", out.Response)
	}

	out, _ = f.engine.PushCommit(ctx, auth("u1"), "c1", PushRequest{ClientCommitID: "cc1"})
	if out.Response.Status != PushRejected || out.Response.Results[0].Code != CodeEmptyCommit {
		t.Fatalf("empty operations: %+v", out.Response)
	}

	if n := f.countRows(t, "sync_commits"); n != 0 {
		t.Fatalf("commits written on validation failure: %d", n)
	}
}

func TestPushCommit_VersionConflict(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Drive the row to server_version 3.
	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "A", "u1", nil))
	mustPush(t, f, "u1", "c1", "cc2", upsertOp("t1", "A", "u1", nil))
	mustPush(t, f, "u1", "c1", "cc3", upsertOp("t1", "A", "u1", nil))

	stale := int64(2)
	out, err := f.engine.PushCommit(ctx, auth("u1"), "c1", PushRequest{
		ClientCommitID: "cc4",
		Operations:     []Operation{upsertOp("t1", "B", "u1", &stale)},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.Response.Status != PushRejected {
		t.Fatalf("status = %s, want rejected", out.Response.Status)
	}
	res := out.Response.Results[0]
	if res.Status != StatusConflict || res.ServerVersion == nil || *res.ServerVersion != 3 {
		t.Fatalf("conflict result = %+v", res)
	}
	var serverRow map[string]any
	if err := json.Unmarshal(res.ServerRow, &serverRow); err != nil {
		t.Fatalf("server row: %v", err)
	}
	if serverRow["title"] != "A" || serverRow["server_version"] != float64(3) {
		t.Fatalf("server row = %v", serverRow)
	}

	// Server row unchanged.
	var data string
	f.db.QueryRow(`SELECT data FROM tasks WHERE id = 't1'`).Scan(&data)
	if !strings.Contains(data, `"title":"A"`) {
		t.Fatalf("row mutated by conflicting push: %s", data)
	}
}

func TestPushCommit_IdempotentRetry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	req := PushRequest{ClientCommitID: "cc1", Operations: []Operation{upsertOp("t1", "Buy milk", "u1", nil)}}

	first, err := f.engine.PushCommit(ctx, auth("u1"), "c1", req)
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	second, err := f.engine.PushCommit(ctx, auth("u1"), "c1", req)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}

	if second.Response.Status != PushCached {
		t.Fatalf("second status = %s, want cached", second.Response.Status)
	}
	if second.Response.CommitSeq != first.Response.CommitSeq {
		t.Fatalf("cached seq = %d, want %d", second.Response.CommitSeq, first.Response.CommitSeq)
	}
	if len(second.Response.Results) != 1 || second.Response.Results[0].Status != StatusApplied {
		t.Fatalf("cached results = %+v", second.Response.Results)
	}
	// The cached branch performs no fan-out.
	if len(second.ScopeKeys) != 0 || len(second.EmittedChanges) != 0 {
		t.Fatalf("cached push produced fan-out data: %+v", second)
	}

	if n := f.countRows(t, "sync_commits"); n != 1 {
		t.Fatalf("commits = %d, want exactly 1", n)
	}
}

func TestPushCommit_PartialFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	out, err := f.engine.PushCommit(ctx, auth("u1"), "c1", PushRequest{
		ClientCommitID: "cc1",
		Operations: []Operation{
			upsertOp("t1", "good", "u1", nil),
			{Table: "foo", RowID: "x1", Op: OpUpsert, Payload: json.RawMessage(`{}`)},
		},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	if out.Response.Status != PushRejected {
		t.Fatalf("status = %s, want rejected", out.Response.Status)
	}
	if out.Response.Results[0].Status != StatusApplied {
		t.Fatalf("op0 = %+v, want applied", out.Response.Results[0])
	}
	if out.Response.Results[1].Code != CodeUnknownTable {
		t.Fatalf("op1 = %+v, want UNKNOWN_TABLE", out.Response.Results[1])
	}

	// Nothing observable: no commit, no changes, no routing, no task row.
	for _, table := range []string{"sync_commits", "sync_changes", "sync_table_commits", "tasks"} {
		if n := f.countRows(t, table); n != 0 {
			t.Fatalf("%s has %d rows after rejected push", table, n)
		}
	}
}

func TestPushCommit_RowMissing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	base := int64(5)
	out, err := f.engine.PushCommit(ctx, auth("u1"), "c1", PushRequest{
		ClientCommitID: "cc1",
		Operations:     []Operation{upsertOp("ghost", "x", "u1", &base)},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.Response.Status != PushRejected || out.Response.Results[0].Code != CodeRowMissing {
		t.Fatalf("response = %+v", out.Response)
	}
}

func TestPushCommit_ImmutableScopeMove(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "mine", "u1", nil))

	out, err := f.engine.PushCommit(ctx, auth("u1"), "c1", PushRequest{
		ClientCommitID: "cc2",
		Operations:     []Operation{upsertOp("t1", "stolen", "u2", nil)},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.Response.Status != PushRejected {
		t.Fatalf("status = %s, want rejected", out.Response.Status)
	}
	if out.Response.Results[0].Code != "CANNOT_MOVE_BETWEEN_USER_ID" {
		t.Fatalf("code = %s", out.Response.Results[0].Code)
	}
}

func TestPushCommit_MonotonicRowVersions(t *testing.T) {
	f := newFixture(t, Options{})

	mustPush(t, f, "u1", "c1", "cc1", upsertOp("t1", "v1", "u1", nil))
	mustPush(t, f, "u1", "c1", "cc2", upsertOp("t1", "v2", "u1", nil))
	out := mustPush(t, f, "u1", "c1", "cc3", upsertOp("t1", "v3", "u1", nil))

	if *out.EmittedChanges[0].RowVersion != 3 {
		t.Fatalf("third upsert version = %d, want 3", *out.EmittedChanges[0].RowVersion)
	}

	rows, err := f.db.Query(`SELECT row_version FROM sync_changes WHERE row_id = 't1' ORDER BY change_id`)
	if err != nil {
		t.Fatalf("query versions: %v", err)
	}
	defer rows.Close()
	var versions []int64
	for rows.Next() {
		var v int64
		rows.Scan(&v)
		versions = append(versions, v)
	}
	for i, want := range []int64{1, 2, 3} {
		if versions[i] != want {
			t.Fatalf("versions = %v, want [1 2 3]", versions)
		}
	}

	// Delete emits a null row version.
	del := mustPush(t, f, "u1", "c1", "cc4",
		Operation{Table: "tasks", RowID: "t1", Op: OpDelete})
	if del.EmittedChanges[0].RowVersion != nil {
		t.Fatalf("delete version = %v, want nil", del.EmittedChanges[0].RowVersion)
	}
	if del.EmittedChanges[0].Scopes["user_id"] != "u1" {
		t.Fatalf("delete scopes = %v, want extracted from existing row", del.EmittedChanges[0].Scopes)
	}

	var nullVersion sql.NullInt64
	f.db.QueryRow(`SELECT row_version FROM sync_changes WHERE op = 'delete'`).Scan(&nullVersion)
	if nullVersion.Valid {
		t.Fatalf("persisted delete version = %v, want NULL", nullVersion)
	}
}

func TestPushCommit_DeleteAbsentRowIsApplied(t *testing.T) {
	f := newFixture(t, Options{})

	out := mustPush(t, f, "u1", "c1", "cc1",
		Operation{Table: "tasks", RowID: "ghost", Op: OpDelete})

	if len(out.EmittedChanges) != 0 {
		t.Fatalf("absent delete emitted changes: %+v", out.EmittedChanges)
	}
	if out.Response.CommitSeq != 1 {
		t.Fatalf("commit seq = %d", out.Response.CommitSeq)
	}
}

func TestPushCommit_MultiOpSingleCommit(t *testing.T) {
	f := newFixture(t, Options{})

	out := mustPush(t, f, "u1", "c1", "cc1",
		upsertOp("t1", "one", "u1", nil),
		upsertOp("t2", "two", "u1", nil),
		upsertOp("t3", "three", "u1", nil),
	)

	if len(out.Response.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(out.Response.Results))
	}
	if n := f.countRows(t, "sync_commits"); n != 1 {
		t.Fatalf("commits = %d, want 1", n)
	}
	if n := f.countRows(t, "sync_changes"); n != 3 {
		t.Fatalf("changes = %d, want 3", n)
	}
	// One routing row: all ops touch the same table.
	if n := f.countRows(t, "sync_table_commits"); n != 1 {
		t.Fatalf("routing rows = %d, want 1", n)
	}
}
