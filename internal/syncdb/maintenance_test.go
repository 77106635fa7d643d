package syncdb

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// appendCommitAt is appendCommit with an explicit commit timestamp, for
// retention tests.
func appendCommitAt(t *testing.T, s *Store, partition, clientCommitID string, at time.Time, changes []ChangeRecord) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	seq, err := s.AppendCommit(ctx, tx, AppendInput{
		Partition:      partition,
		ActorID:        "actor-1",
		ClientID:       "c1",
		ClientCommitID: clientCommitID,
		Changes:        changes,
		Now:            at,
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("append commit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return seq
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestCompactChanges_KeepsNewestPerRow(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	// Three versions of t1, one version of t2, all older than retention.
	appendCommitAt(t, s, "p1", "cc1", old, []ChangeRecord{taskChange("t1", 1, "u1")})
	appendCommitAt(t, s, "p1", "cc2", old, []ChangeRecord{taskChange("t1", 2, "u1")})
	appendCommitAt(t, s, "p1", "cc3", old, []ChangeRecord{taskChange("t1", 3, "u1")})
	appendCommitAt(t, s, "p1", "cc4", old, []ChangeRecord{taskChange("t2", 1, "u1")})

	deleted, err := s.CompactChanges(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (t1 v1 and v2)", deleted)
	}

	changes, err := s.ReadChangesForCommits(ctx, s.DB(), "p1", []int64{1, 2, 3, 4}, "tasks", nil)
	if err != nil {
		t.Fatalf("read changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("surviving changes = %d, want 2", len(changes))
	}
	for _, ch := range changes {
		if ch.RowID == "t1" && *ch.RowVersion != 3 {
			t.Fatalf("t1 surviving version = %d, want 3", *ch.RowVersion)
		}
	}

	// Routing rows for fully compacted commits are removed.
	if n := countRows(t, s, "sync_table_commits"); n != 2 {
		t.Fatalf("routing rows = %d, want 2", n)
	}
}

func TestCompactChanges_RecentHistorySurvives(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	appendCommitAt(t, s, "p1", "cc1", time.Now(), []ChangeRecord{taskChange("t1", 1, "u1")})
	appendCommitAt(t, s, "p1", "cc2", time.Now(), []ChangeRecord{taskChange("t1", 2, "u1")})

	deleted, err := s.CompactChanges(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 inside retention window", deleted)
	}
}

func TestCompactChanges_ScopeChangeIsNotCompacted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	// Same row under two different scope mappings: both newest-per-group.
	appendCommitAt(t, s, "p1", "cc1", old, []ChangeRecord{taskChange("t1", 1, "u1")})
	appendCommitAt(t, s, "p1", "cc2", old, []ChangeRecord{taskChange("t1", 2, "u2")})

	deleted, err := s.CompactChanges(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 (distinct scope groups)", deleted)
	}
}

func TestPruneCommits_CascadesAndRespectsFloor(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)

	for i := 1; i <= 5; i++ {
		appendCommitAt(t, s, "p1", fmt.Sprintf("cc%d", i), old,
			[]ChangeRecord{taskChange(fmt.Sprintf("t%d", i), 1, "u1")})
	}

	n, err := s.PruneCommits(ctx, 2, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want 3", n)
	}

	if oldest, _ := s.OldestRetainedSeq(ctx, s.DB(), "p1"); oldest != 4 {
		t.Fatalf("oldest retained = %d, want 4", oldest)
	}
	if got := countRows(t, s, "sync_changes"); got != 2 {
		t.Fatalf("changes after prune = %d, want 2", got)
	}
	if got := countRows(t, s, "sync_table_commits"); got != 2 {
		t.Fatalf("routing after prune = %d, want 2", got)
	}
}

func TestPruneCommits_FreshCommitsNotPruned(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		appendCommitAt(t, s, "p1", fmt.Sprintf("cc%d", i), time.Now(),
			[]ChangeRecord{taskChange(fmt.Sprintf("t%d", i), 1, "u1")})
	}

	// Beyond the keep floor but inside the age window: nothing goes.
	n, err := s.PruneCommits(ctx, 2, 24*time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("prune = %d, %v; want 0, nil", n, err)
	}
}

func TestMaybeCompact_DebounceIsPerDatabase(t *testing.T) {
	s1 := setupStore(t)
	s2 := setupStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for _, s := range []*Store{s1, s2} {
		appendCommitAt(t, s, "p1", "cc1", old, []ChangeRecord{taskChange("t1", 1, "u1")})
		appendCommitAt(t, s, "p1", "cc2", old, []ChangeRecord{taskChange("t1", 2, "u1")})
	}

	n, err := s1.MaybeCompactChanges(ctx, time.Hour, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("s1 first compact = %d, %v; want 1, nil", n, err)
	}
	// Suppressed within the interval on the same database.
	n, err = s1.MaybeCompactChanges(ctx, time.Hour, 24*time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("s1 debounced compact = %d, %v; want 0, nil", n, err)
	}
	// A different database is not suppressed by s1's debounce.
	n, err = s2.MaybeCompactChanges(ctx, time.Hour, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("s2 compact = %d, %v; want 1, nil", n, err)
	}
}
