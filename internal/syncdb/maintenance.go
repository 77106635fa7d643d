package syncdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// debounce timestamps are keyed by database handle identity, never shared
// across stores: two databases running maintenance concurrently each get
// their own suppression window.
var debounce = struct {
	mu      sync.Mutex
	compact map[*sql.DB]time.Time
	prune   map[*sql.DB]time.Time
}{
	compact: make(map[*sql.DB]time.Time),
	prune:   make(map[*sql.DB]time.Time),
}

func debounceDue(m map[*sql.DB]time.Time, db *sql.DB, minInterval time.Duration) bool {
	debounce.mu.Lock()
	defer debounce.mu.Unlock()
	last, ok := m[db]
	if ok && time.Since(last) < minInterval {
		return false
	}
	m[db] = time.Now()
	return true
}

// CompactChanges deletes change rows older than the cutoff except the
// newest per (partition, table, row, scopes) group, then removes routing
// rows whose commit has no surviving changes. Intermediate row versions
// beyond the retention window disappear; the latest state always survives.
func (s *Store) CompactChanges(ctx context.Context, fullHistory time.Duration) (int64, error) {
	cutoff := millis(time.Now().Add(-fullHistory))

	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_changes WHERE change_id IN (
			SELECT change_id FROM (
				SELECT ch.change_id,
					ROW_NUMBER() OVER (
						PARTITION BY ch.partition_id, ch.tbl, ch.row_id, ch.scopes
						ORDER BY ch.commit_seq DESC, ch.change_id DESC
					) AS rn,
					co.created_at AS committed_at
				FROM sync_changes ch
				JOIN sync_commits co
					ON co.partition_id = ch.partition_id AND co.commit_seq = ch.commit_seq
			) ranked
			WHERE ranked.rn > 1 AND ranked.committed_at < ?
		)`,
	), cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact changes: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_table_commits WHERE NOT EXISTS (
				SELECT 1 FROM sync_changes c
				WHERE c.partition_id = sync_table_commits.partition_id
					AND c.tbl = sync_table_commits.tbl
					AND c.commit_seq = sync_table_commits.commit_seq
			)`); err != nil {
			return deleted, fmt.Errorf("compact routing rows: %w", err)
		}
	}
	return deleted, nil
}

// MaybeCompactChanges debounces CompactChanges so at most one compaction
// per database runs per interval. Returns (0, nil) when suppressed.
func (s *Store) MaybeCompactChanges(ctx context.Context, minInterval, fullHistory time.Duration) (int64, error) {
	if !debounceDue(debounce.compact, s.db, minInterval) {
		return 0, nil
	}
	n, err := s.CompactChanges(ctx, fullHistory)
	if err != nil {
		return n, err
	}
	if n > 0 {
		slog.Info("compacted change history", "deleted", n)
	}
	return n, nil
}

// PruneCommits removes commits beyond keepNewest per partition that are
// also older than maxAge, cascading to their changes and routing rows.
func (s *Store) PruneCommits(ctx context.Context, keepNewest int, maxAge time.Duration) (int64, error) {
	cutoff := millis(time.Now().Add(-maxAge))

	prunable := `SELECT partition_id, commit_seq FROM (
			SELECT partition_id, commit_seq, created_at,
				ROW_NUMBER() OVER (
					PARTITION BY partition_id ORDER BY commit_seq DESC
				) AS rn
			FROM sync_commits
		) ranked WHERE ranked.rn > ? AND ranked.created_at < ?`

	// Children first so the selection subquery still sees the commits.
	for _, child := range []string{"sync_changes", "sync_table_commits"} {
		query := `DELETE FROM ` + child + ` WHERE (partition_id, commit_seq) IN (` + prunable + `)`
		if _, err := s.db.ExecContext(ctx, s.d.Rebind(query), keepNewest, cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", child, err)
		}
	}

	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_commits WHERE (partition_id, commit_seq) IN (`+prunable+`)`,
	), keepNewest, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune commits: %w", err)
	}
	return res.RowsAffected()
}

// MaybePruneCommits debounces PruneCommits per database.
func (s *Store) MaybePruneCommits(ctx context.Context, minInterval time.Duration, keepNewest int, maxAge time.Duration) (int64, error) {
	if !debounceDue(debounce.prune, s.db, minInterval) {
		return 0, nil
	}
	n, err := s.PruneCommits(ctx, keepNewest, maxAge)
	if err != nil {
		return n, err
	}
	if n > 0 {
		slog.Info("pruned old commits", "deleted", n)
	}
	return n, nil
}
