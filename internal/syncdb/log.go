package syncdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrIdempotencyViolation reports that a commit with the same
// (partition, client, client commit id) already exists. Callers treat it as
// "already applied" and return the cached status.
var ErrIdempotencyViolation = errors.New("idempotency violation: commit already applied")

// CommitRow is a persisted commit log entry.
type CommitRow struct {
	PartitionID    string
	CommitSeq      int64
	ActorID        string
	ClientID       string
	ClientCommitID string
	CreatedAt      time.Time
	ChangeCount    int
	AffectedTables []string
	Meta           json.RawMessage
	Result         json.RawMessage
}

// ChangeRecord is the input shape for appending one change row.
type ChangeRecord struct {
	Table      string
	RowID      string
	Op         string
	RowJSON    []byte
	RowVersion *int64
	Scopes     map[string]string
}

// ChangeRow is a persisted change as read back for pulls.
type ChangeRow struct {
	ChangeID   int64
	CommitSeq  int64
	Table      string
	RowID      string
	Op         string
	RowJSON    []byte
	RowVersion *int64
	Scopes     map[string]string
}

// ScopeFilter constrains changes to rows whose extracted scope value for
// Key is among Values. Wildcard scopes contribute no filter and are never
// passed here. Filters conjunct with AND.
type ScopeFilter struct {
	Key    string
	Values []string
}

// AppendInput carries everything AppendCommit persists atomically.
type AppendInput struct {
	Partition      string
	ActorID        string
	ClientID       string
	ClientCommitID string
	Meta           json.RawMessage
	Result         json.RawMessage
	Changes        []ChangeRecord
	Now            time.Time
}

// AppendCommit inserts the commit row, one routing row per affected table,
// and one change row per emitted change, all inside the caller's write
// transaction. The commit sequence is the partition's next monotonic value;
// UNIQUE(partition_id, commit_seq) backstops concurrent writers. Returns
// ErrIdempotencyViolation when (partition, client, client commit id) was
// already appended.
func (s *Store) AppendCommit(ctx context.Context, q Querier, in AppendInput) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, s.d.Rebind(
		`SELECT COALESCE(MAX(commit_seq), 0) + 1 FROM sync_commits WHERE partition_id = ?`,
	), in.Partition).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next commit seq: %w", err)
	}

	tables := affectedTables(in.Changes)
	if tables == nil {
		tables = []string{}
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return 0, fmt.Errorf("marshal affected tables: %w", err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	meta := in.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("null")
	}

	_, err = q.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_commits
			(partition_id, commit_seq, actor_id, client_id, client_commit_id,
			 created_at, change_count, affected_tables, meta, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), in.Partition, seq, in.ActorID, in.ClientID, in.ClientCommitID,
		millis(now), len(in.Changes), string(tablesJSON), string(meta), string(in.Result))
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return 0, ErrIdempotencyViolation
		}
		return 0, fmt.Errorf("insert commit: %w", err)
	}

	for _, tbl := range tables {
		_, err = q.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_table_commits (partition_id, tbl, commit_seq) VALUES (?, ?, ?)`,
		), in.Partition, tbl, seq)
		if err != nil {
			return 0, fmt.Errorf("insert routing row %s: %w", tbl, err)
		}
	}

	for _, ch := range in.Changes {
		scopesJSON, err := json.Marshal(ch.Scopes)
		if err != nil {
			return 0, fmt.Errorf("marshal scopes: %w", err)
		}
		var rowJSON any
		if ch.RowJSON != nil {
			rowJSON = string(ch.RowJSON)
		}
		_, err = q.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_changes
				(partition_id, commit_seq, tbl, row_id, op, row_json, row_version, scopes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		), in.Partition, seq, ch.Table, ch.RowID, ch.Op, rowJSON, ch.RowVersion, string(scopesJSON))
		if err != nil {
			return 0, fmt.Errorf("insert change %s/%s: %w", ch.Table, ch.RowID, err)
		}
	}

	return seq, nil
}

func affectedTables(changes []ChangeRecord) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, ch := range changes {
		if !seen[ch.Table] {
			seen[ch.Table] = true
			tables = append(tables, ch.Table)
		}
	}
	sort.Strings(tables)
	return tables
}

// FindCommitByClientCommitID probes the idempotency key. Returns nil when
// no commit matches.
func (s *Store) FindCommitByClientCommitID(ctx context.Context, q Querier, partition, clientID, clientCommitID string) (*CommitRow, error) {
	row := q.QueryRowContext(ctx, s.d.Rebind(
		`SELECT partition_id, commit_seq, actor_id, client_id, client_commit_id,
			created_at, change_count, affected_tables, meta, result
		 FROM sync_commits
		 WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`,
	), partition, clientID, clientCommitID)
	c, err := scanCommit(row)
	if errors.Is(err, errNoCommit) {
		return nil, nil
	}
	return c, err
}

var errNoCommit = errors.New("no commit")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(r rowScanner) (*CommitRow, error) {
	var c CommitRow
	var createdAt int64
	var tablesJSON string
	var meta, result []byte
	err := r.Scan(&c.PartitionID, &c.CommitSeq, &c.ActorID, &c.ClientID,
		&c.ClientCommitID, &createdAt, &c.ChangeCount, &tablesJSON, &meta, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoCommit
	}
	if err != nil {
		return nil, fmt.Errorf("scan commit: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(tablesJSON), &c.AffectedTables); err != nil {
		return nil, fmt.Errorf("decode affected tables: %w", err)
	}
	c.Meta = json.RawMessage(meta)
	c.Result = json.RawMessage(result)
	return &c, nil
}

// ReadCommitSeqsForPull returns commit sequences strictly greater than
// cursor touching the given tables, ascending, at most limit. The
// single-table fast path skips DISTINCT (the routing PK already guarantees
// uniqueness).
func (s *Store) ReadCommitSeqsForPull(ctx context.Context, q Querier, partition string, tables []string, cursor int64, limit int) ([]int64, error) {
	if len(tables) == 0 || limit <= 0 {
		return nil, nil
	}

	var query string
	args := []any{partition}
	if len(tables) == 1 {
		query = `SELECT commit_seq FROM sync_table_commits
			WHERE partition_id = ? AND tbl = ? AND commit_seq > ?
			ORDER BY commit_seq ASC LIMIT ?`
		args = append(args, tables[0], cursor, limit)
	} else {
		inExpr, inArgs := s.d.InString("tbl", tables)
		query = `SELECT DISTINCT commit_seq FROM sync_table_commits
			WHERE partition_id = ? AND ` + inExpr + ` AND commit_seq > ?
			ORDER BY commit_seq ASC LIMIT ?`
		args = append(args, inArgs...)
		args = append(args, cursor, limit)
	}

	rows, err := q.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("read commit seqs: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan commit seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// ReadChangesForCommits returns all changes in the given commits matching
// the table and scope filters, ordered by (commit_seq, change_id).
func (s *Store) ReadChangesForCommits(ctx context.Context, q Querier, partition string, seqs []int64, table string, filters []ScopeFilter) ([]ChangeRow, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	seqExpr, seqArgs := s.d.InInt64("commit_seq", seqs)
	query := `SELECT change_id, commit_seq, tbl, row_id, op, row_json, row_version, scopes
		FROM sync_changes
		WHERE partition_id = ? AND tbl = ? AND ` + seqExpr
	args := []any{partition, table}
	args = append(args, seqArgs...)

	scopeExpr, scopeArgs := s.scopeFilterSQL(filters)
	if scopeExpr != "" {
		query += " AND " + scopeExpr
		args = append(args, scopeArgs...)
	}
	query += " ORDER BY commit_seq ASC, change_id ASC"

	rows, err := q.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var ch ChangeRow
		var rowJSON []byte
		var scopesJSON []byte
		if err := rows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.Table, &ch.RowID,
			&ch.Op, &rowJSON, &ch.RowVersion, &scopesJSON); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if len(rowJSON) > 0 {
			ch.RowJSON = rowJSON
		}
		if err := json.Unmarshal(scopesJSON, &ch.Scopes); err != nil {
			return nil, fmt.Errorf("decode change scopes: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// scopeFilterSQL encodes scope filters: single value as equality on the
// JSON-extracted field, sets as membership, conjunction across keys.
func (s *Store) scopeFilterSQL(filters []ScopeFilter) (string, []any) {
	var parts []string
	var args []any
	for _, f := range filters {
		if len(f.Values) == 0 {
			continue
		}
		expr := s.d.ScopeExpr(f.Key)
		if len(f.Values) == 1 {
			parts = append(parts, expr+" = ?")
			args = append(args, f.Values[0])
			continue
		}
		inExpr, inArgs := s.d.InString(expr, f.Values)
		parts = append(parts, inExpr)
		args = append(args, inArgs...)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + joinAnd(parts) + ")", args
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

// ReadCommits returns the commit rows for the given sequences, ascending.
func (s *Store) ReadCommits(ctx context.Context, q Querier, partition string, seqs []int64) ([]CommitRow, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	seqExpr, seqArgs := s.d.InInt64("commit_seq", seqs)
	query := `SELECT partition_id, commit_seq, actor_id, client_id, client_commit_id,
			created_at, change_count, affected_tables, meta, result
		FROM sync_commits WHERE partition_id = ? AND ` + seqExpr + `
		ORDER BY commit_seq ASC`
	args := append([]any{partition}, seqArgs...)

	rows, err := q.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("read commits: %w", err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MaxCommitSeq returns the partition's highest commit sequence, 0 when the
// log is empty.
func (s *Store) MaxCommitSeq(ctx context.Context, q Querier, partition string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, s.d.Rebind(
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
	), partition).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max commit seq: %w", err)
	}
	return seq, nil
}

// OldestRetainedSeq returns the partition's lowest surviving commit
// sequence, 0 when the log is empty. A cursor below this value has fallen
// behind retention and must re-bootstrap.
func (s *Store) OldestRetainedSeq(ctx context.Context, q Querier, partition string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, s.d.Rebind(
		`SELECT COALESCE(MIN(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
	), partition).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("oldest retained seq: %w", err)
	}
	return seq, nil
}

// CommitWithChanges pairs a commit with its scope-filtered changes.
type CommitWithChanges struct {
	Commit  CommitRow
	Changes []ChangeRow
}

// PullIterator produces commits (with filtered changes) lazily, advancing
// in commit-sequence windows so page boundaries always align with commit
// boundaries. The internal cursor tracks commit_seq, never row count.
type PullIterator struct {
	store     *Store
	q         Querier
	partition string
	table     string
	filters   []ScopeFilter
	cursor    int64
	remaining int
	batchSize int

	batch    []CommitWithChanges
	batchIdx int
	done     bool
}

// IteratePullRows starts an incremental read after cursor, bounded by
// limitCommits, fetching batchSize commit windows at a time.
func (s *Store) IteratePullRows(q Querier, partition, table string, filters []ScopeFilter, cursor int64, limitCommits, batchSize int) *PullIterator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PullIterator{
		store:     s,
		q:         q,
		partition: partition,
		table:     table,
		filters:   filters,
		cursor:    cursor,
		remaining: limitCommits,
		batchSize: batchSize,
	}
}

// Next returns the next commit in sequence order, or nil when the stream is
// exhausted. Commits whose changes were all filtered out are still
// returned (with empty Changes) so callers can advance their cursor.
func (it *PullIterator) Next(ctx context.Context) (*CommitWithChanges, error) {
	if it.batchIdx >= len(it.batch) {
		if it.done {
			return nil, nil
		}
		if err := it.refill(ctx); err != nil {
			return nil, err
		}
		if len(it.batch) == 0 {
			return nil, nil
		}
	}
	cc := &it.batch[it.batchIdx]
	it.batchIdx++
	return cc, nil
}

func (it *PullIterator) refill(ctx context.Context) error {
	it.batch = nil
	it.batchIdx = 0

	if it.remaining <= 0 {
		it.done = true
		return nil
	}
	window := it.batchSize
	if it.remaining < window {
		window = it.remaining
	}

	seqs, err := it.store.ReadCommitSeqsForPull(ctx, it.q, it.partition, []string{it.table}, it.cursor, window)
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		it.done = true
		return nil
	}

	commits, err := it.store.ReadCommits(ctx, it.q, it.partition, seqs)
	if err != nil {
		return err
	}
	changes, err := it.store.ReadChangesForCommits(ctx, it.q, it.partition, seqs, it.table, it.filters)
	if err != nil {
		return err
	}

	bySeq := make(map[int64][]ChangeRow, len(seqs))
	for _, ch := range changes {
		bySeq[ch.CommitSeq] = append(bySeq[ch.CommitSeq], ch)
	}

	it.batch = make([]CommitWithChanges, 0, len(commits))
	for _, c := range commits {
		it.batch = append(it.batch, CommitWithChanges{Commit: c, Changes: bySeq[c.CommitSeq]})
	}

	it.cursor = seqs[len(seqs)-1]
	it.remaining -= len(seqs)
	if len(seqs) < window {
		it.done = true
	}
	return nil
}
