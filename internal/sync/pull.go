package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/syncular/syncd/internal/syncdb"
)

// scopeFilters converts an effective scope mapping into change filters.
// Wildcard values contribute no constraint.
func scopeFilters(m ScopeMap) []syncdb.ScopeFilter {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filters []syncdb.ScopeFilter
	for _, k := range keys {
		v := m[k]
		if v.IsWildcard() || len(v.List()) == 0 {
			continue
		}
		filters = append(filters, syncdb.ScopeFilter{Key: k, Values: v.List()})
	}
	return filters
}

// chunkJob defers chunk persistence until the read transaction has
// closed: chunk inserts are writes and must not run inside the read-only
// snapshot transaction.
type chunkJob struct {
	subIdx    int
	pageIdx   int
	scopeKey  string
	scope     string
	asOf      int64
	rowCursor string
	rowLimit  int
	rows      []json.RawMessage
}

// Pull plans and executes one pull request: per subscription it resolves
// effective scopes, decides bootstrap versus incremental delivery, pages
// snapshots through the chunker or streams commits in order, and finally
// records the client cursor best-effort.
func (e *Engine) Pull(ctx context.Context, auth Auth, clientID string, req PullRequest) (PullOutcome, error) {
	limitCommits := req.LimitCommits
	if limitCommits <= 0 {
		limitCommits = e.opts.DefaultLimitCommits
	}
	if limitCommits > e.opts.MaxLimitCommits {
		limitCommits = e.opts.MaxLimitCommits
	}
	maxRows := req.MaxSnapshotRows
	if maxRows <= 0 || maxRows > e.opts.MaxSnapshotRows {
		maxRows = e.opts.MaxSnapshotRows
	}
	maxPages := req.MaxSnapshotPages
	if maxPages <= 0 || maxPages > e.opts.MaxSnapshotPages {
		maxPages = e.opts.MaxSnapshotPages
	}

	// One read transaction spans every subscription so all reads observe
	// a consistent snapshot of the log.
	tx, err := e.store.BeginRead(ctx)
	if err != nil {
		return PullOutcome{}, fmt.Errorf("begin pull tx: %w", err)
	}
	defer tx.Rollback()

	outcome := PullOutcome{
		Response:        PullResponse{OK: true},
		EffectiveScopes: make(map[string]ScopeMap),
	}
	var jobs []chunkJob

	for _, sub := range req.Subscriptions {
		subResp, subJobs, err := e.pullSubscription(ctx, tx, auth, sub, limitCommits, maxRows, maxPages)
		if err != nil {
			return PullOutcome{}, err
		}
		subIdx := len(outcome.Response.Subscriptions)
		for j := range subJobs {
			subJobs[j].subIdx = subIdx
		}
		jobs = append(jobs, subJobs...)

		outcome.Response.Subscriptions = append(outcome.Response.Subscriptions, subResp)
		if subResp.Status == SubActive {
			outcome.EffectiveScopes[sub.Table] = subResp.Scopes
		}
		if subResp.NextCursor > outcome.ClientCursor {
			outcome.ClientCursor = subResp.NextCursor
		}
	}

	// Release the snapshot before any writes (chunk bodies, cursor row).
	tx.Rollback()

	for _, job := range jobs {
		ref, err := e.chunker.ProduceChunk(ctx, auth.PartitionID, job.scopeKey, job.scope,
			job.asOf, job.rowCursor, job.rowLimit, job.rows)
		if err != nil {
			return PullOutcome{}, err
		}
		page := &outcome.Response.Subscriptions[job.subIdx].Snapshots[job.pageIdx]
		page.Rows = nil
		page.ChunkID = ref.ChunkID
		page.ByteLength = ref.ByteLength
		page.SHA256 = ref.SHA256
	}

	// Cursor recording is observability only; a failure never fails the
	// pull.
	if clientID != "" {
		scopesJSON, err := json.Marshal(outcome.EffectiveScopes)
		if err != nil {
			scopesJSON = []byte("{}")
		}
		if err := e.store.RecordClientCursor(ctx, auth.PartitionID, clientID, auth.ActorID, outcome.ClientCursor, scopesJSON); err != nil {
			slog.Warn("record client cursor failed",
				"partition", auth.PartitionID, "client", clientID, "err", err)
		}
	}

	return outcome, nil
}

func (e *Engine) pullSubscription(ctx context.Context, tx *sql.Tx, auth Auth, sub Subscription, limitCommits, maxRows, maxPages int) (SubscriptionResponse, []chunkJob, error) {
	handler, ok := e.handlers.Get(sub.Table)
	if !ok {
		// An unregistered table cannot be authorized; the subscription is
		// revoked rather than erroring the whole pull.
		return SubscriptionResponse{ID: sub.ID, Status: SubRevoked, NextCursor: sub.Cursor}, nil, nil
	}

	resolved, err := e.resolver.Resolve(ctx, handler, auth)
	if err != nil {
		return SubscriptionResponse{}, nil, fmt.Errorf("resolve scopes %s: %w", sub.Table, err)
	}

	effective, ok := resolved.Intersect(sub.Scopes)
	if !ok {
		return SubscriptionResponse{ID: sub.ID, Status: SubRevoked, NextCursor: sub.Cursor}, nil, nil
	}

	bootstrap := sub.Cursor == 0 || sub.Bootstrap
	if !bootstrap {
		oldest, err := e.store.OldestRetainedSeq(ctx, tx, auth.PartitionID)
		if err != nil {
			return SubscriptionResponse{}, nil, err
		}
		// A cursor that predates the oldest retained commit has fallen
		// behind retention and must re-bootstrap.
		if oldest > sub.Cursor {
			bootstrap = true
		}
	}

	if bootstrap {
		return e.pullSnapshot(ctx, tx, auth, handler, sub, effective, maxRows, maxPages)
	}
	resp, err := e.pullIncremental(ctx, tx, auth, sub, effective, limitCommits)
	return resp, nil, err
}

// pullSnapshot serves bootstrap mode: the as-of sequence is captured
// before paging starts, so changes landing mid-snapshot are delivered by
// the next incremental pull rather than lost or duplicated.
func (e *Engine) pullSnapshot(ctx context.Context, tx *sql.Tx, auth Auth, handler Handler, sub Subscription, effective ScopeMap, maxRows, maxPages int) (SubscriptionResponse, []chunkJob, error) {
	asOf, err := e.store.MaxCommitSeq(ctx, tx, auth.PartitionID)
	if err != nil {
		return SubscriptionResponse{}, nil, err
	}

	resp := SubscriptionResponse{
		ID:         sub.ID,
		Status:     SubActive,
		Scopes:     effective,
		Bootstrap:  true,
		NextCursor: asOf,
	}
	var jobs []chunkJob

	pageSize := e.opts.SnapshotPageSize
	totalRows := 0
	pages := 0

	for _, binding := range effective.Bindings() {
		rowCursor := ""
		for pages < maxPages && totalRows < maxRows {
			limit := pageSize
			if remaining := maxRows - totalRows; remaining < limit {
				limit = remaining
			}
			rows, next, err := handler.Snapshot(ctx, tx, auth, binding, rowCursor, limit)
			if err != nil {
				return SubscriptionResponse{}, nil, fmt.Errorf("snapshot %s: %w", sub.Table, err)
			}
			if len(rows) == 0 {
				break
			}
			pages++
			totalRows += len(rows)

			page := SnapshotPage{Table: sub.Table, Rows: rows, NextRowCursor: next}
			encoded, err := EncodePage(rows)
			if err != nil {
				return SubscriptionResponse{}, nil, err
			}
			if len(encoded) > e.opts.InlineSnapshotBytes {
				scopeJSON, err := json.Marshal(binding)
				if err != nil {
					return SubscriptionResponse{}, nil, fmt.Errorf("marshal binding: %w", err)
				}
				jobs = append(jobs, chunkJob{
					pageIdx:   len(resp.Snapshots),
					scopeKey:  binding.Key(),
					scope:     string(scopeJSON),
					asOf:      asOf,
					rowCursor: rowCursor,
					rowLimit:  limit,
					rows:      rows,
				})
			}
			resp.Snapshots = append(resp.Snapshots, page)

			if next == "" {
				break
			}
			rowCursor = next
		}
	}

	return resp, jobs, nil
}

// pullIncremental streams commits strictly greater than the subscription
// cursor in commit-sequence order, changes in insertion order within each
// commit.
func (e *Engine) pullIncremental(ctx context.Context, tx *sql.Tx, auth Auth, sub Subscription, effective ScopeMap, limitCommits int) (SubscriptionResponse, error) {
	resp := SubscriptionResponse{
		ID:         sub.ID,
		Status:     SubActive,
		Scopes:     effective,
		Bootstrap:  false,
		NextCursor: sub.Cursor,
	}

	filters := scopeFilters(effective)
	it := e.store.IteratePullRows(tx, auth.PartitionID, sub.Table, filters, sub.Cursor, limitCommits, e.opts.PullBatchSize)
	for {
		cc, err := it.Next(ctx)
		if err != nil {
			return SubscriptionResponse{}, fmt.Errorf("incremental pull %s: %w", sub.Table, err)
		}
		if cc == nil {
			break
		}
		// Advance past commits whose changes were all filtered out so the
		// client does not re-scan them next pull.
		if cc.Commit.CommitSeq > resp.NextCursor {
			resp.NextCursor = cc.Commit.CommitSeq
		}
		if len(cc.Changes) == 0 {
			continue
		}

		pc := PullCommit{
			CommitSeq: cc.Commit.CommitSeq,
			CreatedAt: cc.Commit.CreatedAt,
			ActorID:   cc.Commit.ActorID,
		}
		for _, ch := range cc.Changes {
			pc.Changes = append(pc.Changes, Change{
				ChangeID:   ch.ChangeID,
				CommitSeq:  ch.CommitSeq,
				Table:      ch.Table,
				RowID:      ch.RowID,
				Op:         ch.Op,
				RowJSON:    ch.RowJSON,
				RowVersion: ch.RowVersion,
				Scopes:     ch.Scopes,
			})
		}
		resp.Commits = append(resp.Commits, pc)
	}

	return resp, nil
}
