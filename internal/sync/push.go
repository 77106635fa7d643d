package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

// PushCommit validates, deduplicates, and applies one client commit under
// a single write transaction with per-operation savepoints. Validation and
// handler outcomes are encoded per-op in the response and never returned
// as Go errors; a non-nil error means infrastructure failure and no commit
// is observable.
func (e *Engine) PushCommit(ctx context.Context, auth Auth, clientID string, req PushRequest) (PushOutcome, error) {
	if clientID == "" || req.ClientCommitID == "" {
		return rejected(Errored(0, CodeInvalidRequest, "clientId and clientCommitId are required")), nil
	}
	if len(req.Operations) == 0 {
		return rejected(Errored(0, CodeEmptyCommit, "operations list is empty")), nil
	}

	// Idempotency probe before opening the write transaction. The cached
	// branch performs no fan-out.
	existing, err := e.store.FindCommitByClientCommitID(ctx, e.store.DB(), auth.PartitionID, clientID, req.ClientCommitID)
	if err != nil {
		return PushOutcome{}, err
	}
	if existing != nil {
		return cachedOutcome(existing)
	}

	tx, err := e.store.BeginWrite(ctx)
	if err != nil {
		return PushOutcome{}, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	results := make([]OpResult, 0, len(req.Operations))
	var emitted []EmittedChange
	anyFailed := false
	savepoints := e.store.Dialect().SupportsSavepoints()
	// Batching folds contiguous same-table ops into one write, but only
	// when no plugin can rewrite payloads mid-flight and the dialect can
	// return the written rows.
	batching := savepoints && e.store.Dialect().SupportsInsertReturning() && len(e.plugins) == 0

	i := 0
	for i < len(req.Operations) {
		if batching {
			if n, batchResults, batchChanges, ok, err := e.tryBatch(ctx, tx, auth, i, req.Operations); err != nil {
				return PushOutcome{}, err
			} else if ok {
				results = append(results, batchResults...)
				emitted = append(emitted, batchChanges...)
				i += n
				continue
			}
		}

		op := req.Operations[i]
		res, changes, err := e.applyOne(ctx, tx, auth, i, op, savepoints)
		if err != nil {
			return PushOutcome{}, err
		}
		results = append(results, res)
		i++
		if res.Status == StatusApplied {
			emitted = append(emitted, changes...)
			continue
		}
		anyFailed = true
		if !savepoints {
			// Without savepoints the failed op's writes cannot be undone
			// individually; stop here and roll back the whole commit.
			break
		}
	}

	if anyFailed {
		// Outer transaction rolls back via defer: no commit row, no change
		// rows, no application mutations survive.
		return PushOutcome{Response: PushResponse{OK: true, Status: PushRejected, Results: results}}, nil
	}

	resultJSON, err := json.Marshal(results)
	if err != nil {
		return PushOutcome{}, fmt.Errorf("marshal results: %w", err)
	}

	records := make([]syncdb.ChangeRecord, len(emitted))
	for i, ch := range emitted {
		records[i] = syncdb.ChangeRecord{
			Table:      ch.Table,
			RowID:      ch.RowID,
			Op:         ch.Op,
			RowJSON:    ch.RowJSON,
			RowVersion: ch.RowVersion,
			Scopes:     ch.Scopes,
		}
	}

	seq, err := e.store.AppendCommit(ctx, tx, syncdb.AppendInput{
		Partition:      auth.PartitionID,
		ActorID:        auth.ActorID,
		ClientID:       clientID,
		ClientCommitID: req.ClientCommitID,
		Result:         resultJSON,
		Changes:        records,
		Now:            time.Now(),
	})
	if errors.Is(err, syncdb.ErrIdempotencyViolation) {
		// A concurrent retry won the race; serve its cached result.
		tx.Rollback()
		raced, probeErr := e.store.FindCommitByClientCommitID(ctx, e.store.DB(), auth.PartitionID, clientID, req.ClientCommitID)
		if probeErr != nil {
			return PushOutcome{}, fmt.Errorf("idempotency race probe: %w", probeErr)
		}
		if raced == nil {
			return PushOutcome{}, err
		}
		return cachedOutcome(raced)
	}
	if err != nil {
		return PushOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return PushOutcome{}, fmt.Errorf("commit push tx: %w", err)
	}

	scopeKeys, tables := fanOutData(e.handlers, emitted)
	slog.Debug("commit applied",
		"partition", auth.PartitionID, "seq", seq,
		"ops", len(req.Operations), "changes", len(emitted))

	return PushOutcome{
		Response:       PushResponse{OK: true, Status: PushApplied, CommitSeq: seq, Results: results},
		ScopeKeys:      scopeKeys,
		EmittedChanges: emitted,
		AffectedTables: tables,
	}, nil
}

// tryBatch hands a contiguous same-table run of operations to the
// handler's batch applier when it has one. A batch with any non-applied
// result is rolled back wholesale and the caller re-applies the run
// per-op, so per-operation savepoint semantics are preserved. Returns
// ok=false when the run is not batchable.
func (e *Engine) tryBatch(ctx context.Context, tx *sql.Tx, auth Auth, start int, ops []Operation) (int, []OpResult, []EmittedChange, bool, error) {
	handler, ok := e.handlers.Get(ops[start].Table)
	if !ok {
		return 0, nil, nil, false, nil
	}
	ba, ok := handler.(BatchApplier)
	if !ok {
		return 0, nil, nil, false, nil
	}

	end := start + 1
	for end < len(ops) && ops[end].Table == ops[start].Table {
		end++
	}
	if end-start < 2 {
		return 0, nil, nil, false, nil
	}
	run := ops[start:end]

	sp := fmt.Sprintf("sync_batch_%d", start)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return 0, nil, nil, false, fmt.Errorf("savepoint batch %d: %w", start, err)
	}

	results, changes, err := ba.ApplyOperationBatch(ctx, tx, auth, start, run)
	if err != nil {
		return 0, nil, nil, false, err
	}
	for _, r := range results {
		if r.Status != StatusApplied {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
				return 0, nil, nil, false, fmt.Errorf("rollback batch %d: %w", start, err)
			}
			if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
				return 0, nil, nil, false, fmt.Errorf("release batch %d: %w", start, err)
			}
			// Fall back to the per-op path for precise savepoints.
			return 0, nil, nil, false, nil
		}
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return 0, nil, nil, false, fmt.Errorf("release batch %d: %w", start, err)
	}
	return end - start, results, changes, true, nil
}

// applyOne runs the plugin chain and the handler for one operation,
// isolated by a savepoint so a failed op's side-effects are discarded
// without aborting the commit.
func (e *Engine) applyOne(ctx context.Context, tx *sql.Tx, auth Auth, i int, op Operation, savepoints bool) (OpResult, []EmittedChange, error) {
	for _, p := range e.plugins {
		rewritten, err := p.BeforeApplyOperation(ctx, tx, auth, op)
		if err != nil {
			if oe, ok := AsOpError(err); ok {
				return OpResult{OpIndex: i, Status: StatusError, Code: oe.Code, Message: oe.Message, Retriable: oe.Retriable}, nil, nil
			}
			return OpResult{}, nil, fmt.Errorf("plugin %s before op %d: %w", p.Name(), i, err)
		}
		op = rewritten
	}

	handler, ok := e.handlers.Get(op.Table)
	if !ok {
		return Errored(i, CodeUnknownTable, fmt.Sprintf("table %q is not registered", op.Table)), nil, nil
	}

	sp := fmt.Sprintf("sync_op_%d", i)
	if savepoints {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return OpResult{}, nil, fmt.Errorf("savepoint op %d: %w", i, err)
		}
	}

	res, changes, err := handler.ApplyOperation(ctx, tx, auth, i, op)
	if err != nil {
		return OpResult{}, nil, err
	}

	if res.Status != StatusApplied {
		if savepoints {
			// Discard whatever the handler wrote for this op.
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
				return OpResult{}, nil, fmt.Errorf("rollback to savepoint op %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
				return OpResult{}, nil, fmt.Errorf("release savepoint op %d: %w", i, err)
			}
		}
		return res, nil, nil
	}

	if savepoints {
		if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			return OpResult{}, nil, fmt.Errorf("release savepoint op %d: %w", i, err)
		}
	}

	for _, p := range e.plugins {
		if err := p.AfterApplyOperation(ctx, tx, auth, op, res, changes); err != nil {
			return OpResult{}, nil, fmt.Errorf("plugin %s after op %d: %w", p.Name(), i, err)
		}
	}
	return res, changes, nil
}

func cachedOutcome(c *syncdb.CommitRow) (PushOutcome, error) {
	var results []OpResult
	if len(c.Result) > 0 && string(c.Result) != "null" {
		if err := json.Unmarshal(c.Result, &results); err != nil {
			return PushOutcome{}, fmt.Errorf("decode cached results: %w", err)
		}
	}
	return PushOutcome{
		Response: PushResponse{OK: true, Status: PushCached, CommitSeq: c.CommitSeq, Results: results},
	}, nil
}

// fanOutData computes the deduplicated scope keys (Cartesian expansion of
// each handler pattern against extracted scope values) and the sorted
// affected-table set.
func fanOutData(handlers *Registry, emitted []EmittedChange) ([]string, []string) {
	seenKeys := make(map[string]bool)
	seenTables := make(map[string]bool)
	var keys, tables []string
	for _, ch := range emitted {
		if !seenTables[ch.Table] {
			seenTables[ch.Table] = true
			tables = append(tables, ch.Table)
		}
		h, ok := handlers.Get(ch.Table)
		if !ok {
			continue
		}
		for _, key := range ScopeKeysForChange(h.ScopePatterns(), ch.Scopes) {
			if !seenKeys[key] {
				seenKeys[key] = true
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(tables)
	return keys, tables
}

func rejected(res OpResult) PushOutcome {
	return PushOutcome{Response: PushResponse{OK: true, Status: PushRejected, Results: []OpResult{res}}}
}
