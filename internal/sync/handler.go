// Package sync is the core commit-and-subscription engine: scope
// resolution, table handlers, the push applier, the pull planner, and the
// snapshot chunker. Durable state goes through internal/syncdb; realtime
// fan-out is the caller's concern after a successful push.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Handler is a per-table plug-in. It declares the table's scope patterns,
// resolves what an actor may read, projects mutated rows back to concrete
// scope values, serves bootstrap snapshots, and applies operations.
type Handler interface {
	Table() string
	ScopePatterns() []ScopePattern

	// ResolveScopes returns the scope mapping the actor may read for this
	// table in the auth's partition.
	ResolveScopes(ctx context.Context, auth Auth) (ScopeMap, error)

	// ExtractScopes projects a row to its concrete scope values.
	ExtractScopes(row json.RawMessage) (map[string]string, error)

	// Snapshot returns one page of rows for a fully materialized scope
	// binding, plus the next row cursor ("" when exhausted).
	Snapshot(ctx context.Context, q syncdb.Querier, auth Auth, binding Binding, rowCursor string, limit int) ([]json.RawMessage, string, error)

	// ApplyOperation applies one operation inside the push transaction.
	// Validation and conflict outcomes are returned in the OpResult;
	// a non-nil error means infrastructure failure and aborts the commit.
	ApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, opIndex int, op Operation) (OpResult, []EmittedChange, error)
}

// BatchApplier folds contiguous same-table operations into one write. The
// push applier uses it only when the dialect supports insert-with-returning
// and no plugins are registered.
type BatchApplier interface {
	ApplyOperationBatch(ctx context.Context, tx *sql.Tx, auth Auth, startIndex int, ops []Operation) ([]OpResult, []EmittedChange, error)
}

// Registry is the handler collection, keyed by table name.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate table names are an error.
func (r *Registry) Register(h Handler) error {
	name := h.Table()
	if name == "" {
		return fmt.Errorf("handler has empty table name")
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler already registered for table %q", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get looks up the handler for a table.
func (r *Registry) Get(table string) (Handler, bool) {
	h, ok := r.handlers[table]
	return h, ok
}

// Tables returns the registered table names, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TableConfig declares a generic JSON-document table served by
// NewTableHandler: rows live in a per-table store with optimistic
// versioning, scope values are read from payload fields.
type TableConfig struct {
	// Table is the logical and physical table name. Must match
	// ^[A-Za-z_][A-Za-z0-9_]*$ (it is interpolated into DDL and queries).
	Table string

	// ScopePatterns are templates such as "user:{user_id}".
	ScopePatterns []string

	// ScopeFields are the payload fields carrying scope values. Values
	// must be JSON strings.
	ScopeFields []string

	// ImmutableScopeKeys lists scope fields an upsert may never change on
	// an existing row; violations fail with CANNOT_MOVE_BETWEEN_<KEY>.
	ImmutableScopeKeys []string

	// Resolve returns the actor's authorized scopes. Required.
	Resolve func(ctx context.Context, auth Auth) (ScopeMap, error)
}

// TableHandler is the default Handler implementation over a generic
// document table: (partition_id, id, data, server_version, updated_at).
type TableHandler struct {
	cfg TableConfig
	d   syncdb.Dialect

	patterns []ScopePattern
}

// NewTableHandler builds a TableHandler for the given dialect.
func NewTableHandler(cfg TableConfig, d syncdb.Dialect) (*TableHandler, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table config: empty table name")
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("table config: invalid table name %q", cfg.Table)
	}
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("table config %s: Resolve is required", cfg.Table)
	}
	h := &TableHandler{cfg: cfg, d: d}
	for _, raw := range cfg.ScopePatterns {
		p, err := ParseScopePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("table config %s: %w", cfg.Table, err)
		}
		h.patterns = append(h.patterns, p)
	}
	return h, nil
}

// EnsureSchema creates the handler's document table if needed.
func (h *TableHandler) EnsureSchema(db *sql.DB) error {
	serial := "INTEGER"
	if h.d.Name() == "postgres" {
		serial = "BIGINT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_id   TEXT NOT NULL DEFAULT 'default',
		id             TEXT NOT NULL,
		data           TEXT NOT NULL,
		server_version %s NOT NULL,
		updated_at     %s NOT NULL,
		PRIMARY KEY (partition_id, id)
	)`, h.cfg.Table, serial, serial)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", h.cfg.Table, err)
	}
	return nil
}

func (h *TableHandler) Table() string                 { return h.cfg.Table }
func (h *TableHandler) ScopePatterns() []ScopePattern { return h.patterns }

func (h *TableHandler) ResolveScopes(ctx context.Context, auth Auth) (ScopeMap, error) {
	return h.cfg.Resolve(ctx, auth)
}

// ExtractScopes reads the configured scope fields from the row document.
func (h *TableHandler) ExtractScopes(row json.RawMessage) (map[string]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(row, &doc); err != nil {
		return nil, fmt.Errorf("extract scopes: %w", err)
	}
	out := make(map[string]string, len(h.cfg.ScopeFields))
	for _, f := range h.cfg.ScopeFields {
		if v, ok := doc[f].(string); ok && v != "" {
			out[f] = v
		}
	}
	return out, nil
}

// Snapshot pages rows by keyset on id. Wildcard binding entries add no
// predicate; single-value entries filter on the JSON field.
func (h *TableHandler) Snapshot(ctx context.Context, q syncdb.Querier, auth Auth, binding Binding, rowCursor string, limit int) ([]json.RawMessage, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}

	query := `SELECT id, data FROM ` + h.cfg.Table + ` WHERE partition_id = ? AND id > ?`
	args := []any{auth.PartitionID, rowCursor}

	keys := make([]string, 0, len(binding))
	for k := range binding {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := binding[k]
		if v.IsWildcard() {
			continue
		}
		query += " AND " + h.d.JSONField("data", k) + " = ?"
		args = append(args, v.List()[0])
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, h.d.Rebind(query), args...)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot %s: %w", h.cfg.Table, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	var lastID string
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, "", fmt.Errorf("snapshot scan %s: %w", h.cfg.Table, err)
		}
		out = append(out, json.RawMessage(data))
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) < limit {
		return out, "", nil
	}
	return out, lastID, nil
}

// ApplyOperation implements the default upsert/delete semantics with
// per-row optimistic concurrency.
func (h *TableHandler) ApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, opIndex int, op Operation) (OpResult, []EmittedChange, error) {
	switch op.Op {
	case OpDelete:
		return h.applyDelete(ctx, tx, auth, opIndex, op)
	case OpUpsert:
		return h.applyUpsert(ctx, tx, auth, opIndex, op)
	default:
		return Errored(opIndex, CodeInvalidRequest, fmt.Sprintf("unknown op %q", op.Op)), nil, nil
	}
}

func (h *TableHandler) applyDelete(ctx context.Context, tx *sql.Tx, auth Auth, opIndex int, op Operation) (OpResult, []EmittedChange, error) {
	existing, _, err := h.loadRow(ctx, tx, auth.PartitionID, op.RowID)
	if err != nil {
		return OpResult{}, nil, err
	}
	if existing == nil {
		// Absent row: the delete is a no-op that still counts as applied.
		return Applied(opIndex), nil, nil
	}

	scopes, err := h.ExtractScopes(existing)
	if err != nil {
		return OpResult{}, nil, err
	}

	_, err = tx.ExecContext(ctx, h.d.Rebind(
		`DELETE FROM `+h.cfg.Table+` WHERE partition_id = ? AND id = ?`,
	), auth.PartitionID, op.RowID)
	if err != nil {
		return OpResult{}, nil, fmt.Errorf("delete %s/%s: %w", h.cfg.Table, op.RowID, err)
	}

	change := EmittedChange{
		Table:  h.cfg.Table,
		RowID:  op.RowID,
		Op:     OpDelete,
		Scopes: scopes,
	}
	return Applied(opIndex), []EmittedChange{change}, nil
}

func (h *TableHandler) applyUpsert(ctx context.Context, tx *sql.Tx, auth Auth, opIndex int, op Operation) (OpResult, []EmittedChange, error) {
	if len(op.Payload) == 0 {
		return Errored(opIndex, CodeInvalidRequest, "upsert requires a payload"), nil, nil
	}

	existing, existingVersion, err := h.loadRow(ctx, tx, auth.PartitionID, op.RowID)
	if err != nil {
		return OpResult{}, nil, err
	}

	if existing == nil {
		if op.BaseVersion != nil && *op.BaseVersion != 0 {
			return Errored(opIndex, CodeRowMissing,
				fmt.Sprintf("row %s/%s not found for base_version %d", h.cfg.Table, op.RowID, *op.BaseVersion)), nil, nil
		}
		return h.insertRow(ctx, tx, auth, opIndex, op)
	}

	if op.BaseVersion != nil && *op.BaseVersion != existingVersion {
		return Conflicted(opIndex, existingVersion, existing), nil, nil
	}

	if res, violated := h.checkImmutableScopes(opIndex, existing, op.Payload); violated {
		return res, nil, nil
	}

	newVersion := existingVersion + 1
	doc, err := h.buildDoc(op.RowID, op.Payload, newVersion)
	if err != nil {
		return Errored(opIndex, CodeInvalidRequest, err.Error()), nil, nil
	}

	_, err = tx.ExecContext(ctx, h.d.Rebind(
		`UPDATE `+h.cfg.Table+` SET data = ?, server_version = ?, updated_at = ?
		 WHERE partition_id = ? AND id = ?`,
	), string(doc), newVersion, time.Now().UnixMilli(), auth.PartitionID, op.RowID)
	if err != nil {
		return OpResult{}, nil, fmt.Errorf("update %s/%s: %w", h.cfg.Table, op.RowID, err)
	}

	return h.emitUpsert(opIndex, op.RowID, doc, newVersion)
}

func (h *TableHandler) insertRow(ctx context.Context, tx *sql.Tx, auth Auth, opIndex int, op Operation) (OpResult, []EmittedChange, error) {
	const version = int64(1)
	doc, err := h.buildDoc(op.RowID, op.Payload, version)
	if err != nil {
		return Errored(opIndex, CodeInvalidRequest, err.Error()), nil, nil
	}

	_, err = tx.ExecContext(ctx, h.d.Rebind(
		`INSERT INTO `+h.cfg.Table+` (partition_id, id, data, server_version, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
	), auth.PartitionID, op.RowID, string(doc), version, time.Now().UnixMilli())
	if err != nil {
		return OpResult{}, nil, fmt.Errorf("insert %s/%s: %w", h.cfg.Table, op.RowID, err)
	}

	return h.emitUpsert(opIndex, op.RowID, doc, version)
}

func (h *TableHandler) emitUpsert(opIndex int, rowID string, doc json.RawMessage, version int64) (OpResult, []EmittedChange, error) {
	scopes, err := h.ExtractScopes(doc)
	if err != nil {
		return OpResult{}, nil, err
	}
	v := version
	change := EmittedChange{
		Table:      h.cfg.Table,
		RowID:      rowID,
		Op:         OpUpsert,
		RowJSON:    doc,
		RowVersion: &v,
		Scopes:     scopes,
	}
	return Applied(opIndex), []EmittedChange{change}, nil
}

// checkImmutableScopes rejects payloads that move an existing row to a
// different value of a declared-immutable scope key.
func (h *TableHandler) checkImmutableScopes(opIndex int, existing, payload json.RawMessage) (OpResult, bool) {
	if len(h.cfg.ImmutableScopeKeys) == 0 {
		return OpResult{}, false
	}
	oldScopes, err := h.ExtractScopes(existing)
	if err != nil {
		return OpResult{}, false
	}
	var newDoc map[string]any
	if err := json.Unmarshal(payload, &newDoc); err != nil {
		return OpResult{}, false
	}
	for _, k := range h.cfg.ImmutableScopeKeys {
		newVal, ok := newDoc[k].(string)
		if !ok {
			continue
		}
		if oldVal := oldScopes[k]; oldVal != "" && newVal != oldVal {
			code := "CANNOT_MOVE_BETWEEN_" + strings.ToUpper(k)
			return Errored(opIndex, code,
				fmt.Sprintf("field %s is immutable (%s -> %s)", k, oldVal, newVal)), true
		}
	}
	return OpResult{}, false
}

// buildDoc merges the payload with the row id and server version so the
// stored document is self-describing.
func (h *TableHandler) buildDoc(rowID string, payload json.RawMessage, version int64) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	doc["id"] = rowID
	doc["server_version"] = version
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *TableHandler) loadRow(ctx context.Context, tx *sql.Tx, partition, rowID string) (json.RawMessage, int64, error) {
	var data string
	var version int64
	err := tx.QueryRowContext(ctx, h.d.Rebind(
		`SELECT data, server_version FROM `+h.cfg.Table+` WHERE partition_id = ? AND id = ?`,
	), partition, rowID).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load %s/%s: %w", h.cfg.Table, rowID, err)
	}
	return json.RawMessage(data), version, nil
}
