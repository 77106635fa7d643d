package syncdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ClientCursor records a client's last-seen commit sequence and effective
// scopes. Observability and eviction only; per-subscription cursors live on
// the client.
type ClientCursor struct {
	PartitionID     string
	ClientID        string
	ActorID         string
	Cursor          int64
	EffectiveScopes json.RawMessage
	UpdatedAt       time.Time
}

// RecordClientCursor upserts the (partition, client) cursor row.
func (s *Store) RecordClientCursor(ctx context.Context, partition, clientID, actorID string, cursor int64, effectiveScopes json.RawMessage) error {
	scopes := effectiveScopes
	if len(scopes) == 0 {
		scopes = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_client_cursors
			(partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (partition_id, client_id) DO UPDATE SET
			actor_id = excluded.actor_id,
			cursor = excluded.cursor,
			effective_scopes = excluded.effective_scopes,
			updated_at = excluded.updated_at`,
	), partition, clientID, actorID, cursor, string(scopes), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("record client cursor: %w", err)
	}
	return nil
}

// GetClientCursor returns the cursor row, or nil when the client has none.
func (s *Store) GetClientCursor(ctx context.Context, partition, clientID string) (*ClientCursor, error) {
	var c ClientCursor
	var scopes []byte
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = ? AND client_id = ?`,
	), partition, clientID).Scan(&c.PartitionID, &c.ClientID, &c.ActorID, &c.Cursor, &scopes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client cursor: %w", err)
	}
	c.EffectiveScopes = json.RawMessage(scopes)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// DeleteClientCursor removes the cursor row. The client re-bootstraps on
// its next pull because its local cursor diverges from server history.
func (s *Store) DeleteClientCursor(ctx context.Context, partition, clientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_client_cursors WHERE partition_id = ? AND client_id = ?`,
	), partition, clientID)
	if err != nil {
		return false, fmt.Errorf("delete client cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListClientCursors returns all cursor rows for the partition, newest
// update first.
func (s *Store) ListClientCursors(ctx context.Context, partition string) ([]ClientCursor, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = ? ORDER BY updated_at DESC`,
	), partition)
	if err != nil {
		return nil, fmt.Errorf("list client cursors: %w", err)
	}
	defer rows.Close()

	var out []ClientCursor
	for rows.Next() {
		var c ClientCursor
		var scopes []byte
		var updatedAt int64
		if err := rows.Scan(&c.PartitionID, &c.ClientID, &c.ActorID, &c.Cursor, &scopes, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan client cursor: %w", err)
		}
		c.EffectiveScopes = json.RawMessage(scopes)
		c.UpdatedAt = fromMillis(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneStaleCursors removes cursor rows not updated since the cutoff.
func (s *Store) PruneStaleCursors(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_client_cursors WHERE updated_at < ?`,
	), millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune stale cursors: %w", err)
	}
	return res.RowsAffected()
}
