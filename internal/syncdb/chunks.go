package syncdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChunkRow is a persisted snapshot chunk: immutable, content-addressed,
// TTL-bounded.
type ChunkRow struct {
	ChunkID       string
	PartitionID   string
	ScopeKey      string
	Scope         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
	SHA256        string
	ByteLength    int64
	Body          []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// InsertChunk persists a chunk. Concurrent producers for the same page key
// race benignly: the insert ignores conflicts and the loser's bytes match
// the winner's (chunks are content-addressed).
func (s *Store) InsertChunk(ctx context.Context, c ChunkRow) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_snapshot_chunks
			(chunk_id, partition_id, scope_key, scope, as_of_commit_seq,
			 row_cursor, row_limit, encoding, compression, sha256,
			 byte_length, body, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chunk_id) DO NOTHING`,
	), c.ChunkID, c.PartitionID, c.ScopeKey, c.Scope, c.AsOfCommitSeq,
		c.RowCursor, c.RowLimit, c.Encoding, c.Compression, c.SHA256,
		c.ByteLength, c.Body, millis(c.CreatedAt), millis(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
	}
	return nil
}

// GetChunk returns the chunk by id, or nil when absent or expired.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*ChunkRow, error) {
	var c ChunkRow
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT chunk_id, partition_id, scope_key, scope, as_of_commit_seq,
			row_cursor, row_limit, encoding, compression, sha256,
			byte_length, body, created_at, expires_at
		 FROM sync_snapshot_chunks WHERE chunk_id = ?`,
	), chunkID).Scan(&c.ChunkID, &c.PartitionID, &c.ScopeKey, &c.Scope,
		&c.AsOfCommitSeq, &c.RowCursor, &c.RowLimit, &c.Encoding,
		&c.Compression, &c.SHA256, &c.ByteLength, &c.Body, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", chunkID, err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	if !c.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return &c, nil
}

// DeleteExpiredChunks removes chunks whose TTL elapsed before now.
func (s *Store) DeleteExpiredChunks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_snapshot_chunks WHERE expires_at <= ?`,
	), millis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired chunks: %w", err)
	}
	return res.RowsAffected()
}
