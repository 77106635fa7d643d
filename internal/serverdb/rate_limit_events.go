package serverdb

import (
	"database/sql"
	"fmt"
	"time"
)

// RateLimitEvent represents a rate limit violation event.
type RateLimitEvent struct {
	ID            int64
	PartitionID   string
	ActorID       string // empty if the caller was unauthenticated (nullable in DB)
	IP            string
	EndpointClass string // push, pull, other
	CreatedAt     time.Time
}

// InsertRateLimitEvent records a rate limit violation. actorID may be
// empty for anonymous callers (stored as NULL).
func (db *ConsoleDB) InsertRateLimitEvent(partitionID, actorID, ip, endpointClass string) error {
	if partitionID == "" {
		partitionID = "default"
	}
	var actorParam any
	if actorID != "" {
		actorParam = actorID
	}
	_, err := db.conn.Exec(db.d.Rebind(
		`INSERT INTO sync_rate_limit_events
			(partition_id, actor_id, ip, endpoint_class, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
	), partitionID, actorParam, ip, endpointClass, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// ListRateLimitEvents returns the newest events for a partition, capped
// at limit.
func (db *ConsoleDB) ListRateLimitEvents(partitionID string, limit int) ([]RateLimitEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(db.d.Rebind(
		`SELECT id, partition_id, actor_id, ip, endpoint_class, created_at
		 FROM sync_rate_limit_events
		 WHERE partition_id = ? ORDER BY id DESC LIMIT ?`,
	), partitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close()

	var out []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var actor sql.NullString
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.PartitionID, &actor, &e.IP, &e.EndpointClass, &createdMs); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		if actor.Valid {
			e.ActorID = actor.String
		}
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ConsoleDB) CleanupRateLimitEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := db.conn.Exec(db.d.Rebind(
		`DELETE FROM sync_rate_limit_events WHERE created_at < ?`,
	), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
