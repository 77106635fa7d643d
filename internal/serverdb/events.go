package serverdb

import (
	"fmt"
	"time"
)

// RequestEvent is one audited sync request.
type RequestEvent struct {
	RequestID   string
	PartitionID string
	ActorID     string
	ClientID    string
	Kind        string // "push", "pull", "chunk", "ws"
	Status      int
	Duration    time.Duration
}

// InsertRequestEvent records a request audit row. Callers treat failures
// as log-only.
func (db *ConsoleDB) InsertRequestEvent(ev RequestEvent) error {
	_, err := db.conn.Exec(db.d.Rebind(
		`INSERT INTO sync_request_events
			(request_id, partition_id, actor_id, client_id, kind, status, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	), ev.RequestID, ev.PartitionID, ev.ActorID, ev.ClientID, ev.Kind,
		ev.Status, ev.Duration.Milliseconds(), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert request event: %w", err)
	}
	return nil
}

// OperationEvent is one audited applied operation.
type OperationEvent struct {
	PartitionID string
	CommitSeq   int64
	Table       string
	RowID       string
	Op          string
	ActorID     string
}

// InsertOperationEvents records audit rows for an applied commit's
// operations.
func (db *ConsoleDB) InsertOperationEvents(events []OperationEvent) error {
	now := time.Now().UTC().UnixMilli()
	for _, ev := range events {
		_, err := db.conn.Exec(db.d.Rebind(
			`INSERT INTO sync_operation_events
				(partition_id, commit_seq, tbl, row_id, op, actor_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		), ev.PartitionID, ev.CommitSeq, ev.Table, ev.RowID, ev.Op, ev.ActorID, now)
		if err != nil {
			return fmt.Errorf("insert operation event: %w", err)
		}
	}
	return nil
}

// maxCachedPayload bounds how much of a request body the payload cache
// keeps per request.
const maxCachedPayload = 256 << 10

// CacheRequestPayload stores a bounded copy of a request body for
// debugging, addressed by request id.
func (db *ConsoleDB) CacheRequestPayload(requestID string, body []byte) error {
	if len(body) > maxCachedPayload {
		body = body[:maxCachedPayload]
	}
	_, err := db.conn.Exec(db.d.Rebind(
		`INSERT INTO sync_request_payloads (request_id, body, byte_length, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (request_id) DO NOTHING`,
	), requestID, body, len(body), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache request payload: %w", err)
	}
	return nil
}

// PruneEvents removes audit rows and cached payloads older than the
// retention cutoffs.
func (db *ConsoleDB) PruneEvents(requestRetention, payloadRetention time.Duration) (int64, error) {
	now := time.Now().UTC()
	var total int64

	res, err := db.conn.Exec(db.d.Rebind(
		`DELETE FROM sync_request_events WHERE created_at < ?`,
	), now.Add(-requestRetention).UnixMilli())
	if err != nil {
		return total, fmt.Errorf("prune request events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = db.conn.Exec(db.d.Rebind(
		`DELETE FROM sync_operation_events WHERE created_at < ?`,
	), now.Add(-requestRetention).UnixMilli())
	if err != nil {
		return total, fmt.Errorf("prune operation events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = db.conn.Exec(db.d.Rebind(
		`DELETE FROM sync_request_payloads WHERE created_at < ?`,
	), now.Add(-payloadRetention).UnixMilli())
	if err != nil {
		return total, fmt.Errorf("prune request payloads: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
