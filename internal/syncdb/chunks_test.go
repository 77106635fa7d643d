package syncdb

import (
	"context"
	"testing"
	"time"
)

func testChunk(id string, expiresAt time.Time) ChunkRow {
	return ChunkRow{
		ChunkID:       id,
		PartitionID:   "p1",
		ScopeKey:      "user_id=u1",
		Scope:         `{"user_id":"u1"}`,
		AsOfCommitSeq: 7,
		RowCursor:     "",
		RowLimit:      500,
		Encoding:      "json",
		Compression:   "none",
		SHA256:        "abc123",
		ByteLength:    2,
		Body:          []byte("[]"),
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
}

func TestChunk_InsertAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.InsertChunk(ctx, testChunk("ch1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetChunk(ctx, "ch1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AsOfCommitSeq != 7 || string(got.Body) != "[]" {
		t.Fatalf("chunk = %+v", got)
	}
}

func TestChunk_ConcurrentProducersAreIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	c := testChunk("ch1", time.Now().Add(time.Hour))
	if err := s.InsertChunk(ctx, c); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// Same content address again: the insert ignores the conflict.
	if err := s.InsertChunk(ctx, c); err != nil {
		t.Fatalf("second insert: %v", err)
	}
}

func TestChunk_ExpiredIsInvisibleAndDeletable(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.InsertChunk(ctx, testChunk("old", time.Now().Add(-time.Minute)))
	s.InsertChunk(ctx, testChunk("new", time.Now().Add(time.Hour)))

	if got, err := s.GetChunk(ctx, "old"); err != nil || got != nil {
		t.Fatalf("expired get = %+v, %v; want nil, nil", got, err)
	}

	n, err := s.DeleteExpiredChunks(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("delete expired = %d, %v; want 1, nil", n, err)
	}
	if got, _ := s.GetChunk(ctx, "new"); got == nil {
		t.Fatalf("live chunk deleted")
	}
}
