package syncdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestClientCursor_UpsertAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.RecordClientCursor(ctx, "p1", "c1", "u1", 5, json.RawMessage(`{"tasks":{"user_id":"u1"}}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.GetClientCursor(ctx, "p1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Cursor != 5 || got.ActorID != "u1" {
		t.Fatalf("cursor = %+v, want cursor 5 actor u1", got)
	}

	// Upsert advances in place.
	if err := s.RecordClientCursor(ctx, "p1", "c1", "u1", 9, nil); err != nil {
		t.Fatalf("record again: %v", err)
	}
	got, err = s.GetClientCursor(ctx, "p1", "c1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if got.Cursor != 9 {
		t.Fatalf("cursor after upsert = %d, want 9", got.Cursor)
	}
	if string(got.EffectiveScopes) != "{}" {
		t.Fatalf("empty scopes stored as %q, want {}", got.EffectiveScopes)
	}
}

func TestClientCursor_GetMissing(t *testing.T) {
	s := setupStore(t)

	got, err := s.GetClientCursor(context.Background(), "p1", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestClientCursor_Delete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.RecordClientCursor(ctx, "p1", "c1", "u1", 1, nil)

	removed, err := s.DeleteClientCursor(ctx, "p1", "c1")
	if err != nil || !removed {
		t.Fatalf("delete = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.DeleteClientCursor(ctx, "p1", "c1")
	if err != nil || removed {
		t.Fatalf("second delete = %v, %v; want false, nil", removed, err)
	}
}

func TestClientCursor_ListIsPartitionScoped(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.RecordClientCursor(ctx, "p1", "c1", "u1", 1, nil)
	s.RecordClientCursor(ctx, "p1", "c2", "u2", 2, nil)
	s.RecordClientCursor(ctx, "p2", "c3", "u3", 3, nil)

	got, err := s.ListClientCursors(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("list p1 = %d rows, want 2", len(got))
	}
}

func TestClientCursor_PruneStale(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.RecordClientCursor(ctx, "p1", "c1", "u1", 1, nil)

	n, err := s.PruneStaleCursors(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("prune fresh = %d, %v; want 0, nil", n, err)
	}
	n, err = s.PruneStaleCursors(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune all = %d, %v; want 1, nil", n, err)
	}
}
