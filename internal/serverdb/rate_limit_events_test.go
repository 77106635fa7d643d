package serverdb

import (
	"testing"
	"time"
)

func TestRateLimitEvents_InsertAndList(t *testing.T) {
	db := setupConsole(t)

	if err := db.InsertRateLimitEvent("p1", "u1", "10.0.0.1", "push"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Anonymous caller: actor stored as NULL.
	if err := db.InsertRateLimitEvent("p1", "", "10.0.0.2", "pull"); err != nil {
		t.Fatalf("insert anon: %v", err)
	}
	if err := db.InsertRateLimitEvent("p2", "u2", "10.0.0.3", "other"); err != nil {
		t.Fatalf("insert other partition: %v", err)
	}

	events, err := db.ListRateLimitEvents("p1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("p1 events = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].EndpointClass != "pull" || events[0].ActorID != "" {
		t.Fatalf("newest event = %+v", events[0])
	}
	if events[1].ActorID != "u1" || events[1].IP != "10.0.0.1" {
		t.Fatalf("oldest event = %+v", events[1])
	}
}

func TestRateLimitEvents_Cleanup(t *testing.T) {
	db := setupConsole(t)

	db.InsertRateLimitEvent("p1", "u1", "10.0.0.1", "push")

	n, err := db.CleanupRateLimitEvents(time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("cleanup fresh = %d, %v; want 0, nil", n, err)
	}
	n, err = db.CleanupRateLimitEvents(-time.Second)
	if err != nil || n != 1 {
		t.Fatalf("cleanup all = %d, %v; want 1, nil", n, err)
	}
}
