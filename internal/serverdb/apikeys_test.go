package serverdb

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syncular/syncd/internal/syncdb"
)

func setupConsole(t *testing.T) *ConsoleDB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	db, err := Open(conn, syncdb.SQLite{})
	if err != nil {
		t.Fatalf("open console: %v", err)
	}
	return db
}

func TestAPIKey_GenerateAndVerify(t *testing.T) {
	db := setupConsole(t)

	plaintext, ak, err := db.GenerateAPIKey("u1", "p1", "laptop", "sync", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, "sk_sync_") {
		t.Fatalf("plaintext prefix = %q", plaintext)
	}
	if ak.ActorID != "u1" || ak.PartitionID != "p1" {
		t.Fatalf("key record = %+v", ak)
	}

	got, err := db.VerifyAPIKey(plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got == nil || got.ID != ak.ID {
		t.Fatalf("verify = %+v, want key %s", got, ak.ID)
	}
	if got.LastUsedAt == nil {
		t.Fatalf("last_used_at not recorded on verify")
	}

	if got, _ := db.VerifyAPIKey("sk_sync_wrong"); got != nil {
		t.Fatalf("wrong key verified: %+v", got)
	}
}

func TestAPIKey_RequiresActor(t *testing.T) {
	db := setupConsole(t)
	if _, _, err := db.GenerateAPIKey("", "p1", "", "", nil); err == nil {
		t.Fatalf("empty actor accepted")
	}
}

func TestAPIKey_Expiry(t *testing.T) {
	db := setupConsole(t)

	past := time.Now().Add(-time.Hour)
	plaintext, _, err := db.GenerateAPIKey("u1", "p1", "", "sync", &past)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	got, err := db.VerifyAPIKey(plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != nil {
		t.Fatalf("expired key verified: %+v", got)
	}
}

func TestAPIKey_Revoke(t *testing.T) {
	db := setupConsole(t)

	plaintext, ak, _ := db.GenerateAPIKey("u1", "p1", "", "sync", nil)

	if err := db.RevokeAPIKey(ak.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got, _ := db.VerifyAPIKey(plaintext); got != nil {
		t.Fatalf("revoked key verified: %+v", got)
	}
	if err := db.RevokeAPIKey(ak.ID); err == nil {
		t.Fatalf("double revoke succeeded")
	}

	// The row survives for audit and lists as revoked.
	keys, err := db.ListAPIKeys("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Fatalf("listed keys = %+v", keys)
	}
}
