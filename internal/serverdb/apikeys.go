package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	apiKeyPrefix = "sk_sync_"
	keyLength    = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIKey represents a stored API key (without the plaintext secret).
type APIKey struct {
	ID          string
	ActorID     string
	PartitionID string
	KeyPrefix   string
	Name        string
	Scopes      string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// GenerateAPIKey creates a new API key bound to an actor and partition.
// Returns the plaintext key (shown once) and the stored record.
func (db *ConsoleDB) GenerateAPIKey(actorID, partitionID, name, scopes string, expiresAt *time.Time) (string, *APIKey, error) {
	if actorID == "" {
		return "", nil, fmt.Errorf("actor id is required")
	}
	if partitionID == "" {
		partitionID = "default"
	}
	if scopes == "" {
		scopes = "sync"
	}

	id, err := generateID("ak_")
	if err != nil {
		return "", nil, fmt.Errorf("generate api key id: %w", err)
	}

	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := apiKeyPrefix + string(secret)
	prefix := string(secret[:8])

	hash := sha256.Sum256([]byte(plaintext))
	keyHash := hex.EncodeToString(hash[:])

	now := time.Now().UTC()
	var expiresMs *int64
	if expiresAt != nil {
		ms := expiresAt.UnixMilli()
		expiresMs = &ms
	}
	_, err = db.conn.Exec(db.d.Rebind(
		`INSERT INTO sync_api_keys
			(id, actor_id, partition_id, key_hash, key_prefix, name, scopes, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), id, actorID, partitionID, keyHash, prefix, name, scopes, expiresMs, now.UnixMilli())
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}

	ak := &APIKey{
		ID:          id,
		ActorID:     actorID,
		PartitionID: partitionID,
		KeyPrefix:   prefix,
		Name:        name,
		Scopes:      scopes,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	return plaintext, ak, nil
}

// VerifyAPIKey checks a plaintext key against stored hashes. Returns nil
// (without error) for unknown, revoked, or expired keys.
func (db *ConsoleDB) VerifyAPIKey(plaintextKey string) (*APIKey, error) {
	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	ak, err := db.scanKey(db.conn.QueryRow(db.d.Rebind(
		`SELECT id, actor_id, partition_id, key_prefix, name, scopes,
			expires_at, last_used_at, revoked_at, created_at
		 FROM sync_api_keys WHERE key_hash = ?`,
	), keyHash))
	if err != nil {
		return nil, err
	}
	if ak == nil {
		slog.Debug("api key not found", "key_hash_prefix", keyHash[:8])
		return nil, nil
	}

	now := time.Now().UTC()
	if ak.RevokedAt != nil {
		slog.Debug("api key revoked", "key_id", ak.ID)
		return nil, nil
	}
	if ak.ExpiresAt != nil && ak.ExpiresAt.Before(now) {
		slog.Debug("api key expired", "key_id", ak.ID, "expires_at", ak.ExpiresAt)
		return nil, nil
	}

	if _, err := db.conn.Exec(db.d.Rebind(
		`UPDATE sync_api_keys SET last_used_at = ? WHERE id = ?`,
	), now.UnixMilli(), ak.ID); err != nil {
		slog.Warn("update last_used_at", "key_id", ak.ID, "err", err)
	}
	ak.LastUsedAt = &now

	return ak, nil
}

// RevokeAPIKey marks a key revoked. Revoked keys fail verification but
// remain for audit.
func (db *ConsoleDB) RevokeAPIKey(keyID string) error {
	res, err := db.conn.Exec(db.d.Rebind(
		`UPDATE sync_api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
	), time.Now().UTC().UnixMilli(), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("api key not found or already revoked")
	}
	return nil
}

// ListAPIKeys returns all keys for an actor (without secrets).
func (db *ConsoleDB) ListAPIKeys(actorID string) ([]*APIKey, error) {
	rows, err := db.conn.Query(db.d.Rebind(
		`SELECT id, actor_id, partition_id, key_prefix, name, scopes,
			expires_at, last_used_at, revoked_at, created_at
		 FROM sync_api_keys WHERE actor_id = ? ORDER BY created_at`,
	), actorID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		ak, err := db.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *ConsoleDB) scanKey(r rowScanner) (*APIKey, error) {
	ak := &APIKey{}
	var expiresMs, lastUsedMs, revokedMs sql.NullInt64
	var createdMs int64
	err := r.Scan(&ak.ID, &ak.ActorID, &ak.PartitionID, &ak.KeyPrefix, &ak.Name,
		&ak.Scopes, &expiresMs, &lastUsedMs, &revokedMs, &createdMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	ak.CreatedAt = time.UnixMilli(createdMs).UTC()
	if expiresMs.Valid {
		t := time.UnixMilli(expiresMs.Int64).UTC()
		ak.ExpiresAt = &t
	}
	if lastUsedMs.Valid {
		t := time.UnixMilli(lastUsedMs.Int64).UTC()
		ak.LastUsedAt = &t
	}
	if revokedMs.Valid {
		t := time.UnixMilli(revokedMs.Int64).UTC()
		ak.RevokedAt = &t
	}
	return ak, nil
}
