package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

// Chunk encodings and compressions.
const (
	EncodingJSON    = "json"
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// ChunkRef identifies a produced chunk. SHA256 and ByteLength describe the
// stored body bytes, which is exactly what the chunk endpoint streams.
type ChunkRef struct {
	ChunkID    string
	ByteLength int64
	SHA256     string
}

// Chunker builds content-addressed snapshot chunks. Identical inputs
// produce identical ids, so concurrent producers for the same page key
// write the same bytes and the insert-or-ignore persistence is safe.
type Chunker struct {
	store       *syncdb.Store
	ttl         time.Duration
	compression string
}

// NewChunker builds a chunker. compression is "gzip" or "none".
func NewChunker(store *syncdb.Store, ttl time.Duration, compression string) *Chunker {
	if compression != CompressionGzip {
		compression = CompressionNone
	}
	return &Chunker{store: store, ttl: ttl, compression: compression}
}

// EncodePage returns the canonical encoding of a row batch: a compact JSON
// array of the rows in order.
func EncodePage(rows []json.RawMessage) ([]byte, error) {
	if len(rows) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(rows)
}

// ProduceChunk encodes, optionally compresses, and persists one snapshot
// page, returning its content address. The chunk id hashes the page key
// together with the body digest, so equal pages deduplicate across
// clients bootstrapping the same partition and scope.
func (c *Chunker) ProduceChunk(ctx context.Context, partition, scopeKey, scope string, asOfCommitSeq int64, rowCursor string, rowLimit int, rows []json.RawMessage) (ChunkRef, error) {
	encoded, err := EncodePage(rows)
	if err != nil {
		return ChunkRef{}, fmt.Errorf("encode chunk page: %w", err)
	}

	body := encoded
	if c.compression == CompressionGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(encoded); err != nil {
			return ChunkRef{}, fmt.Errorf("compress chunk: %w", err)
		}
		if err := zw.Close(); err != nil {
			return ChunkRef{}, fmt.Errorf("compress chunk: %w", err)
		}
		body = buf.Bytes()
	}

	bodyHash := sha256.Sum256(body)
	bodySHA := hex.EncodeToString(bodyHash[:])
	chunkID := chunkID(partition, scopeKey, scope, asOfCommitSeq, rowCursor, rowLimit, EncodingJSON, c.compression, bodySHA)

	now := time.Now()
	row := syncdb.ChunkRow{
		ChunkID:       chunkID,
		PartitionID:   partition,
		ScopeKey:      scopeKey,
		Scope:         scope,
		AsOfCommitSeq: asOfCommitSeq,
		RowCursor:     rowCursor,
		RowLimit:      rowLimit,
		Encoding:      EncodingJSON,
		Compression:   c.compression,
		SHA256:        bodySHA,
		ByteLength:    int64(len(body)),
		Body:          body,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ttl),
	}
	if err := c.store.InsertChunk(ctx, row); err != nil {
		return ChunkRef{}, err
	}

	return ChunkRef{ChunkID: chunkID, ByteLength: int64(len(body)), SHA256: bodySHA}, nil
}

// chunkID derives the content address from the page key and body digest.
func chunkID(partition, scopeKey, scope string, asOf int64, rowCursor string, rowLimit int, encoding, compression, bodySHA string) string {
	h := sha256.New()
	for _, part := range []string{
		partition, scopeKey, scope,
		strconv.FormatInt(asOf, 10), rowCursor, strconv.Itoa(rowLimit),
		encoding, compression, bodySHA,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
