package api

import (
	"net/http"
	"strconv"
)

// handleChunkFetch streams a snapshot chunk body. The body is served
// exactly as stored (post-compression); the sha256 from the pull response
// matches these bytes.
func (s *Server) handleChunkFetch(w http.ResponseWriter, r *http.Request) {
	chunkID := r.PathValue("chunkID")
	if chunkID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "missing chunk id")
		return
	}

	chunk, err := s.store.GetChunk(r.Context(), chunkID)
	if err != nil {
		logFor(r.Context()).Error("get chunk", "chunk", chunkID, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read chunk")
		return
	}
	if chunk == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "chunk not found or expired")
		return
	}

	// Chunks are partition-scoped; a key for partition A must not read
	// partition B's pages.
	auth := authFromContext(r.Context())
	if chunk.PartitionID != auth.PartitionID {
		writeError(w, r, http.StatusForbidden, "forbidden", "chunk belongs to another partition")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(chunk.ByteLength, 10))
	w.Header().Set("X-Chunk-Sha256", chunk.SHA256)
	w.Header().Set("X-Chunk-Encoding", chunk.Encoding)
	w.Header().Set("X-Chunk-Compression", chunk.Compression)
	w.WriteHeader(http.StatusOK)
	w.Write(chunk.Body)
}
