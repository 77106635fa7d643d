package api

import (
	"net/http"
	"time"
)

// ClientCursorView is the admin listing shape for a client cursor row.
type ClientCursorView struct {
	ClientID        string `json:"client_id"`
	ActorID         string `json:"actor_id"`
	Cursor          int64  `json:"cursor"`
	EffectiveScopes any    `json:"effective_scopes,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// handleListClients lists the partition's client cursors for fleet
// observability.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	cursors, err := s.store.ListClientCursors(r.Context(), auth.PartitionID)
	if err != nil {
		logFor(r.Context()).Error("list client cursors", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	out := make([]ClientCursorView, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, ClientCursorView{
			ClientID:        c.ClientID,
			ActorID:         c.ActorID,
			Cursor:          c.Cursor,
			EffectiveScopes: string(c.EffectiveScopes),
			UpdatedAt:       c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

// handleEvictClient removes a client's cursor row, forcing a re-bootstrap
// on its next pull.
func (s *Server) handleEvictClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "missing client id")
		return
	}

	auth := authFromContext(r.Context())
	removed, err := s.store.DeleteClientCursor(r.Context(), auth.PartitionID, clientID)
	if err != nil {
		logFor(r.Context()).Error("evict client", "client", clientID, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "database error")
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "not_found", "client cursor not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted", "client_id": clientID})
}
