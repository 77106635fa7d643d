package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/syncular/syncd/internal/serverdb"
	syncpkg "github.com/syncular/syncd/internal/sync"
)

// SyncRequest is the JSON body for POST /v1/sync: a push, a pull, or both.
type SyncRequest struct {
	ClientID string               `json:"clientId"`
	Push     *syncpkg.PushRequest `json:"push,omitempty"`
	Pull     *syncpkg.PullRequest `json:"pull,omitempty"`
}

// SyncResponse is the JSON response for POST /v1/sync. Logical rejections
// ride inside the push/pull bodies with HTTP 200.
type SyncResponse struct {
	OK   bool                  `json:"ok"`
	Push *syncpkg.PushResponse `json:"push,omitempty"`
	Pull *syncpkg.PullResponse `json:"pull,omitempty"`
}

// handleSync handles POST /v1/sync: push first (so a combined request
// observes its own commit on pull) with realtime fan-out right after an
// applied push, then pull.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	auth := authFromContext(r.Context())

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.ClientID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}
	if req.Push == nil && req.Pull == nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "request must contain push or pull")
		return
	}

	resp := SyncResponse{OK: true}
	kind := "pull"

	if req.Push != nil {
		kind = "push"
		outcome, err := s.engine.PushCommit(r.Context(), *auth, req.ClientID, *req.Push)
		if err != nil {
			logFor(r.Context()).Error("push commit", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "push failed")
			return
		}
		resp.Push = &outcome.Response
		s.metrics.RecordPush(outcome.Response.Status)

		if outcome.Response.Status == syncpkg.PushApplied {
			s.notifyAndAudit(r, *auth, req.ClientID, outcome)
		}
	}

	if req.Pull != nil {
		s.metrics.RecordPullRequest()
		outcome, err := s.engine.Pull(r.Context(), *auth, req.ClientID, *req.Pull)
		if err != nil {
			logFor(r.Context()).Error("pull", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "pull failed")
			return
		}
		resp.Pull = &outcome.Response
		s.metrics.RecordSnapshotPages(countSnapshotPages(outcome.Response))

		// Keep the client's live connection registered under its freshly
		// computed scope keys.
		if s.hub != nil {
			s.hub.UpdateClientScopeKeys(req.ClientID, s.scopeKeysFor(outcome.EffectiveScopes))
		}
	}

	s.auditRequest(r, auth, req.ClientID, kind, http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// notifyAndAudit wakes subscribed connections and records audit rows after
// a successful commit. Both are best-effort.
func (s *Server) notifyAndAudit(r *http.Request, auth syncpkg.Auth, clientID string, outcome syncpkg.PushOutcome) {
	if s.hub != nil && len(outcome.ScopeKeys) > 0 {
		s.hub.NotifyScopeKeys(outcome.ScopeKeys, outcome.Response.CommitSeq, []string{clientID})
		s.metrics.RecordFanoutNotify()
	}

	if s.console != nil {
		events := make([]serverdb.OperationEvent, 0, len(outcome.EmittedChanges))
		for _, ch := range outcome.EmittedChanges {
			events = append(events, serverdb.OperationEvent{
				PartitionID: auth.PartitionID,
				CommitSeq:   outcome.Response.CommitSeq,
				Table:       ch.Table,
				RowID:       ch.RowID,
				Op:          ch.Op,
				ActorID:     auth.ActorID,
			})
		}
		if err := s.console.InsertOperationEvents(events); err != nil {
			logFor(r.Context()).Warn("audit operation events", "err", err)
		}
	}
}

// auditRequest records the request event; failures are log-only.
func (s *Server) auditRequest(r *http.Request, auth *syncpkg.Auth, clientID, kind string, status int, dur time.Duration) {
	if s.console == nil {
		return
	}
	ev := serverdb.RequestEvent{
		RequestID: getRequestID(r.Context()),
		Kind:      kind,
		ClientID:  clientID,
		Status:    status,
		Duration:  dur,
	}
	if auth != nil {
		ev.PartitionID = auth.PartitionID
		ev.ActorID = auth.ActorID
	}
	if err := s.console.InsertRequestEvent(ev); err != nil {
		logFor(r.Context()).Warn("audit request event", "err", err)
	}
}

// scopeKeysFor expands every handler's patterns against the effective
// scopes a pull produced, yielding the scope keys a live connection
// should wake on.
func (s *Server) scopeKeysFor(effective map[string]syncpkg.ScopeMap) []string {
	seen := make(map[string]bool)
	var keys []string
	for table, scopes := range effective {
		h, ok := s.engine.Handlers().Get(table)
		if !ok {
			continue
		}
		for _, p := range h.ScopePatterns() {
			for _, key := range p.Expand(scopes) {
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}
		}
	}
	return keys
}

func countSnapshotPages(resp syncpkg.PullResponse) int64 {
	var n int64
	for _, sub := range resp.Subscriptions {
		n += int64(len(sub.Snapshots))
	}
	return n
}

// SyncStatusResponse is the JSON response for GET /v1/sync/status.
type SyncStatusResponse struct {
	CommitCount    int64  `json:"commit_count"`
	MaxCommitSeq   int64  `json:"max_commit_seq"`
	LastCommitTime string `json:"last_commit_time,omitempty"`
}

// handleSyncStatus reports the partition's log position.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	ctx := r.Context()

	var count int64
	err := s.store.DB().QueryRowContext(ctx, s.store.Dialect().Rebind(
		`SELECT COUNT(*) FROM sync_commits WHERE partition_id = ?`,
	), auth.PartitionID).Scan(&count)
	if err != nil {
		logFor(ctx).Error("query commit count", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	maxSeq, err := s.store.MaxCommitSeq(ctx, s.store.DB(), auth.PartitionID)
	if err != nil {
		logFor(ctx).Error("query max seq", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	resp := SyncStatusResponse{CommitCount: count, MaxCommitSeq: maxSeq}
	if maxSeq > 0 {
		commits, err := s.store.ReadCommits(ctx, s.store.DB(), auth.PartitionID, []int64{maxSeq})
		if err == nil && len(commits) == 1 {
			resp.LastCommitTime = commits[0].CreatedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
