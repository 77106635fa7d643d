package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/syncular/syncd/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by corsMiddleware configuration;
	// the upgrade itself accepts any origin the middleware let through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades GET /v1/sync/ws and registers the connection
// for fan-out. The connection starts with no scope keys; the client's
// first pull binds them.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "clientId query parameter is required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logFor(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := realtime.NewWSConn(ws)
	s.hub.Register(conn, clientID, nil)
	logFor(r.Context()).Info("websocket connected", "client", clientID, "conn", conn.ID())

	// Reader loop: the server never expects client frames, but reading
	// drains control messages and detects close.
	go func() {
		defer func() {
			s.hub.Unregister(conn)
			conn.Close(websocket.CloseNormalClosure, "")
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
