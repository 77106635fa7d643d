package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// closeInternalError is sent when a connection fails mid-delivery.
const closeInternalError = 1011

type registration struct {
	clientID  string
	scopeKeys map[string]bool
}

// Hub is the process-wide fan-out registry. All index mutation happens
// under one mutex; sends to individual connections run outside it.
type Hub struct {
	mu       sync.Mutex
	byScope  map[string]map[Conn]bool
	byClient map[string]map[Conn]bool
	regs     map[Conn]*registration

	heartbeatEvery time.Duration
	heartbeatStop  chan struct{}
}

// NewHub creates a hub with the given heartbeat interval (default 30s
// when zero).
func NewHub(heartbeatEvery time.Duration) *Hub {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	return &Hub{
		byScope:        make(map[string]map[Conn]bool),
		byClient:       make(map[string]map[Conn]bool),
		regs:           make(map[Conn]*registration),
		heartbeatEvery: heartbeatEvery,
	}
}

// Register adds a connection under its client id and scope keys. The
// heartbeat timer starts with the first registration.
func (h *Hub) Register(conn Conn, clientID string, scopeKeys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg := &registration{clientID: clientID, scopeKeys: make(map[string]bool, len(scopeKeys))}
	h.regs[conn] = reg

	if clientID != "" {
		set := h.byClient[clientID]
		if set == nil {
			set = make(map[Conn]bool)
			h.byClient[clientID] = set
		}
		set[conn] = true
	}
	for _, key := range scopeKeys {
		reg.scopeKeys[key] = true
		set := h.byScope[key]
		if set == nil {
			set = make(map[Conn]bool)
			h.byScope[key] = set
		}
		set[conn] = true
	}

	if h.heartbeatStop == nil {
		h.heartbeatStop = make(chan struct{})
		go h.heartbeatLoop(h.heartbeatStop)
	}
}

// Unregister removes a connection from both indexes. The heartbeat timer
// stops when no connections remain.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	h.removeLocked(conn)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(conn Conn) {
	reg, ok := h.regs[conn]
	if !ok {
		return
	}
	delete(h.regs, conn)

	if reg.clientID != "" {
		if set := h.byClient[reg.clientID]; set != nil {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.byClient, reg.clientID)
			}
		}
	}
	for key := range reg.scopeKeys {
		if set := h.byScope[key]; set != nil {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.byScope, key)
			}
		}
	}

	if len(h.regs) == 0 && h.heartbeatStop != nil {
		close(h.heartbeatStop)
		h.heartbeatStop = nil
	}
}

// UpdateClientScopeKeys rebinds every live connection of a client to a new
// scope-key set, typically after a pull recomputed effective scopes.
func (h *Hub) UpdateClientScopeKeys(clientID string, scopeKeys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.byClient[clientID] {
		reg := h.regs[conn]
		if reg == nil {
			continue
		}
		for key := range reg.scopeKeys {
			if set := h.byScope[key]; set != nil {
				delete(set, conn)
				if len(set) == 0 {
					delete(h.byScope, key)
				}
			}
		}
		reg.scopeKeys = make(map[string]bool, len(scopeKeys))
		for _, key := range scopeKeys {
			reg.scopeKeys[key] = true
			set := h.byScope[key]
			if set == nil {
				set = make(map[Conn]bool)
				h.byScope[key] = set
			}
			set[conn] = true
		}
	}
}

// NotifyScopeKeys sends one sync event to every connection registered
// under any of the scope keys, excluding the origin clients. Targets are
// collected under the lock; delivery happens outside it.
func (h *Hub) NotifyScopeKeys(scopeKeys []string, cursor int64, excludeClientIDs []string) {
	excluded := make(map[string]bool, len(excludeClientIDs))
	for _, id := range excludeClientIDs {
		excluded[id] = true
	}

	h.mu.Lock()
	targets := make(map[Conn]bool)
	for _, key := range scopeKeys {
		for conn := range h.byScope[key] {
			if reg := h.regs[conn]; reg != nil && excluded[reg.clientID] {
				continue
			}
			targets[conn] = true
		}
	}
	h.mu.Unlock()

	now := time.Now()
	for conn := range targets {
		if err := conn.SendSync(cursor, now); err != nil {
			h.dropFailed(conn, err)
		}
	}
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regs)
}

// dropFailed closes and unregisters a connection whose send failed.
func (h *Hub) dropFailed(conn Conn, err error) {
	slog.Warn("realtime send failed, dropping connection", "err", err)
	conn.Close(closeInternalError, "send failed")
	h.Unregister(conn)
}

// heartbeatLoop pings every open connection each interval and sweeps
// closed ones. It exits when the hub empties.
func (h *Hub) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			conns := make([]Conn, 0, len(h.regs))
			for conn := range h.regs {
				conns = append(conns, conn)
			}
			h.mu.Unlock()

			now := time.Now()
			for _, conn := range conns {
				if !conn.IsOpen() {
					h.Unregister(conn)
					continue
				}
				if err := conn.SendHeartbeat(now); err != nil {
					h.dropFailed(conn, err)
				}
			}
		}
	}
}
