package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds a single frame write so one stalled client cannot
// wedge delivery.
const wsWriteTimeout = 10 * time.Second

// WSConn adapts a gorilla websocket connection to the Conn contract.
// Gorilla permits one concurrent writer; the mutex serializes sync,
// heartbeat, and error frames.
type WSConn struct {
	id     string
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.NewString(), ws: ws}
}

// ID is the connection's unique identifier, used for logging.
func (c *WSConn) ID() string { return c.id }

func (c *WSConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *WSConn) SendSync(cursor int64, at time.Time) error {
	return c.send(Message{Event: EventSync, Data: SyncData{Cursor: cursor, Timestamp: at.UnixMilli()}})
}

func (c *WSConn) SendHeartbeat(at time.Time) error {
	return c.send(Message{Event: EventHeartbeat, Data: HeartbeatData{Timestamp: at.UnixMilli()}})
}

func (c *WSConn) SendError(msg string) error {
	return c.send(Message{Event: EventError, Data: ErrorData{Message: msg}})
}

func (c *WSConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(wsWriteTimeout)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.ws.Close()
}

func (c *WSConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
