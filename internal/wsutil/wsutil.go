// Package wsutil wraps a gorilla WebSocket for the connection loops:
// serialized writes (the transport allows one concurrent writer),
// close-once semantics with a reason frame, and a short id for log
// correlation.
package wsutil

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is a write-serialized WebSocket connection.
type Conn struct {
	// ID is a short random id identifying the connection in logs.
	ID string

	c *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Wrap adopts an upgraded or dialed socket.
func Wrap(c *websocket.Conn) *Conn {
	return &Conn{ID: uuid.NewString()[:8], c: c}
}

// ReadMessage reads the next frame. Single-reader: only the connection
// loop may call it.
func (w *Conn) ReadMessage() (int, []byte, error) {
	return w.c.ReadMessage()
}

// WriteMessage writes one frame, serialized against concurrent writers.
func (w *Conn) WriteMessage(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.WriteMessage(messageType, data)
}

// Close sends a close frame with the given code and reason, then tears
// the socket down. Secondary errors are suppressed; repeat closes are
// no-ops.
func (w *Conn) Close(code int, reason string) {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.WriteMessage(websocket.CloseMessage, msg)
	_ = w.c.Close()
}
