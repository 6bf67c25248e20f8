package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the framed transport a session runs over. Implementations must
// support one concurrent reader and one concurrent writer.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla WebSocket connection to the Conn contract.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(512 * 1024)
	return &wsConn{conn: c}
}

func (w *wsConn) ReadFrame() (*Frame, error) {
	_, raw, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		// Undecodable bytes become a sentinel frame; the session layer
		// answers with MALFORMED_FRAME instead of dying on transport.
		return &Frame{Op: Op("")}, nil
	}
	return &f, nil
}

func (w *wsConn) WriteFrame(f *Frame) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
