package common

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn makes a websocket.Conn look like a byte stream so that a session can run over it. Each Write is
// sent as one binary message. Reads consume messages back to back regardless of their boundaries.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex

	readM sync.Mutex
	// the message currently being read
	r io.Reader
}

var _ net.Conn = (*WebSocketConn)(nil)

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: conn}
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	} else {
		return len(data), nil
	}
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	ws.readM.Lock()
	defer ws.readM.Unlock()
	for {
		if ws.r == nil {
			var t int
			t, ws.r, err = ws.NextReader()
			if err != nil {
				ws.r = nil
				return 0, err
			}
			if t != websocket.BinaryMessage {
				ws.r = nil
				continue
			}
		}
		n, err = ws.r.Read(buf)
		if err == io.EOF {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	err = ws.SetWriteDeadline(t)
	if err != nil {
		return err
	}
	return nil
}
