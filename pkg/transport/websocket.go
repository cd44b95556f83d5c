package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

type wsConn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

// DialWebSocket opens a WebSocket connection to an endpoint. Used as a
// fallback when raw TCP is blocked by middleboxes.
func DialWebSocket(ctx context.Context, ep Endpoint) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, ep.URL(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketConn(conn), nil
}

// NewWebSocketConn wraps an upgraded WebSocket connection (hub side)
func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

// Upgrader upgrades hub-side HTTP requests to XTMP-over-WebSocket
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (c *wsConn) Send(e *protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, e.Encode())
}

func (c *wsConn) Recv() (*protocol.Envelope, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Mode() Mode {
	return ModeWebSocket
}
