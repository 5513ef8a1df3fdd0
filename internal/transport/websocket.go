package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 16 << 20

// WebSocketDialer dials binary websocket connections.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)
	return NewWebSocketConn(ws), nil
}

// WebSocketConn adapts a websocket connection to Conn. Text messages are
// skipped.
type WebSocketConn struct {
	ws *websocket.Conn
}

func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (c *WebSocketConn) Write(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *WebSocketConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
