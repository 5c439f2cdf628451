package link

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/basket/orbital/internal/shared"
)

// defaultReadLimit leaves room for large intervention diffs; the library
// default of 32KiB is too small for a full-file rewrite.
const defaultReadLimit = 4 << 20

// WebSocketTransport dials the daemon over WebSocket text frames.
type WebSocketTransport struct {
	// HTTPHeader is sent with the upgrade request.
	HTTPHeader http.Header
	// ReadLimit caps a single inbound frame. Zero means 4MiB.
	ReadLimit int64
}

// Dial opens the connection. A session id on ctx is sent as SessionHeader.
func (t *WebSocketTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	header := t.HTTPHeader.Clone()
	if id := shared.SessionID(ctx); id != "" {
		if header == nil {
			header = http.Header{}
		}
		header.Set(shared.SessionHeader, id)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	err := c.conn.Write(ctx, websocket.MessageText, frame)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return c.closeErr
}
