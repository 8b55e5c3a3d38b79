package coordination

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/huykn/livesite/types"
)

// defaultReadLimit bounds a single channel frame. Lock tables can be
// larger than the library's 32KiB default.
const defaultReadLimit = 1 << 20

// WebSocketTransport speaks JSON messages over a websocket.
type WebSocketTransport struct {
	URL       string
	Header    http.Header
	ReadLimit int64

	// HTTPClient is used for the handshake when set.
	HTTPClient *http.Client
}

// NewWebSocketTransport creates a transport for url.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, Header: http.Header{}}
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: t.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (types.Message, error) {
	var msg types.Message
	err := wsjson.Read(ctx, c.ws, &msg)
	return msg, err
}

func (c *wsConn) Write(ctx context.Context, msg types.Message) error {
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
