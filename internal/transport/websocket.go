package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseWait = 1 * time.Second

type wsConn struct {
	conn       *websocket.Conn
	opts       Options
	remoteAddr string

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket. Each WebSocket message is
// one payload; payloads are written as text messages.
func NewWebSocketConn(conn *websocket.Conn, remoteAddr string, opts Options) Conn {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxPayloadBytes))
	if remoteAddr == "" && conn.RemoteAddr() != nil {
		remoteAddr = conn.RemoteAddr().String()
	}
	return &wsConn{conn: conn, opts: opts, remoteAddr: remoteAddr}
}

func (c *wsConn) ReadPayload() ([]byte, error) {
	for {
		typ, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *wsConn) WritePayload(payload []byte) error {
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// Best effort; WriteControl is safe to call concurrently with WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}

// WebSocketListener is an http.Handler that upgrades requests and hands the
// resulting connections to Accept.
type WebSocketListener struct {
	opts     Options
	addr     string
	upgrader websocket.Upgrader

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketListener returns a listener reporting addr from Addr.
// checkOrigin may be nil to accept any origin; origin policy is normally
// enforced by HTTP middleware before the upgrade.
func NewWebSocketListener(addr string, opts Options, checkOrigin func(*http.Request) bool) *WebSocketListener {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketListener{
		opts: opts,
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}
	conn := NewWebSocketConn(ws, r.RemoteAddr, l.opts)

	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *WebSocketListener) Addr() string {
	return l.addr
}

// DialWebSocket connects to a WebSocket session endpoint.
func DialWebSocket(ctx context.Context, url string, opts Options) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, "", opts), nil
}

// IsNormalClose reports whether err is an orderly WebSocket close by the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, ErrListenerClosed)
}
