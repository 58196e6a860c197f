package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nfrund/chatsync/internal/domain"
)

// DefaultReadLimit caps a single inbound frame.
const DefaultReadLimit = 1 << 20

// Conn is a live, bidirectional event connection. Read blocks until the
// next envelope arrives; it must be called from a single goroutine.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens a Conn using token as the credential.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketDialer dials a JSON envelope socket over WebSocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial performs the handshake. A 401 or 403 from the server is reported as
// domain.ErrAuth so callers know not to retry.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, domain.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := wsjson.Read(ctx, c.conn, &env)
	return env, err
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	if IsNormalClosure(err) {
		return nil
	}
	return err
}

// IsNormalClosure reports whether err is a clean close initiated by either
// side.
func IsNormalClosure(err error) bool {
	if err == nil {
		return true
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return true
	}
	return errors.Is(err, context.Canceled)
}
