package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the subset of a WebSocket connection the reliability layer
// uses. Implementations need not be safe for concurrent writers; callers
// serialize writes.
type WebSocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WebSocketDialer abstracts WebSocket dialing for testing
type WebSocketDialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (WebSocketConn, *http.Response, error)
}

// DefaultWebSocketDialer dials with gorilla/websocket
type DefaultWebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// DialContext connects to url. The handshake is bounded by ctx and HandshakeTimeout.
func (d *DefaultWebSocketDialer) DialContext(ctx context.Context, url string, header http.Header) (WebSocketConn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		// Include the HTTP response details in the error for better debugging
		if resp != nil && resp.Body != nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if readErr == nil && len(body) > 0 {
				return nil, resp, fmt.Errorf("%w: %s %s", err, resp.Status, strings.TrimSpace(string(body)))
			}
			return nil, resp, fmt.Errorf("%w: %s", err, resp.Status)
		}
		return nil, resp, err
	}
	return &GorillaWebSocketConn{Conn: conn}, resp, nil
}

// GorillaWebSocketConn adapts *websocket.Conn to WebSocketConn
type GorillaWebSocketConn struct {
	*websocket.Conn
}

func (c *GorillaWebSocketConn) ReadMessage() (messageType int, p []byte, err error) {
	return c.Conn.ReadMessage()
}

func (c *GorillaWebSocketConn) WriteMessage(messageType int, data []byte) error {
	return c.Conn.WriteMessage(messageType, data)
}

func (c *GorillaWebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// Close sends a best-effort close frame before closing the socket.
// WriteControl may run concurrently with other writers.
func (c *GorillaWebSocketConn) Close() error {
	_ = c.Conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.Conn.Close()
}
