package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"tether/messages"
	"tether/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errMockClosed = errors.New("use of closed connection")

// mockWebSocketConn implements protocol.WebSocketConn for testing
type mockWebSocketConn struct {
	mu            sync.Mutex
	writtenFrames [][]byte
	readCh        chan []byte
	closed        bool
	closeErr      error
	writeErr      error
	autoPong      bool
}

func newMockWebSocketConn() *mockWebSocketConn {
	return &mockWebSocketConn{
		readCh: make(chan []byte, 100),
	}
}

func (m *mockWebSocketConn) ReadMessage() (messageType int, p []byte, err error) {
	msg, ok := <-m.readCh
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (m *mockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenFrames = append(m.writtenFrames, data)

	if m.autoPong {
		var frame map[string]interface{}
		if json.Unmarshal(data, &frame) == nil && frame[messages.FieldType] == messages.TypePing {
			select {
			case m.readCh <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
	return nil
}

func (m *mockWebSocketConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (m *mockWebSocketConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.readCh)
	}
	return m.closeErr
}

// sendFrame queues an inbound frame
func (m *mockWebSocketConn) sendFrame(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.readCh <- []byte(frame)
	}
}

func (m *mockWebSocketConn) setWriteErr(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

func (m *mockWebSocketConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWebSocketConn) getWrittenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.writtenFrames))
	copy(result, m.writtenFrames)
	return result
}

// framesOfType decodes written frames and keeps those with the given type.
// An empty type selects application frames.
func (m *mockWebSocketConn) framesOfType(t *testing.T, typ string) []messages.Message {
	t.Helper()
	var out []messages.Message
	for _, raw := range m.getWrittenFrames() {
		msg, err := messages.Decode(raw)
		if err != nil {
			t.Errorf("written frame is not valid JSON: %v", err)
			continue
		}
		switch msg.Type() {
		case messages.TypePing, messages.TypeAck:
			if msg.Type() == typ {
				out = append(out, msg)
			}
		default:
			if typ == "" {
				out = append(out, msg)
			}
		}
	}
	return out
}

type dialResult struct {
	conn *mockWebSocketConn
	err  error
}

// mockDialer hands out scripted results, then fresh mock conns (or
// fallbackErr when set).
type mockDialer struct {
	mu          sync.Mutex
	dials       int
	results     []dialResult
	fallbackErr error
	autoPong    bool
	conns       []*mockWebSocketConn
}

func (d *mockDialer) DialContext(ctx context.Context, url string, header http.Header) (protocol.WebSocketConn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++

	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		if r.err != nil {
			return nil, nil, r.err
		}
		d.conns = append(d.conns, r.conn)
		return r.conn, nil, nil
	}
	if d.fallbackErr != nil {
		return nil, nil, d.fallbackErr
	}
	conn := newMockWebSocketConn()
	conn.autoPong = d.autoPong
	d.conns = append(d.conns, conn)
	return conn, nil, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) lastConn() *mockWebSocketConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// hookRecorder collects hook invocations
type hookRecorder struct {
	mu          sync.Mutex
	connects    int
	disconnects []string
	received    []messages.Message
	errs        []error
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnConnect: func(string) {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		OnDisconnect: func(_ string, reason string) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, reason)
			r.mu.Unlock()
		},
		OnMessage: func(_ string, msg messages.Message) {
			r.mu.Lock()
			r.received = append(r.received, msg)
			r.mu.Unlock()
		},
		OnError: func(_ string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) disconnectReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnects...)
}

func (r *hookRecorder) delivered() []messages.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messages.Message(nil), r.received...)
}

func (r *hookRecorder) errorsSeen() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *hookRecorder) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// testConfig has fast backoff, no jitter and heartbeats effectively off
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

func newTestConnection(t *testing.T, cfg Config, dialer *mockDialer, rec *hookRecorder) *Connection {
	t.Helper()
	var hooks Hooks
	if rec != nil {
		hooks = rec.hooks()
	}
	c := New("conn-1", "ws://example.test/socket", cfg, dialer, hooks, zerolog.New(io.Discard))
	t.Cleanup(func() { c.Disconnect("test cleanup") })
	return c
}
