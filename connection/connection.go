package connection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"tether/errors"
	"tether/messages"
	"tether/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ReconnectReason says why a live connection was lost. It is passed to
// OnDisconnect when the loss is detected by a background loop.
type ReconnectReason string

const (
	ReasonConnectionLost   ReconnectReason = "connection_lost"
	ReasonHeartbeatTimeout ReconnectReason = "heartbeat_timeout"
	ReasonSendFailure      ReconnectReason = "send_failure"
	ReasonProtocolError    ReconnectReason = "protocol_error"
)

// Hooks are optional event callbacks. They run synchronously on the
// goroutine that detected the event and must not block for long.
type Hooks struct {
	OnConnect    func(connectionID string)
	OnDisconnect func(connectionID, reason string)
	OnMessage    func(connectionID string, msg messages.Message)
	OnError      func(connectionID string, err error)
}

// reconnectTask identifies one running reconnection loop
type reconnectTask struct {
	cancel context.CancelFunc
}

// Connection is one logical client-side WebSocket link. It reconnects with
// exponential backoff after losing an established transport, monitors
// liveness with ping/pong, queues outbound messages while offline and tracks
// acknowledgments. Connections are normally created by a registry.Registry.
type Connection struct {
	id      string
	url     string
	cfg     Config
	dialer  protocol.WebSocketDialer
	logger  zerolog.Logger
	metrics *ConnectionMetrics
	random  func() float64

	hooksMu sync.RWMutex
	hooks   Hooks

	writeMu sync.Mutex

	mu                sync.Mutex
	state             State
	conn              protocol.WebSocketConn
	session           uint64 // bumped on every connect and disconnect
	closed            bool   // set by Close; Connect refuses afterwards
	stopHeartbeat     context.CancelFunc
	reconnect         *reconnectTask
	reconnectAttempts int
	lastErr           error
	pending           []*MessageState
	sent              map[string]*MessageState
	seen              *dedupSet
}

// New creates a disconnected Connection. Zero-valued durations and limits
// in cfg are replaced with defaults; MaxAttempts and the boolean options
// are used as given.
func New(id, url string, cfg Config, dialer protocol.WebSocketDialer, hooks Hooks, logger zerolog.Logger) *Connection {
	if dialer == nil {
		dialer = &protocol.DefaultWebSocketDialer{}
	}
	return &Connection{
		id:      id,
		url:     url,
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		logger:  logger.With().Str("connectionID", id).Logger(),
		metrics: NewConnectionMetrics(id),
		random:  rand.Float64,
		hooks:   hooks,
		state:   StateDisconnected,
		sent:    make(map[string]*MessageState),
		seen:    newDedupSet(dedupMaxEntries, dedupKeepEntries),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) URL() string {
	return c.url
}

// Config returns the effective tunables
func (c *Connection) Config() Config {
	return c.cfg
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHooks replaces all event callbacks
func (c *Connection) SetHooks(h Hooks) {
	c.hooksMu.Lock()
	c.hooks = h
	c.hooksMu.Unlock()
}

func (c *Connection) getHooks() Hooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks
}

// Connect opens the transport. It returns true immediately when the
// connection is already connected or a dial is in flight. A failed dial
// leaves the connection failed without scheduling reconnection.
func (c *Connection) Connect(ctx context.Context) bool {
	return c.connect(ctx, false)
}

// connect runs one dial. retrying is set by the reconnection loop, which
// keeps the connection in the reconnecting state on failure.
func (c *Connection) connect(ctx context.Context, retrying bool) bool {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return false
	case c.state == StateConnected || c.state == StateConnecting:
		c.mu.Unlock()
		return true
	case c.state == StateClosing:
		c.mu.Unlock()
		return false
	case retrying && c.state != StateReconnecting:
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	epoch := c.session
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Bool("retry", retrying).Msg("Connecting")

	ws, err := c.dial(ctx)
	if err != nil {
		c.connectFailed(epoch, errors.Transport("dial", err), retrying)
		return false
	}

	c.mu.Lock()
	if c.closed || c.session != epoch || c.state != StateConnecting {
		// Disconnect or Close ran while dialing
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.session++
	session := c.session
	c.conn = ws
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.lastErr = nil
	hbCtx, stop := context.WithCancel(context.Background())
	c.stopHeartbeat = stop
	c.mu.Unlock()

	c.metrics.recordConnect(time.Now())
	go c.readLoop(ws, session)
	go c.heartbeatLoop(hbCtx, ws, session)

	c.logger.Info().Str("url", c.url).Msg("Connected")
	c.replayPending()

	hooks := c.getHooks()
	c.invoke("OnConnect", func() {
		if hooks.OnConnect != nil {
			hooks.OnConnect(c.id)
		}
	})
	return true
}

// dial runs one handshake bounded by ConnectTimeout. A panicking dialer is
// reported as a dial error.
func (c *Connection) dial(ctx context.Context) (ws protocol.WebSocketConn, err error) {
	defer func() {
		if r := recover(); r != nil {
			ws, err = nil, fmt.Errorf("dialer panic: %v", r)
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ws, _, err = c.dialer.DialContext(dialCtx, c.url, c.cfg.Header)
	return ws, err
}

func (c *Connection) connectFailed(epoch uint64, err error, retrying bool) {
	c.mu.Lock()
	if c.session != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		c.logger.Debug().Err(err).Msg("Dial failed after disconnect, ignoring")
		return
	}
	c.lastErr = err
	if retrying {
		c.state = StateReconnecting
	} else {
		c.state = StateFailed
	}
	c.mu.Unlock()

	c.metrics.incrementErrors()
	c.logger.Error().Err(err).Str("url", c.url).Msg("Failed to connect")
	c.fireError(err)
}

// Disconnect closes the connection and cancels any reconnection in
// progress. It is safe from any state; an empty reason means "manual".
func (c *Connection) Disconnect(reason string) {
	if reason == "" {
		reason = "manual"
	}

	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.session++
	ws := c.conn
	c.conn = nil
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	if c.reconnect != nil {
		c.reconnect.cancel()
		c.reconnect = nil
	}
	c.mu.Unlock()

	if ws != nil {
		if err := ws.Close(); err != nil {
			c.logger.Warn().Err(errors.Transport("close", err)).Msg("Error closing WebSocket")
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.metrics.recordDisconnect(time.Now())

	c.logger.Info().Str("reason", reason).Msg("Disconnected")
	c.fireDisconnect(reason)
}

// Close disconnects and retires the connection for good. Later Connect
// calls return false, including one already queued by a recovery sweep.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect(reason)
}

// SendMessage transmits msg, or queues it while the connection is down.
// A copy is sent; msg itself is not modified. An "id" is generated when msg
// has none, and requireAck sets "ack_required" and tracks the message until
// the peer acknowledges it. Returns true only if the message was written to
// a live transport.
func (c *Connection) SendMessage(msg messages.Message, requireAck bool) bool {
	content := msg.Clone()
	if content.ID() == "" {
		content[messages.FieldID] = uuid.NewString()
	}
	if requireAck {
		content[messages.FieldAckRequired] = true
	}
	return c.deliver(newMessageState(content, requireAck, time.Now()))
}

// deliver is the immediate-send path shared by SendMessage and replay
func (c *Connection) deliver(ms *MessageState) bool {
	data, err := messages.Encode(ms.Content)
	if err != nil {
		c.logger.Error().Err(errors.Protocol("encode", err)).Str("messageID", ms.ID).Msg("Dropping unencodable message")
		return false
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.enqueueLocked(ms)
		c.mu.Unlock()
		return false
	}
	ws, session := c.conn, c.session
	if ms.AckRequired {
		c.sent[ms.ID] = ms
	}
	c.mu.Unlock()

	if err := c.write(ws, data); err != nil {
		c.mu.Lock()
		if ms.AckRequired {
			delete(c.sent, ms.ID)
		}
		c.enqueueLocked(ms)
		c.mu.Unlock()
		c.handleConnectionError(session, errors.Transport("send", err), ReasonSendFailure)
		return false
	}

	c.metrics.incrementMessages()
	c.logger.Debug().Str("messageID", ms.ID).Bool("ackRequired", ms.AckRequired).Msg("Sent message")
	return true
}

// enqueueLocked appends to the pending queue, dropping ms if the queue is full.
// Caller holds c.mu.
func (c *Connection) enqueueLocked(ms *MessageState) {
	if len(c.pending) >= c.cfg.MaxPendingMessages {
		c.logger.Warn().
			Err(errors.Capacity(c.cfg.MaxPendingMessages)).
			Str("messageID", ms.ID).
			Msg("Pending queue full, dropping message")
		return
	}
	c.pending = append(c.pending, ms)
}

// write serializes a frame write with the configured deadline
func (c *Connection) write(ws protocol.WebSocketConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// replayPending drains the queue captured before the reconnect. Unacked
// messages older than MessageRetention are forgotten at the same time.
func (c *Connection) replayPending() {
	cutoff := time.Now().Add(-c.cfg.MessageRetention)

	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	pruned := 0
	for id, ms := range c.sent {
		if ms.expired(cutoff) {
			delete(c.sent, id)
			pruned++
		}
	}
	c.mu.Unlock()

	if pruned > 0 {
		c.logger.Warn().Int("count", pruned).Msg("Dropped unacked messages past retention")
	}
	if len(queued) == 0 {
		return
	}
	if !c.cfg.PreservePendingMessages {
		c.logger.Info().Int("count", len(queued)).Msg("Discarding pending messages")
		return
	}

	expired, sent := 0, 0
	for _, ms := range queued {
		if ms.expired(cutoff) {
			expired++
			continue
		}
		if c.deliver(ms) {
			sent++
		}
	}
	c.logger.Info().
		Int("replayed", sent).
		Int("expired", expired).
		Int("queued", len(queued)).
		Msg("Replayed pending messages")
}

// handleConnectionError is the single failure path for the read loop, the
// heartbeat loop and the send path. Calls from a session that is no longer
// live are ignored.
func (c *Connection) handleConnectionError(session uint64, err error, reason ReconnectReason) {
	c.mu.Lock()
	if session != c.session || c.state != StateConnected {
		c.mu.Unlock()
		c.logger.Debug().Err(err).Msg("Ignoring error from stale connection")
		return
	}
	c.lastErr = err
	c.state = StateDisconnected
	ws := c.conn
	c.conn = nil
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}

	var task *reconnectTask
	var taskCtx context.Context
	if c.reconnectAttempts < c.cfg.MaxAttempts {
		c.state = StateReconnecting
		if c.reconnect == nil {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithCancel(context.Background())
			task = &reconnectTask{cancel: cancel}
			c.reconnect = task
		}
	} else {
		c.state = StateFailed
	}
	next := c.state
	c.mu.Unlock()

	c.metrics.incrementErrors()
	c.metrics.recordDisconnect(time.Now())
	if ws != nil {
		_ = ws.Close()
	}

	c.logger.Error().
		Err(err).
		Str("reason", string(reason)).
		Str("state", string(next)).
		Msg("Connection lost")

	if task != nil {
		go c.reconnectLoop(taskCtx, task)
	}
	c.fireError(err)
	c.fireDisconnect(string(reason))
}

func (c *Connection) fireError(err error) {
	hooks := c.getHooks()
	c.invoke("OnError", func() {
		if hooks.OnError != nil {
			hooks.OnError(c.id, err)
		}
	})
}

func (c *Connection) fireDisconnect(reason string) {
	hooks := c.getHooks()
	c.invoke("OnDisconnect", func() {
		if hooks.OnDisconnect != nil {
			hooks.OnDisconnect(c.id, reason)
		}
	})
}

// invoke runs a hook, containing any panic so it cannot kill a loop
func (c *Connection) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("hook", name).Msg("Hook panicked")
		}
	}()
	fn()
}
