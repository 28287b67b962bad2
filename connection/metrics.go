package connection

import (
	"sync"
	"time"
)

// ConnectionMetrics tracks the health of one connection
type ConnectionMetrics struct {
	mu sync.RWMutex

	connectionID   string
	connectTime    time.Time
	disconnectTime time.Time

	messageCount   int64
	errorCount     int64
	reconnectCount int64

	lastPing         time.Time
	lastPong         time.Time
	latency          time.Duration
	missedHeartbeats int
}

// MetricsSnapshot is the read-only view of ConnectionMetrics
type MetricsSnapshot struct {
	MessageCount     int64      `json:"message_count"`
	ErrorCount       int64      `json:"error_count"`
	ReconnectCount   int64      `json:"reconnect_count"`
	LatencyMs        float64    `json:"latency_ms"`
	MissedHeartbeats int        `json:"missed_heartbeats"`
	ConnectTime      *time.Time `json:"connect_time"`
	DisconnectTime   *time.Time `json:"disconnect_time"`
	LastPing         *time.Time `json:"last_ping"`
	LastPong         *time.Time `json:"last_pong"`
}

// NewConnectionMetrics creates a new metrics tracker
func NewConnectionMetrics(connectionID string) *ConnectionMetrics {
	return &ConnectionMetrics{connectionID: connectionID}
}

func (m *ConnectionMetrics) recordConnect(at time.Time) {
	m.mu.Lock()
	m.connectTime = at
	m.missedHeartbeats = 0
	m.mu.Unlock()
}

func (m *ConnectionMetrics) recordDisconnect(at time.Time) {
	m.mu.Lock()
	m.disconnectTime = at
	m.mu.Unlock()
}

func (m *ConnectionMetrics) incrementMessages() {
	m.mu.Lock()
	m.messageCount++
	m.mu.Unlock()
}

func (m *ConnectionMetrics) incrementErrors() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

func (m *ConnectionMetrics) incrementReconnects() {
	m.mu.Lock()
	m.reconnectCount++
	m.mu.Unlock()
}

func (m *ConnectionMetrics) recordPing(at time.Time) {
	m.mu.Lock()
	m.lastPing = at
	m.mu.Unlock()
}

func (m *ConnectionMetrics) recordPong(at time.Time) {
	m.mu.Lock()
	m.lastPong = at
	m.missedHeartbeats = 0
	m.mu.Unlock()
}

// evaluateHeartbeat settles the most recent ping: a pong at or after the
// ping resets the miss counter and updates latency, otherwise the miss
// counter grows. Returns the resulting miss count.
func (m *ConnectionMetrics) evaluateHeartbeat() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastPong.IsZero() || m.lastPong.Before(m.lastPing) {
		m.missedHeartbeats++
		return m.missedHeartbeats
	}
	m.missedHeartbeats = 0
	m.latency = m.lastPong.Sub(m.lastPing)
	return 0
}

// Snapshot copies the current values
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		MessageCount:     m.messageCount,
		ErrorCount:       m.errorCount,
		ReconnectCount:   m.reconnectCount,
		LatencyMs:        float64(m.latency) / float64(time.Millisecond),
		MissedHeartbeats: m.missedHeartbeats,
		ConnectTime:      optionalTime(m.connectTime),
		DisconnectTime:   optionalTime(m.disconnectTime),
		LastPing:         optionalTime(m.lastPing),
		LastPong:         optionalTime(m.lastPong),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
