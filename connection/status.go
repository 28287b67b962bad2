package connection

// Status is a point-in-time snapshot of a Connection
type Status struct {
	ConnectionID      string          `json:"connection_id"`
	State             State           `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	PendingMessages   int             `json:"pending_messages"`
	SentUnacked       int             `json:"sent_unacked"`
	Metrics           MetricsSnapshot `json:"metrics"`
	LastError         *string         `json:"last_error"`
}

// Status returns the current snapshot. It has no side effects.
func (c *Connection) Status() Status {
	c.mu.Lock()
	st := Status{
		ConnectionID:      c.id,
		State:             c.state,
		ReconnectAttempts: c.reconnectAttempts,
		PendingMessages:   len(c.pending),
		SentUnacked:       len(c.sent),
	}
	if c.lastErr != nil {
		msg := c.lastErr.Error()
		st.LastError = &msg
	}
	c.mu.Unlock()

	st.Metrics = c.metrics.Snapshot()
	return st
}

// LastError returns the most recent failure, or nil
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
