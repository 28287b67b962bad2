package connection

import (
	"context"
	"time"

	"tether/errors"
	"tether/messages"
	"tether/protocol"
)

// heartbeatLoop pings on every interval and waits HeartbeatGrace for the
// pong. Reaching MaxMissedHeartbeats consecutive misses fails the session.
// ctx is cancelled when the session ends.
func (c *Connection) heartbeatLoop(ctx context.Context, ws protocol.WebSocketConn, session uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		data, err := messages.Encode(messages.NewPing(sentAt))
		if err != nil {
			c.handleConnectionError(session, errors.Protocol("encode ping", err), ReasonProtocolError)
			return
		}
		c.metrics.recordPing(sentAt)
		if err := c.write(ws, data); err != nil {
			c.handleConnectionError(session, errors.Transport("ping", err), ReasonConnectionLost)
			return
		}

		if !sleepContext(ctx, c.cfg.HeartbeatGrace) {
			return
		}

		missed := c.metrics.evaluateHeartbeat()
		if missed >= c.cfg.MaxMissedHeartbeats {
			c.handleConnectionError(session, errors.HeartbeatTimeout(missed), ReasonHeartbeatTimeout)
			return
		}
		if missed > 0 {
			c.logger.Warn().Int("missed", missed).Int("max", c.cfg.MaxMissedHeartbeats).Msg("Heartbeat missed")
		}
	}
}

// sleepContext waits for d or until ctx is done. Returns false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
