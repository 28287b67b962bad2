package connection

import (
	"context"
	"time"

	"tether/errors"
)

// reconnectLoop retries the dial with exponential backoff while the
// connection stays in the reconnecting state. At most one loop runs per
// Connection; task identifies it so a finished loop never clears a newer one.
func (c *Connection) reconnectLoop(ctx context.Context, task *reconnectTask) {
	defer task.cancel()

	for {
		c.mu.Lock()
		if ctx.Err() != nil || c.state != StateReconnecting {
			// Connected, disconnected, or taken over by a manual Connect
			c.releaseReconnectLocked(task)
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts >= c.cfg.MaxAttempts {
			err := errors.Exhausted(c.reconnectAttempts)
			c.state = StateFailed
			c.lastErr = err
			c.releaseReconnectLocked(task)
			c.mu.Unlock()

			c.logger.Error().Err(err).Msg("Reconnection attempts exhausted")
			c.fireError(err)
			return
		}
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		delay := c.reconnectDelay(attempt)
		c.logger.Info().
			Int("attempt", attempt+1).
			Int("maxAttempts", c.cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("Reconnecting")

		if !sleepContext(ctx, delay) {
			continue
		}

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			continue
		}
		c.reconnectAttempts++
		c.mu.Unlock()

		c.metrics.incrementReconnects()
		c.connect(ctx, true)
	}
}

// releaseReconnectLocked forgets task if it is still the current loop.
// Caller holds c.mu.
func (c *Connection) releaseReconnectLocked(task *reconnectTask) {
	if c.reconnect == task {
		c.reconnect = nil
	}
}

// reconnectDelay returns the backoff before attempt n (0-based), jittered
// when enabled.
func (c *Connection) reconnectDelay(attempt int) time.Duration {
	delay := c.cfg.BackoffDelay(attempt)
	if c.cfg.Jitter {
		delay = jitterDelay(delay, c.random())
	}
	return delay
}
