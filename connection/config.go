package connection

import (
	"fmt"
	"math"
	"net/http"
	"time"
)

// Default tunables
const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultMaxAttempts         = 5
	DefaultInitialDelay        = 1 * time.Second
	DefaultBackoffMultiplier   = 2.0
	DefaultMaxDelay            = 30 * time.Second
	DefaultMaxPendingMessages  = 1000
	DefaultMessageRetention    = 24 * time.Hour
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatGrace      = 5 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultWriteTimeout        = 5 * time.Second
)

// Config holds the tunables of one Connection. A Connection keeps its own
// copy, so changing a Config after construction has no effect.
type Config struct {
	ConnectTimeout time.Duration // bound on one dial + handshake
	MaxAttempts    int           // reconnection attempts before FAILED; 0 disables reconnection

	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool // scale each delay by a uniform factor in [0.5, 1.0]

	MaxPendingMessages      int  // outbound queue bound while not connected; 0 means the default
	PreservePendingMessages bool // replay the queue after a reconnect
	MessageRetention        time.Duration

	HeartbeatInterval   time.Duration
	HeartbeatGrace      time.Duration // wait for pong after each ping
	MaxMissedHeartbeats int

	WriteTimeout time.Duration
	Header       http.Header // extra handshake headers
}

// DefaultConfig returns the default tunables
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:          DefaultConnectTimeout,
		MaxAttempts:             DefaultMaxAttempts,
		InitialDelay:            DefaultInitialDelay,
		BackoffMultiplier:       DefaultBackoffMultiplier,
		MaxDelay:                DefaultMaxDelay,
		Jitter:                  true,
		MaxPendingMessages:      DefaultMaxPendingMessages,
		PreservePendingMessages: true,
		MessageRetention:        DefaultMessageRetention,
		HeartbeatInterval:       DefaultHeartbeatInterval,
		HeartbeatGrace:          DefaultHeartbeatGrace,
		MaxMissedHeartbeats:     DefaultMaxMissedHeartbeats,
		WriteTimeout:            DefaultWriteTimeout,
	}
}

// Validate checks that the tunables are usable
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 0:
		return fmt.Errorf("max_attempts (%d) cannot be negative", c.MaxAttempts)
	case c.InitialDelay < 0:
		return fmt.Errorf("initial_delay (%s) cannot be negative", c.InitialDelay)
	case c.BackoffMultiplier < 1 && c.BackoffMultiplier != 0:
		return fmt.Errorf("backoff_multiplier (%g) must be >= 1", c.BackoffMultiplier)
	case c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("max_delay (%s) cannot be less than initial_delay (%s)", c.MaxDelay, c.InitialDelay)
	case c.MaxPendingMessages < 0:
		return fmt.Errorf("max_pending_messages (%d) cannot be negative", c.MaxPendingMessages)
	case c.MaxMissedHeartbeats < 0:
		return fmt.Errorf("max_missed_heartbeats (%d) cannot be negative", c.MaxMissedHeartbeats)
	}
	return nil
}

// withDefaults fills zero-valued durations and limits. Booleans and
// MaxAttempts are taken as given, since false and 0 are meaningful there.
func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxPendingMessages <= 0 {
		c.MaxPendingMessages = DefaultMaxPendingMessages
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = DefaultMessageRetention
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = DefaultHeartbeatGrace
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Header != nil {
		c.Header = c.Header.Clone()
	}
	return c
}

// BackoffDelay returns the pre-jitter delay before reconnection attempt n
// (0-based): min(InitialDelay * BackoffMultiplier^n, MaxDelay).
func (c Config) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if c.MaxDelay > 0 && (delay > float64(c.MaxDelay) || math.IsInf(delay, 1) || math.IsNaN(delay)) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// jitterDelay scales d by 0.5 + 0.5*r, where r is uniform in [0, 1].
func jitterDelay(d time.Duration, r float64) time.Duration {
	return time.Duration(float64(d) * (0.5 + 0.5*r))
}
