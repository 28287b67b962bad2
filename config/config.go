package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"tether/connection"
	"tether/protocol"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all resolved tether configuration
type Config struct {
	InstanceID    string
	ListenAddr    string
	EnvFile       string
	EndpointsFile string
	Endpoints     string // inline "id=url,id=url" list
	TokenFile     string
	Token         string

	ConnectTimeout          time.Duration
	MaxAttempts             int
	InitialDelay            time.Duration
	BackoffMultiplier       float64
	MaxDelay                time.Duration
	Jitter                  bool
	MaxPendingMessages      int
	PreservePendingMessages bool
	MessageRetention        time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatGrace          time.Duration
	MaxMissedHeartbeats     int
	WriteTimeout            time.Duration

	SweepInterval         time.Duration
	SweepFailureThreshold int
	MetricsInterval       time.Duration
	StatsInterval         time.Duration
	ShutdownTimeout       time.Duration

	LogLevel  string
	LogFormat string
}

// flag values (populated by flag.Parse)
var (
	flagInstanceID              string
	flagListenAddr              string
	flagEnvFile                 string
	flagEndpointsFile           string
	flagEndpoints               string
	flagTokenFile               string
	flagToken                   string
	flagConnectTimeout          string
	flagMaxAttempts             string
	flagInitialDelay            string
	flagBackoffMultiplier       string
	flagMaxDelay                string
	flagJitter                  string
	flagMaxPendingMessages      string
	flagPreservePendingMessages string
	flagMessageRetention        string
	flagHeartbeatInterval       string
	flagHeartbeatGrace          string
	flagMaxMissedHeartbeats     string
	flagWriteTimeout            string
	flagSweepInterval           string
	flagSweepFailureThreshold   string
	flagMetricsInterval         string
	flagStatsInterval           string
	flagShutdownTimeout         string
	flagLogLevel                string
	flagLogFormat               string
)

func init() {
	flag.StringVar(&flagInstanceID, "instance-id", "",
		"Instance identifier used in metrics labels (env: TETHER_INSTANCE_ID)")
	flag.StringVar(&flagListenAddr, "listen-addr", "",
		"Address for the metrics/health/status HTTP server (env: TETHER_LISTEN_ADDR)")
	flag.StringVar(&flagEnvFile, "env-file", "",
		"Optional .env file loaded before reading env vars (env: TETHER_ENV_FILE)")
	flag.StringVar(&flagEndpointsFile, "endpoints-file", "",
		"YAML file listing endpoints to connect to (env: TETHER_ENDPOINTS_FILE)")
	flag.StringVar(&flagEndpoints, "endpoints", "",
		"Comma-separated id=url endpoints (env: TETHER_ENDPOINTS)")
	flag.StringVar(&flagTokenFile, "token-file", "",
		"Path to a bearer token sent in the WebSocket handshake (env: TETHER_TOKEN_FILE)")
	flag.StringVar(&flagToken, "token", "",
		"Bearer token sent in the WebSocket handshake (env: TETHER_TOKEN)")
	flag.StringVar(&flagConnectTimeout, "connect-timeout", "",
		"Timeout for one dial and handshake (env: TETHER_CONNECT_TIMEOUT)")
	flag.StringVar(&flagMaxAttempts, "max-attempts", "",
		"Reconnection attempts before giving up, 0 disables (env: TETHER_MAX_ATTEMPTS)")
	flag.StringVar(&flagInitialDelay, "initial-delay", "",
		"Delay before the first reconnection attempt (env: TETHER_INITIAL_DELAY)")
	flag.StringVar(&flagBackoffMultiplier, "backoff-multiplier", "",
		"Growth factor between reconnection delays (env: TETHER_BACKOFF_MULTIPLIER)")
	flag.StringVar(&flagMaxDelay, "max-delay", "",
		"Upper bound on the reconnection delay (env: TETHER_MAX_DELAY)")
	flag.StringVar(&flagJitter, "jitter", "",
		"Randomize reconnection delays: true, false (env: TETHER_JITTER)")
	flag.StringVar(&flagMaxPendingMessages, "max-pending-messages", "",
		"Outbound queue bound while disconnected (env: TETHER_MAX_PENDING_MESSAGES)")
	flag.StringVar(&flagPreservePendingMessages, "preserve-pending-messages", "",
		"Replay queued messages after reconnecting: true, false (env: TETHER_PRESERVE_PENDING_MESSAGES)")
	flag.StringVar(&flagMessageRetention, "message-retention", "",
		"Maximum age of a queued message at replay (env: TETHER_MESSAGE_RETENTION)")
	flag.StringVar(&flagHeartbeatInterval, "heartbeat-interval", "",
		"Interval between pings (env: TETHER_HEARTBEAT_INTERVAL)")
	flag.StringVar(&flagHeartbeatGrace, "heartbeat-grace", "",
		"Wait for a pong after each ping (env: TETHER_HEARTBEAT_GRACE)")
	flag.StringVar(&flagMaxMissedHeartbeats, "max-missed-heartbeats", "",
		"Consecutive missed pongs before reconnecting (env: TETHER_MAX_MISSED_HEARTBEATS)")
	flag.StringVar(&flagWriteTimeout, "write-timeout", "",
		"Deadline for one frame write (env: TETHER_WRITE_TIMEOUT)")
	flag.StringVar(&flagSweepInterval, "sweep-interval", "",
		"Interval between recovery sweeps (env: TETHER_SWEEP_INTERVAL)")
	flag.StringVar(&flagSweepFailureThreshold, "sweep-failure-threshold", "",
		"Failed recoveries before a connection is reported failing (env: TETHER_SWEEP_FAILURE_THRESHOLD)")
	flag.StringVar(&flagMetricsInterval, "metrics-interval", "",
		"Interval between Prometheus gauge updates (env: TETHER_METRICS_INTERVAL)")
	flag.StringVar(&flagStatsInterval, "stats-interval", "",
		"Interval between status log lines (env: TETHER_STATS_INTERVAL)")
	flag.StringVar(&flagShutdownTimeout, "shutdown-timeout", "",
		"Graceful shutdown timeout (env: TETHER_SHUTDOWN_TIMEOUT)")
	flag.StringVar(&flagLogLevel, "log-level", "",
		"Log level: TRACE, DEBUG, INFO, WARN, ERROR (env: TETHER_LOG_LEVEL)")
	flag.StringVar(&flagLogFormat, "log-format", "",
		"Log format: json, console (env: TETHER_LOG_FORMAT)")
}

// Load parses flags, reads the optional .env file and env vars, applies
// defaults, and returns Config
func Load() (*Config, error) {
	flag.Parse()
	return resolve()
}

// resolve builds Config from the current flag values and environment.
// Values from the .env file never override variables already set.
func resolve() (*Config, error) {
	envFile := resolveString(flagEnvFile, []string{"TETHER_ENV_FILE"}, "")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	defaults := connection.DefaultConfig()
	cfg := &Config{
		InstanceID: resolveString(flagInstanceID,
			[]string{"TETHER_INSTANCE_ID"}, ""),
		ListenAddr: resolveString(flagListenAddr,
			[]string{"TETHER_LISTEN_ADDR"}, ":9090"),
		EnvFile: envFile,
		EndpointsFile: resolveString(flagEndpointsFile,
			[]string{"TETHER_ENDPOINTS_FILE"}, ""),
		Endpoints: resolveString(flagEndpoints,
			[]string{"TETHER_ENDPOINTS"}, ""),
		TokenFile: resolveString(flagTokenFile,
			[]string{"TETHER_TOKEN_FILE"}, ""),
		Token: resolveString(flagToken,
			[]string{"TETHER_TOKEN"}, ""),
		ConnectTimeout: resolveDuration(flagConnectTimeout,
			[]string{"TETHER_CONNECT_TIMEOUT"}, defaults.ConnectTimeout),
		MaxAttempts: resolveInt(flagMaxAttempts,
			[]string{"TETHER_MAX_ATTEMPTS"}, defaults.MaxAttempts),
		InitialDelay: resolveDuration(flagInitialDelay,
			[]string{"TETHER_INITIAL_DELAY"}, defaults.InitialDelay),
		BackoffMultiplier: resolveFloat(flagBackoffMultiplier,
			[]string{"TETHER_BACKOFF_MULTIPLIER"}, defaults.BackoffMultiplier),
		MaxDelay: resolveDuration(flagMaxDelay,
			[]string{"TETHER_MAX_DELAY"}, defaults.MaxDelay),
		Jitter: resolveBool(flagJitter,
			[]string{"TETHER_JITTER"}, defaults.Jitter),
		MaxPendingMessages: resolveInt(flagMaxPendingMessages,
			[]string{"TETHER_MAX_PENDING_MESSAGES"}, defaults.MaxPendingMessages),
		PreservePendingMessages: resolveBool(flagPreservePendingMessages,
			[]string{"TETHER_PRESERVE_PENDING_MESSAGES"}, defaults.PreservePendingMessages),
		MessageRetention: resolveDuration(flagMessageRetention,
			[]string{"TETHER_MESSAGE_RETENTION"}, defaults.MessageRetention),
		HeartbeatInterval: resolveDuration(flagHeartbeatInterval,
			[]string{"TETHER_HEARTBEAT_INTERVAL"}, defaults.HeartbeatInterval),
		HeartbeatGrace: resolveDuration(flagHeartbeatGrace,
			[]string{"TETHER_HEARTBEAT_GRACE"}, defaults.HeartbeatGrace),
		MaxMissedHeartbeats: resolveInt(flagMaxMissedHeartbeats,
			[]string{"TETHER_MAX_MISSED_HEARTBEATS"}, defaults.MaxMissedHeartbeats),
		WriteTimeout: resolveDuration(flagWriteTimeout,
			[]string{"TETHER_WRITE_TIMEOUT"}, defaults.WriteTimeout),
		SweepInterval: resolveDuration(flagSweepInterval,
			[]string{"TETHER_SWEEP_INTERVAL"}, 30*time.Second),
		SweepFailureThreshold: resolveInt(flagSweepFailureThreshold,
			[]string{"TETHER_SWEEP_FAILURE_THRESHOLD"}, 3),
		MetricsInterval: resolveDuration(flagMetricsInterval,
			[]string{"TETHER_METRICS_INTERVAL"}, 10*time.Second),
		StatsInterval: resolveDuration(flagStatsInterval,
			[]string{"TETHER_STATS_INTERVAL"}, 60*time.Second),
		ShutdownTimeout: resolveDuration(flagShutdownTimeout,
			[]string{"TETHER_SHUTDOWN_TIMEOUT"}, 30*time.Second),
		LogLevel: resolveString(flagLogLevel,
			[]string{"TETHER_LOG_LEVEL"}, "INFO"),
		LogFormat: resolveString(flagLogFormat,
			[]string{"TETHER_LOG_FORMAT"}, "json"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

// resolveString returns the first non-empty value from: flag, env vars, default
func resolveString(flagVal string, envVars []string, defaultVal string) string {
	if flagVal != "" {
		return flagVal
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return defaultVal
}

// resolveDuration returns duration from: flag, env vars, default
// Supports both duration strings ("10s", "1m") and plain seconds ("60")
func resolveDuration(flagVal string, envVars []string, defaultVal time.Duration) time.Duration {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	return protocol.ParseDuration(val, defaultVal)
}

// resolveInt returns int from: flag, env vars, default
func resolveInt(flagVal string, envVars []string, defaultVal int) int {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return defaultVal
	}
	return parsed
}

func resolveFloat(flagVal string, envVars []string, defaultVal float64) float64 {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func resolveBool(flagVal string, envVars []string, defaultVal bool) bool {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// LoadToken loads the token from file or inline value
func (c *Config) LoadToken() (string, error) {
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.Token), nil
}

// ConnectionConfig builds the per-connection tunables. A non-empty token
// is sent as a bearer Authorization header on every handshake.
func (c *Config) ConnectionConfig(token string) connection.Config {
	cc := connection.Config{
		ConnectTimeout:          c.ConnectTimeout,
		MaxAttempts:             c.MaxAttempts,
		InitialDelay:            c.InitialDelay,
		BackoffMultiplier:       c.BackoffMultiplier,
		MaxDelay:                c.MaxDelay,
		Jitter:                  c.Jitter,
		MaxPendingMessages:      c.MaxPendingMessages,
		PreservePendingMessages: c.PreservePendingMessages,
		MessageRetention:        c.MessageRetention,
		HeartbeatInterval:       c.HeartbeatInterval,
		HeartbeatGrace:          c.HeartbeatGrace,
		MaxMissedHeartbeats:     c.MaxMissedHeartbeats,
		WriteTimeout:            c.WriteTimeout,
	}
	if token != "" {
		cc.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	return cc
}

// Validate checks that config values are usable
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %s", c.MetricsInterval)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %s", c.StatsInterval)
	}
	if err := protocol.ValidateLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.TokenFile != "" && c.Token != "" {
		return fmt.Errorf("token and token file are mutually exclusive")
	}
	if err := c.ConnectionConfig("").Validate(); err != nil {
		return fmt.Errorf("connection config: %w", err)
	}
	return nil
}
