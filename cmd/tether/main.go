package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tether/config"
	"tether/connection"
	"tether/messages"
	"tether/metrics"
	"tether/protocol"
	"tether/registry"

	"github.com/rs/zerolog"
)

// Tether holds the running registry and sweeper
type Tether struct {
	instanceID string
	registry   *registry.Registry
	sweeper    *registry.Sweeper
	startTime  time.Time
	logger     zerolog.Logger
}

// Implement metrics.ServerInfo interface
func (t *Tether) GetAllStatus() map[string]connection.Status {
	return t.registry.GetAllStatus()
}

func (t *Tether) InstanceID() string {
	return t.instanceID
}

func (t *Tether) StartTime() time.Time {
	return t.startTime
}

func (t *Tether) Failing() []string {
	if t.sweeper == nil {
		return nil
	}
	return t.sweeper.Failing()
}

// logStatsLoop periodically logs connection statistics
func (t *Tether) logStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.logStats()
		}
	}
}

func (t *Tether) logStats() {
	byState := make(map[connection.State]int)
	pending, unacked := 0, 0
	for _, st := range t.GetAllStatus() {
		byState[st.State]++
		pending += st.PendingMessages
		unacked += st.SentUnacked
	}

	t.logger.Info().
		Int("connections", t.registry.Len()).
		Int("pendingMessages", pending).
		Int("unackedMessages", unacked).
		Interface("states", byState).
		Strs("failing", t.Failing()).
		Msg("Tether stats")
}

// loggingHooks reports connection events at the process level
func loggingHooks(logger zerolog.Logger) connection.Hooks {
	return connection.Hooks{
		OnConnect: func(id string) {
			logger.Info().Str("connectionID", id).Msg("Connection established")
		},
		OnDisconnect: func(id, reason string) {
			logger.Info().Str("connectionID", id).Str("reason", reason).Msg("Connection closed")
		},
		OnMessage: func(id string, msg messages.Message) {
			logger.Debug().Str("connectionID", id).Str("messageID", msg.ID()).Str("type", msg.Type()).Msg("Message received")
		},
	}
}

func main() {
	// Load configuration (parses flags, .env and env vars)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := protocol.InitLogger(protocol.LoggerConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		InstanceID: cfg.InstanceID,
	})

	token, err := cfg.LoadToken()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load token")
	}
	if err := config.CheckToken(token, time.Now()); err != nil {
		logger.Fatal().Err(err).Msg("Unusable token")
	}
	if expiresAt, ok := config.TokenExpiry(token); ok {
		logger.Info().Time("expires", expiresAt).Msg("Token expiry")
	}

	endpoints, err := cfg.LoadAllEndpoints()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load endpoints")
	}
	if len(endpoints) == 0 {
		logger.Warn().Msg("No endpoints configured; serving status only")
	}

	base := cfg.ConnectionConfig(token)
	logger.Info().
		Int("maxAttempts", base.MaxAttempts).
		Dur("initialDelay", base.InitialDelay).
		Dur("maxDelay", base.MaxDelay).
		Bool("jitter", base.Jitter).
		Dur("heartbeatInterval", base.HeartbeatInterval).
		Int("maxPendingMessages", base.MaxPendingMessages).
		Bool("authHeader", token != "").
		Msg("Connection defaults configured")

	reg := registry.New(
		&protocol.DefaultWebSocketDialer{HandshakeTimeout: cfg.ConnectTimeout},
		loggingHooks(logger),
		logger,
	)

	ts := &Tether{
		instanceID: cfg.InstanceID,
		registry:   reg,
		startTime:  time.Now(),
		logger:     logger,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	for _, ep := range endpoints {
		epCfg := ep.Apply(base)
		conn := reg.CreateConnection(ep.ID, ep.URL, &epCfg)
		if !conn.Connect(ctx) {
			// The sweeper retries failed endpoints
			logger.Warn().Str("connectionID", ep.ID).Str("url", ep.URL).Msg("Initial connect failed")
		}
	}

	ts.sweeper = registry.NewSweeper(reg, registry.SweeperConfig{
		Interval:         cfg.SweepInterval,
		FailureThreshold: cfg.SweepFailureThreshold,
	}, logger)
	ts.sweeper.Start()
	logger.Info().Dur("interval", cfg.SweepInterval).Int("failureThreshold", cfg.SweepFailureThreshold).Msg("Recovery sweeper started")

	m := metrics.New(cfg.InstanceID, nil)
	go metrics.UpdateLoop(ctx, m, ts, cfg.MetricsInterval)
	go ts.logStatsLoop(ctx, cfg.StatsInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsHandler(nil))
	mux.HandleFunc("/health", metrics.HealthHandler(ts))
	mux.HandleFunc("/status", metrics.StatusHandler(ts))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stop()
	ts.sweeper.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	cleanupDone := make(chan struct{})
	go func() {
		reg.CleanupAll()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
		logger.Info().Msg("All connections closed")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Shutdown timeout reached before all connections closed")
	}

	logger.Info().Msg("Graceful shutdown complete")
}
