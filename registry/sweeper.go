package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"tether/connection"

	"github.com/rs/zerolog"
)

// SweeperConfig holds recovery sweeper configuration
type SweeperConfig struct {
	Interval         time.Duration
	Timeout          time.Duration // bound on one sweep; 0 means Interval
	FailureThreshold int           // consecutive failed recoveries before a connection counts as failing
}

// Sweeper periodically recovers failed and disconnected connections and
// remembers which ones keep failing.
type Sweeper struct {
	registry *Registry
	config   SweeperConfig
	logger   zerolog.Logger

	mu              sync.RWMutex
	consecutiveFail map[string]int

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSweeper creates a sweeper over reg
func NewSweeper(reg *Registry, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry:        reg,
		config:          cfg,
		logger:          logger.With().Str("component", "sweeper").Logger(),
		consecutiveFail: make(map[string]int),
		ctx:             ctx,
		cancel:          cancel,
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}
}

// Start begins periodic sweeping in a goroutine
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the sweeper to stop and waits for it to finish. An
// in-flight sweep is cancelled.
func (s *Sweeper) Stop() {
	s.cancel()
	close(s.stopCh)
	<-s.stoppedCh
}

// Failing returns the ids whose recovery has failed at least
// FailureThreshold times in a row, sorted.
func (s *Sweeper) Failing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, n := range s.consecutiveFail {
		if n >= s.config.FailureThreshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Sweeper) run() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Debug().Msg("Sweeper stopping")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	results := s.registry.RecoverAllConnections(ctx)
	statuses := s.registry.GetAllStatus()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ok := range results {
		if ok {
			s.recordSuccessLocked(id)
		} else {
			s.recordFailureLocked(id)
		}
	}

	for id := range s.consecutiveFail {
		st, ok := statuses[id]
		if !ok {
			delete(s.consecutiveFail, id)
			continue
		}
		if _, attempted := results[id]; !attempted && st.State == connection.StateConnected {
			// Recovered on its own, e.g. by its reconnection loop
			s.recordSuccessLocked(id)
		}
	}
}

func (s *Sweeper) recordSuccessLocked(id string) {
	n, tracked := s.consecutiveFail[id]
	if !tracked {
		return
	}
	delete(s.consecutiveFail, id)
	if n >= s.config.FailureThreshold {
		s.logger.Info().
			Str("connectionID", id).
			Int("consecutiveFail", n).
			Msg("Connection recovered")
	}
}

func (s *Sweeper) recordFailureLocked(id string) {
	s.consecutiveFail[id]++
	n := s.consecutiveFail[id]
	if n == s.config.FailureThreshold {
		s.logger.Warn().
			Str("connectionID", id).
			Int("consecutiveFail", n).
			Msg("Connection failing recovery")
	}
}
