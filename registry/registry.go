package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tether/connection"
	"tether/protocol"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxParallel bounds concurrent dials and closes in bulk operations
const maxParallel = 8

// Registry owns the set of Connections, keyed by connection id
type Registry struct {
	dialer protocol.WebSocketDialer
	hooks  connection.Hooks
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*connection.Connection
}

// New creates an empty registry. Every Connection it creates shares dialer
// and hooks.
func New(dialer protocol.WebSocketDialer, hooks connection.Hooks, logger zerolog.Logger) *Registry {
	return &Registry{
		dialer: dialer,
		hooks:  hooks,
		logger: logger.With().Str("component", "registry").Logger(),
		conns:  make(map[string]*connection.Connection),
	}
}

// CreateConnection registers a new disconnected Connection for id. An
// existing Connection with the same id is deregistered and closed. A nil
// cfg selects connection.DefaultConfig().
func (r *Registry) CreateConnection(id, url string, cfg *connection.Config) *connection.Connection {
	c := connection.DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	conn := connection.New(id, url, c, r.dialer, r.hooks, r.logger)

	r.mu.Lock()
	old, exists := r.conns[id]
	r.conns[id] = conn
	r.mu.Unlock()

	if exists {
		r.logger.Info().Str("connectionID", id).Msg("Replacing existing connection")
		old.Close("removed")
	}

	r.logger.Info().Str("connectionID", id).Str("url", url).Msg("Connection created")
	return conn
}

// Get returns the Connection registered under id
func (r *Registry) Get(id string) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// RemoveConnection disconnects and deregisters id. Unknown ids are ignored.
func (r *Registry) RemoveConnection(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.Close("removed")
	r.logger.Info().Str("connectionID", id).Msg("Connection removed")
}

// RecoverAllConnections calls Connect on every failed or disconnected
// connection and reports the outcome per id. Connections in other states
// are skipped and absent from the result. One connection failing, or
// panicking, does not stop the others.
func (r *Registry) RecoverAllConnections(ctx context.Context) map[string]bool {
	snapshot := r.snapshot()

	var mu sync.Mutex
	results := make(map[string]bool)

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for id, conn := range snapshot {
		switch conn.State() {
		case connection.StateFailed, connection.StateDisconnected:
		default:
			continue
		}

		g.Go(func() error {
			ok := r.recoverOne(ctx, id, conn)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(results) > 0 {
		recovered := 0
		for _, ok := range results {
			if ok {
				recovered++
			}
		}
		r.logger.Info().
			Int("attempted", len(results)).
			Int("recovered", recovered).
			Msg("Recovery sweep finished")
	}
	return results
}

func (r *Registry) recoverOne(ctx context.Context, id string, conn *connection.Connection) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("connectionID", id).
				Err(fmt.Errorf("panic: %v", rec)).
				Msg("Recovery attempt panicked")
			ok = false
		}
	}()

	if !r.owns(id, conn) {
		r.logger.Debug().Str("connectionID", id).Msg("Skipping recovery of removed connection")
		return false
	}

	ok = conn.Connect(ctx)
	if ok && !r.owns(id, conn) {
		// Removed while dialing
		conn.Close("removed")
		return false
	}
	if !ok {
		r.logger.Warn().Str("connectionID", id).Msg("Recovery attempt failed")
	}
	return ok
}

// owns reports whether conn is still the Connection registered under id
func (r *Registry) owns(id string, conn *connection.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id] == conn
}

// GetAllStatus returns a status snapshot for every connection
func (r *Registry) GetAllStatus() map[string]connection.Status {
	snapshot := r.snapshot()
	out := make(map[string]connection.Status, len(snapshot))
	for id, conn := range snapshot {
		out[id] = conn.Status()
	}
	return out
}

// CleanupAll disconnects and deregisters every connection
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*connection.Connection)
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, conn := range conns {
		g.Go(func() error {
			conn.Close("removed")
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info().Int("count", len(conns)).Msg("All connections cleaned up")
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot() map[string]*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*connection.Connection, len(r.conns))
	for id, conn := range r.conns {
		out[id] = conn
	}
	return out
}
