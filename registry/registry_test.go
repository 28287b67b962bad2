package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tether/connection"
	"tether/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn blocks reads until closed
type fakeConn struct {
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, io.EOF
}

func (f *fakeConn) WriteMessage(int, []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDialer fails or panics for urls containing "bad" or "panic"
type fakeDialer struct {
	mu    sync.Mutex
	dials map[string]int
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (protocol.WebSocketConn, *http.Response, error) {
	d.mu.Lock()
	if d.dials == nil {
		d.dials = make(map[string]int)
	}
	d.dials[url]++
	d.mu.Unlock()

	switch {
	case strings.Contains(url, "panic"):
		panic("dialer exploded")
	case strings.Contains(url, "bad"):
		return nil, nil, fmt.Errorf("connection refused")
	}
	return newFakeConn(), nil, nil
}

func (d *fakeDialer) count(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

func newTestRegistry(hooks connection.Hooks) (*Registry, *fakeDialer) {
	dialer := &fakeDialer{}
	return New(dialer, hooks, zerolog.Nop()), dialer
}

func fastConfig() *connection.Config {
	cfg := connection.DefaultConfig()
	cfg.MaxAttempts = 0
	cfg.HeartbeatInterval = time.Hour
	return &cfg
}

func TestCreateConnectionDefaults(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	conn := reg.CreateConnection("a", "ws://a.test", nil)
	require.NotNil(t, conn)
	assert.Equal(t, "a", conn.ID())
	assert.Equal(t, "ws://a.test", conn.URL())
	assert.Equal(t, connection.DefaultMaxAttempts, conn.Config().MaxAttempts)
	assert.Equal(t, connection.StateDisconnected, conn.State())

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestCreateConnectionReplacesExisting(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	reg, _ := newTestRegistry(connection.Hooks{
		OnDisconnect: func(id, reason string) {
			mu.Lock()
			reasons = append(reasons, id+":"+reason)
			mu.Unlock()
		},
	})
	defer reg.CleanupAll()

	first := reg.CreateConnection("a", "ws://a.test", fastConfig())
	require.True(t, first.Connect(context.Background()))

	second := reg.CreateConnection("a", "ws://a2.test", fastConfig())

	assert.NotSame(t, first, second)
	assert.Equal(t, connection.StateDisconnected, first.State())
	assert.Equal(t, 1, reg.Len())

	got, _ := reg.Get("a")
	assert.Same(t, second, got)

	mu.Lock()
	assert.Equal(t, []string{"a:removed"}, reasons)
	mu.Unlock()
}

func TestRemoveConnection(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})

	reg.RemoveConnection("missing")

	conn := reg.CreateConnection("a", "ws://a.test", fastConfig())
	require.True(t, conn.Connect(context.Background()))

	reg.RemoveConnection("a")
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, connection.StateDisconnected, conn.State())

	_, ok := reg.Get("a")
	assert.False(t, ok)
}

func TestRecoverAllConnections(t *testing.T) {
	reg, dialer := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	reg.CreateConnection("fresh", "ws://fresh.test", fastConfig())
	reg.CreateConnection("bad", "ws://bad.test", fastConfig())
	reg.CreateConnection("boom", "ws://panic.test", fastConfig())
	live := reg.CreateConnection("live", "ws://live.test", fastConfig())
	require.True(t, live.Connect(context.Background()))

	results := reg.RecoverAllConnections(context.Background())

	assert.Equal(t, map[string]bool{
		"fresh": true,
		"bad":   false,
		"boom":  false,
	}, results)
	assert.Equal(t, 1, dialer.count("ws://live.test"))

	fresh, _ := reg.Get("fresh")
	assert.Equal(t, connection.StateConnected, fresh.State())
	bad, _ := reg.Get("bad")
	assert.Equal(t, connection.StateFailed, bad.State())
	boom, _ := reg.Get("boom")
	assert.Equal(t, connection.StateFailed, boom.State())
}

func TestRecoverAllRetriesFailed(t *testing.T) {
	reg, dialer := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	reg.CreateConnection("bad", "ws://bad.test", fastConfig())

	reg.RecoverAllConnections(context.Background())
	reg.RecoverAllConnections(context.Background())

	assert.Equal(t, 2, dialer.count("ws://bad.test"))
}

// gatedDialer holds every dial until release is closed
type gatedDialer struct {
	started atomic.Int32
	release chan struct{}
}

func (d *gatedDialer) DialContext(ctx context.Context, url string, header http.Header) (protocol.WebSocketConn, *http.Response, error) {
	d.started.Add(1)
	select {
	case <-d.release:
		return newFakeConn(), nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Connections removed while a sweep is in flight stay down, whether their
// dial had started or was still waiting for a worker.
func TestRecoverAllSkipsRemovedConnections(t *testing.T) {
	dialer := &gatedDialer{release: make(chan struct{})}
	reg := New(dialer, connection.Hooks{}, zerolog.Nop())
	defer reg.CleanupAll()

	var conns []*connection.Connection
	for i := 0; i < maxParallel+1; i++ {
		conns = append(conns, reg.CreateConnection(fmt.Sprintf("c%d", i), "ws://x.test", fastConfig()))
	}

	done := make(chan map[string]bool, 1)
	go func() { done <- reg.RecoverAllConnections(context.Background()) }()

	require.Eventually(t, func() bool { return dialer.started.Load() == maxParallel }, time.Second, 5*time.Millisecond)
	for _, c := range conns {
		reg.RemoveConnection(c.ID())
	}
	close(dialer.release)

	var results map[string]bool
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RecoverAllConnections did not return")
	}

	assert.Equal(t, 0, reg.Len())
	assert.LessOrEqual(t, int(dialer.started.Load()), maxParallel, "queued connection was dialed after removal")
	for _, c := range conns {
		assert.False(t, results[c.ID()], c.ID())
		assert.NotEqual(t, connection.StateConnected, c.State(), c.ID())
		assert.False(t, c.Connect(context.Background()), "removed connection reconnected")
	}
}

func TestCreateConnectionConcurrentReplaceClosesDisplaced(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	const n = 20
	created := make([]*connection.Connection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created[i] = reg.CreateConnection("a", "ws://a.test", fastConfig())
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, reg.Len())
	current, ok := reg.Get("a")
	require.True(t, ok)

	live := 0
	for _, c := range created {
		if c == current {
			live++
			continue
		}
		assert.False(t, c.Connect(context.Background()), "displaced connection was never closed")
	}
	assert.Equal(t, 1, live)
	assert.True(t, current.Connect(context.Background()))
}

func TestRemovedConnectionCannotReconnect(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})

	conn := reg.CreateConnection("a", "ws://a.test", fastConfig())
	require.True(t, conn.Connect(context.Background()))
	reg.RemoveConnection("a")

	assert.False(t, conn.Connect(context.Background()))
	assert.Equal(t, connection.StateDisconnected, conn.State())
}

func TestGetAllStatus(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	reg.CreateConnection("a", "ws://a.test", fastConfig())
	b := reg.CreateConnection("b", "ws://b.test", fastConfig())
	require.True(t, b.Connect(context.Background()))

	statuses := reg.GetAllStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, connection.StateDisconnected, statuses["a"].State)
	assert.Equal(t, connection.StateConnected, statuses["b"].State)
	assert.Equal(t, "b", statuses["b"].ConnectionID)
}

func TestCleanupAll(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})

	var conns []*connection.Connection
	for i := 0; i < 20; i++ {
		c := reg.CreateConnection(fmt.Sprintf("c%02d", i), "ws://x.test", fastConfig())
		require.True(t, c.Connect(context.Background()))
		conns = append(conns, c)
	}

	reg.CleanupAll()

	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.IDs())
	for _, c := range conns {
		assert.Equal(t, connection.StateDisconnected, c.State())
	}
}

func TestIDsSorted(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		reg.CreateConnection(id, "ws://x.test", fastConfig())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.IDs())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg, _ := newTestRegistry(connection.Hooks{})
	defer reg.CleanupAll()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		id := fmt.Sprintf("c%d", i%3)
		go func() {
			defer wg.Done()
			reg.CreateConnection(id, "ws://x.test", fastConfig())
		}()
		go func() {
			defer wg.Done()
			reg.RecoverAllConnections(context.Background())
		}()
		go func() {
			defer wg.Done()
			reg.RemoveConnection(id)
			_ = reg.GetAllStatus()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent registry operations did not finish")
	}
	assert.LessOrEqual(t, reg.Len(), 3)
}
