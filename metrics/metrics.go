package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tether/connection"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStates = []connection.State{
	connection.StateDisconnected,
	connection.StateConnecting,
	connection.StateConnected,
	connection.StateClosing,
	connection.StateReconnecting,
	connection.StateFailed,
}

// Metrics holds all Prometheus metrics for a tether instance
type Metrics struct {
	Connections      prometheus.Gauge
	ConnectionState  *prometheus.GaugeVec
	MessagesSent     *prometheus.GaugeVec
	Errors           *prometheus.GaugeVec
	Reconnects       *prometheus.GaugeVec
	Latency          *prometheus.GaugeVec
	PendingMessages  *prometheus.GaugeVec
	UnackedMessages  *prometheus.GaugeVec
	MissedHeartbeats *prometheus.GaugeVec

	mu    sync.Mutex
	known map[string]struct{} // connection ids with exported series
}

// New creates the metrics and registers them with reg. A nil reg means the
// default Prometheus registry.
func New(instanceID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"instance_id": instanceID}
	perConnection := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels},
			[]string{"connection_id"},
		)
	}

	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tether_connections",
			Help:        "Number of registered connections",
			ConstLabels: labels,
		}),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "tether_connection_state",
				Help:        "Connection state (1 for the current state, 0 otherwise)",
				ConstLabels: labels,
			},
			[]string{"connection_id", "state"},
		),
		MessagesSent:     perConnection("tether_connection_messages_sent", "Messages transmitted on the connection"),
		Errors:           perConnection("tether_connection_errors", "Errors observed on the connection"),
		Reconnects:       perConnection("tether_connection_reconnects", "Reconnection attempts made"),
		Latency:          perConnection("tether_connection_latency_ms", "Last measured ping/pong round trip in milliseconds"),
		PendingMessages:  perConnection("tether_connection_pending_messages", "Messages queued while not connected"),
		UnackedMessages:  perConnection("tether_connection_unacked_messages", "Sent messages awaiting acknowledgment"),
		MissedHeartbeats: perConnection("tether_connection_missed_heartbeats", "Consecutive heartbeats without a pong"),
		known:            make(map[string]struct{}),
	}

	reg.MustRegister(
		m.Connections,
		m.ConnectionState,
		m.MessagesSent,
		m.Errors,
		m.Reconnects,
		m.Latency,
		m.PendingMessages,
		m.UnackedMessages,
		m.MissedHeartbeats,
	)
	return m
}

// Update sets every gauge from statuses and drops series of connections
// that are no longer present.
func (m *Metrics) Update(statuses map[string]connection.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Connections.Set(float64(len(statuses)))

	for id, st := range statuses {
		for _, s := range allStates {
			v := 0.0
			if st.State == s {
				v = 1.0
			}
			m.ConnectionState.WithLabelValues(id, string(s)).Set(v)
		}
		m.MessagesSent.WithLabelValues(id).Set(float64(st.Metrics.MessageCount))
		m.Errors.WithLabelValues(id).Set(float64(st.Metrics.ErrorCount))
		m.Reconnects.WithLabelValues(id).Set(float64(st.Metrics.ReconnectCount))
		m.Latency.WithLabelValues(id).Set(st.Metrics.LatencyMs)
		m.PendingMessages.WithLabelValues(id).Set(float64(st.PendingMessages))
		m.UnackedMessages.WithLabelValues(id).Set(float64(st.SentUnacked))
		m.MissedHeartbeats.WithLabelValues(id).Set(float64(st.Metrics.MissedHeartbeats))
		m.known[id] = struct{}{}
	}

	for id := range m.known {
		if _, ok := statuses[id]; ok {
			continue
		}
		m.ConnectionState.DeletePartialMatch(prometheus.Labels{"connection_id": id})
		for _, vec := range []*prometheus.GaugeVec{
			m.MessagesSent, m.Errors, m.Reconnects, m.Latency,
			m.PendingMessages, m.UnackedMessages, m.MissedHeartbeats,
		} {
			vec.DeleteLabelValues(id)
		}
		delete(m.known, id)
	}
}

// StatusProvider exposes connection snapshots
type StatusProvider interface {
	GetAllStatus() map[string]connection.Status
}

// ServerInfo provides instance state for health reporting
type ServerInfo interface {
	StatusProvider
	InstanceID() string
	StartTime() time.Time
	Failing() []string
}

// UpdateLoop periodically updates gauges from provider until ctx is done
func UpdateLoop(ctx context.Context, m *Metrics, provider StatusProvider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Update(provider.GetAllStatus())
		}
	}
}

// MetricsHandler returns the Prometheus HTTP handler for g. A nil g means
// the default registry.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// HealthHandler returns a health check endpoint handler. The status is
// "degraded" while any connection keeps failing recovery.
func HealthHandler(server ServerInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byState := make(map[connection.State]int)
		statuses := server.GetAllStatus()
		for _, st := range statuses {
			byState[st.State]++
		}

		failing := server.Failing()
		if failing == nil {
			failing = []string{}
		}
		status := "healthy"
		if len(failing) > 0 {
			status = "degraded"
		}

		health := map[string]interface{}{
			"status":      status,
			"instance_id": server.InstanceID(),
			"uptime":      time.Since(server.StartTime()).String(),
			"connections": len(statuses),
			"states":      byState,
			"failing":     failing,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	}
}

// StatusHandler serves every connection's status snapshot as JSON
func StatusHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provider.GetAllStatus())
	}
}
