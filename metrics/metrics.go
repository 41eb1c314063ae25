// Package metrics holds the Prometheus collectors shared by persistent sockets
// and listen servers. A nil *Metrics is valid and records nothing, so callers
// can leave metrics unset without guarding every call site.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the connection-level collectors.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	BytesRead           prometheus.Counter
	BytesWritten        prometheus.Counter
	MessagesRead        prometheus.Counter
	WritesCompleted     prometheus.Counter
	WritesCancelled     prometheus.Counter
	ConnectionErrors    prometheus.Counter
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg skips registration, which is useful in tests.
//
// Parameters:
//   - namespace: Prometheus namespace prefix, e.g. "duplex"
//   - reg: Registerer to add the collectors to, or nil
//
// Returns:
//   - The Metrics, or an error if any collector failed to register
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		ConnectionsAccepted: counter("connections_accepted_total", "Connections accepted by listen servers."),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "connections_active",
			Help:      "Persistent sockets whose service routine is running.",
		}),
		BytesRead:        counter("read_bytes_total", "Bytes read from sockets."),
		BytesWritten:     counter("written_bytes_total", "Bytes written to sockets."),
		MessagesRead:     counter("messages_read_total", "Messages produced by packet processors."),
		WritesCompleted:  counter("writes_completed_total", "Outbound payloads fully flushed."),
		WritesCancelled:  counter("writes_cancelled_total", "Outbound payloads discarded on shutdown or failure."),
		ConnectionErrors: counter("connection_errors_total", "Connections terminated by an I/O error."),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.BytesRead,
		m.BytesWritten,
		m.MessagesRead,
		m.WritesCompleted,
		m.WritesCancelled,
		m.ConnectionErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register socket metrics: %w", err)
		}
	}

	return m, nil
}

// Accepted records one accepted connection.
func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// Opened records a service routine starting.
func (m *Metrics) Opened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// Closed records a service routine exiting; failed marks an I/O termination.
func (m *Metrics) Closed(failed bool) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	if failed {
		m.ConnectionErrors.Inc()
	}
}

// Read records n bytes read and msgs messages extracted from them.
func (m *Metrics) Read(n, msgs int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
	m.MessagesRead.Add(float64(msgs))
}

// Wrote records n bytes accepted by the socket.
func (m *Metrics) Wrote(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Completed records one outbound payload flushed in full.
func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.WritesCompleted.Inc()
}

// Cancelled records n outbound payloads that will never be written.
func (m *Metrics) Cancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WritesCancelled.Add(float64(n))
}
