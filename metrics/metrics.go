// Package metrics exposes engine counters as Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components take an optional
// pointer and never check it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpcwire"

// States lists the connection state label values.
var States = []string{"connecting", "ready", "degraded", "failed"}

// Metrics groups the engine collectors.
type Metrics struct {
	framesSent      prometheus.Counter
	framesReceived  prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	integrityFails  prometheus.Counter
	malformed       prometheus.Counter
	retransmissions *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec
	handshakes      *prometheus.CounterVec
	state           *prometheus.GaugeVec
	pending         prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport",
			Name: "frames_sent_total", Help: "Number of frames handed to the transport",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport",
			Name: "frames_received_total", Help: "Number of frames received from the transport",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport",
			Name: "sent_bytes_total", Help: "Bytes handed to the transport",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport",
			Name: "received_bytes_total", Help: "Bytes received from the transport",
		}),
		integrityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "integrity_failures_total", Help: "Frames discarded by the integrity check",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "malformed_messages_total", Help: "Messages that failed to decode",
		}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "retransmissions_total", Help: "Messages sent again, by cause",
		}, []string{"reason"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "rpc_duration_seconds", Help: "Time from send to result",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"status"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "handshake",
			Name: "results_total", Help: "Auth key exchanges by result",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "connection_state", Help: "1 for the current connection state",
		}, []string{"state"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "pending_requests", Help: "Requests awaiting a result",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.framesSent, m.framesReceived, m.bytesSent, m.bytesReceived,
		m.integrityFails, m.malformed, m.retransmissions, m.rpcLatency,
		m.handshakes, m.state, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FrameSent counts an outbound frame.
func (m *Metrics) FrameSent(size int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(size))
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(size int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(size))
}

// IntegrityFailure counts a discarded frame.
func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFails.Inc()
}

// Malformed counts a message that failed to decode.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Retransmission counts a resend for reason.
func (m *Metrics) Retransmission(reason string) {
	if m == nil {
		return
	}
	m.retransmissions.WithLabelValues(reason).Inc()
}

// ObserveRPC records the duration of a finished call.
func (m *Metrics) ObserveRPC(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(status).Observe(d.Seconds())
}

// Handshake counts a finished auth key exchange.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// SetPending records the number of requests awaiting a result.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
