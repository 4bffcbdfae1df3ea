// Package metrics defines the Prometheus collectors exported by the
// streaming core. Every method is safe on a nil *Metrics, so components
// can run without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trainpulse"

// Metrics groups the collectors for one process.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	protocolErrors    prometheus.Counter
	handlerPanics     *prometheus.CounterVec
	dispatchFlushes   *prometheus.CounterVec
	dispatchDropped   prometheus.Counter
	epochsCompleted   prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	epochDuration     prometheus.Histogram
	connectedClients  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the connection's current state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after an unexpected close.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Decoded inbound frames by event type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Outbound frames by result (sent, dropped, failed).",
		}, []string{"result"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "protocol_errors_total",
			Help:      "Malformed inbound frames that were dropped.",
		}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked, by event type.",
		}, []string{"type"}),
		dispatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "flushes_total",
			Help:      "Throttled batch deliveries by trigger (timer, size, close).",
		}, []string{"trigger"}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Buffered items discarded because the batch cap was exceeded.",
		}),
		epochsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epochs_total",
			Help:      "Epochs recorded across all jobs.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epoch_duration_seconds",
			Help:      "Wall-clock time of one epoch compute step.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connected_clients",
			Help:      "Push clients attached to the development server.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.reconnectAttempts,
			m.framesReceived,
			m.framesSent,
			m.protocolErrors,
			m.handlerPanics,
			m.dispatchFlushes,
			m.dispatchDropped,
			m.epochsCompleted,
			m.jobsFinished,
			m.epochDuration,
			m.connectedClients,
		)
	}
	return m
}

// ConnectionStates lists the label values SetConnectionState toggles.
var ConnectionStates = []string{"disconnected", "connecting", "connected", "error"}

func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) FrameReceived(eventType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(eventType).Inc()
}

// FrameSent records an outbound frame with result "sent", "dropped" or
// "failed".
func (m *Metrics) FrameSent(result string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(result).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) HandlerPanic(eventType string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DispatchFlush(trigger string) {
	if m == nil {
		return
	}
	m.dispatchFlushes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) DispatchDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dispatchDropped.Add(float64(n))
}

func (m *Metrics) EpochCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.epochsCompleted.Inc()
	m.epochDuration.Observe(seconds)
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}
