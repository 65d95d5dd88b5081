package connection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
)

// Metrics is a point-in-time copy of the manager's counters.
type Metrics struct {
	Attempts            uint64        `json:"attempts"`
	SuccessfulConnects  uint64        `json:"successfulConnects"`
	MessagesSent        uint64        `json:"messagesSent"`
	MessagesReceived    uint64        `json:"messagesReceived"`
	Errors              uint64        `json:"errors"`
	DecodeErrors        uint64        `json:"decodeErrors"`
	UnknownMessages     uint64        `json:"unknownMessages"`
	BufferEvictions     uint64        `json:"bufferEvictions"`
	ReconnectsScheduled uint64        `json:"reconnectsScheduled"`
	LastConnected       time.Time     `json:"lastConnected"`
	SinceLastConnect    time.Duration `json:"sinceLastConnect"`
	LastPong            time.Time     `json:"lastPong"`
	LastError           string        `json:"lastError,omitempty"`
}

var allStates = []messages.ConnectionState{
	messages.StateDisconnected,
	messages.StateConnecting,
	messages.StateConnected,
	messages.StateFaulted,
}

// collectors mirrors the counters into Prometheus. Prometheus counters
// are monotonic, so ResetMetrics does not touch them.
type collectors struct {
	attempts          prometheus.Counter
	connects          prometheus.Counter
	sent              prometheus.Counter
	received          prometheus.Counter
	errors            *prometheus.CounterVec
	evictions         prometheus.Counter
	reconnects        prometheus.Counter
	state             *prometheus.GaugeVec
	reconnectAttempts prometheus.Gauge
	outbound          prometheus.Gauge
	lastConnect       prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_connection_attempts_total",
			Help: "Total sessions opened by connect.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_connection_opened_total",
			Help: "Total sessions that reached the connected state.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_messages_sent_total",
			Help: "Total commands written to the transport.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_messages_received_total",
			Help: "Total inbound frames decoded and published.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensordash_connection_errors_total",
			Help: "Total connection errors by kind.",
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_outbound_evictions_total",
			Help: "Total buffered commands evicted because the outbound buffer was full.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensordash_reconnects_scheduled_total",
			Help: "Total reconnect timers scheduled.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensordash_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensordash_reconnect_attempts",
			Help: "Consecutive reconnect attempts since the last successful open.",
		}),
		outbound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensordash_outbound_buffered",
			Help: "Commands waiting in the outbound buffer.",
		}),
		lastConnect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensordash_last_connect_timestamp_seconds",
			Help: "Unix time of the last successful open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.attempts, c.connects, c.sent, c.received, c.errors,
			c.evictions, c.reconnects, c.state, c.reconnectAttempts,
			c.outbound, c.lastConnect,
		)
	}
	c.setState(messages.StateDisconnected)
	return c
}

func (c *collectors) setState(s messages.ConnectionState) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(string(st)).Set(v)
	}
}

func (c *collectors) error(kind string) { c.errors.WithLabelValues(kind).Inc() }
