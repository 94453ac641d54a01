package nt4client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	valuesReceived prometheus.Counter
	topicEvents    *prometheus.CounterVec
	reconnects     prometheus.Counter
	decodeErrors   *prometheus.CounterVec
	rttSeconds     prometheus.Gauge
	connected      prometheus.Gauge
}

// NewMetrics creates the client collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "frames_received_total",
			Help:      "WebSocket frames received from the NT4 server",
		}, []string{"kind"}),
		valuesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "values_received_total",
			Help:      "Topic values delivered to handlers",
		}),
		topicEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "topic_events_total",
			Help:      "Topic announce and unannounce messages",
		}, []string{"method"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "reconnect_attempts_total",
			Help:      "Failed dial attempts followed by a retry",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "decode_errors_total",
			Help:      "Frames or values dropped because they could not be decoded",
		}, []string{"reason"}),
		rttSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "rtt_seconds",
			Help:      "Round trip time measured by the last time sync",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peninsula",
			Subsystem: "nt4client",
			Name:      "connected",
			Help:      "1 while a server connection is open",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.framesReceived, m.valuesReceived, m.topicEvents, m.reconnects,
		m.decodeErrors, m.rttSeconds, m.connected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frame(kind string) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) value() {
	if m != nil {
		m.valuesReceived.Inc()
	}
}

func (m *Metrics) topicEvent(method string) {
	if m != nil {
		m.topicEvents.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) decodeError(reason string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) rtt(micros int64) {
	if m != nil {
		m.rttSeconds.Set(float64(micros) / 1e6)
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
