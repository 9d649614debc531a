package wsoc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "wsoc"
	metricsSubsystem = "container"
)

// Metrics holds the container's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	handshakes    *prometheus.CounterVec
	sessionsOpen  prometheus.Gauge
	sessionsTotal prometheus.Counter
	closes        *prometheus.CounterVec
	received      *prometheus.CounterVec
	sent          *prometheus.CounterVec
	sendTimeouts  prometheus.Counter
	errors        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registerer yields
// nil metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handshakes_total",
			Help:      "Upgrade requests handled, by response status.",
		}, []string{"status"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_open",
			Help:      "Sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Sessions opened since start.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "session_closes_total",
			Help:      "Closed sessions, by close code.",
		}, []string{"code"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_received_total",
			Help:      "Inbound messages, by frame type.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_sent_total",
			Help:      "Outbound frames, by frame type.",
		}, []string{"type"}),
		sendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "send_timeouts_total",
			Help:      "Async sends that failed with a timeout.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "session_errors_total",
			Help:      "Errors reported on sessions, by whether an error listener handled them.",
		}, []string{"handled"}),
	}
	for _, c := range []prometheus.Collector{
		m.handshakes, m.sessionsOpen, m.sessionsTotal, m.closes,
		m.received, m.sent, m.sendTimeouts, m.errors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) handshake(status int) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) sessionClosed(code int) {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
	m.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) messageReceived(messageType int) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(frameName(messageType)).Inc()
}

func (m *Metrics) frameSent(messageType int) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(frameName(messageType)).Inc()
}

func (m *Metrics) sendTimeout() {
	if m == nil {
		return
	}
	m.sendTimeouts.Inc()
}

func (m *Metrics) sessionError(handled bool) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(strconv.FormatBool(handled)).Inc()
}
