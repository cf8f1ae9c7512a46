package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks relay and connection statistics. It feeds Prometheus
// and keeps a JSON-friendly copy for the status endpoint.
type RelayMetrics struct {
	mu sync.RWMutex

	links map[string]*LinkMetrics
	relay RelayCounters

	// Prometheus collectors
	relayedTotal       prometheus.Counter
	failuresTotal      *prometheus.CounterVec
	hiccupsTotal       prometheus.Counter
	heartbeatsTotal    prometheus.Counter
	relayDuration      prometheus.Histogram
	connectionUp       *prometheus.GaugeVec
	outagesTotal       *prometheus.CounterVec
	outageSeconds      *prometheus.HistogramVec
	cancellationsTotal prometheus.Counter

	registerer prometheus.Registerer
	registered bool
	now        func() time.Time
}

// RelayCounters are the pipeline totals since start.
type RelayCounters struct {
	Relayed         uint64    `json:"relayed"`
	ForwardFailures uint64    `json:"forward_failures"`
	AckFailures     uint64    `json:"ack_failures"`
	Hiccups         uint64    `json:"hiccups"`
	Heartbeats      uint64    `json:"heartbeats"`
	LastRelayedAt   time.Time `json:"last_relayed_at,omitempty"`
}

// LinkMetrics holds connection statistics for one broker link.
type LinkMetrics struct {
	Up            bool          `json:"up"`
	Outages       uint64        `json:"outages"`
	Cancellations uint64        `json:"cancellations"`
	LastOutage    time.Duration `json:"last_outage_ns"`
	LastChangeAt  time.Time     `json:"last_change_at,omitempty"`
}

// RelayMetricsSnapshot provides a point-in-time view of the relay metrics.
type RelayMetricsSnapshot struct {
	Relay       RelayCounters           `json:"relay"`
	Links       map[string]*LinkMetrics `json:"links"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newRelayCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amqp2nats",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newRelayCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqp2nats",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewRelayMetrics creates a metrics collector. A nil registerer uses the
// Prometheus default registerer.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RelayMetrics{
		links:           make(map[string]*LinkMetrics),
		registerer:      registerer,
		now:             time.Now,
		relayedTotal:    newRelayCounter("relay", "messages_total", "Total number of messages acknowledged and forwarded"),
		failuresTotal:   newRelayCounterVec("relay", "failures_total", "Total number of relay failures by pipeline stage", []string{"stage"}),
		hiccupsTotal:    newRelayCounter("relay", "hiccups_total", "Total number of deliveries slower than the hiccup threshold"),
		heartbeatsTotal: newRelayCounter("relay", "heartbeats_total", "Total number of liveness heartbeats"),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amqp2nats",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time spent acknowledging and forwarding one delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		connectionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "amqp2nats",
			Subsystem: "link",
			Name:      "up",
			Help:      "Whether the broker link is connected (1) or not (0)",
		}, []string{"link"}),
		outagesTotal: newRelayCounterVec("link", "outages_total", "Total number of recovered connection losses", []string{"link"}),
		outageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amqp2nats",
			Subsystem: "link",
			Name:      "outage_seconds",
			Help:      "Duration of recovered connection losses",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"link"}),
		cancellationsTotal: newRelayCounter("link", "consumer_cancellations_total", "Total number of consumer cancellations by the queue broker"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.relayedTotal,
		m.failuresTotal,
		m.hiccupsTotal,
		m.heartbeatsTotal,
		m.relayDuration,
		m.connectionUp,
		m.outagesTotal,
		m.outageSeconds,
		m.cancellationsTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Hooks returns relay hooks that record into m.
func (m *RelayMetrics) Hooks() RelayHooks {
	return RelayHooks{
		OnRelayDone:  m.recordRelayed,
		OnRelayError: m.recordFailure,
		OnHiccup:     m.recordHiccup,
		OnHeartbeat:  m.recordHeartbeat,
	}
}

func (m *RelayMetrics) recordRelayed(ctx RelayContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relay.Relayed++
	m.relay.LastRelayedAt = ctx.StartedAt.Add(ctx.Duration)
	m.relayedTotal.Inc()
	m.relayDuration.Observe(ctx.Duration.Seconds())
}

func (m *RelayMetrics) recordFailure(ctx RelayContext, err error) {
	stage := StageForward
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		stage = relayErr.Stage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if stage == StageAck {
		m.relay.AckFailures++
	} else {
		m.relay.ForwardFailures++
	}
	m.failuresTotal.WithLabelValues(string(stage)).Inc()
	m.relayDuration.Observe(ctx.Duration.Seconds())
}

func (m *RelayMetrics) recordHiccup(RelayContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relay.Hiccups++
	m.hiccupsTotal.Inc()
}

func (m *RelayMetrics) recordHeartbeat(time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relay.Heartbeats++
	m.heartbeatsTotal.Inc()
}

// LinkDown implements lifecycle.Listener.
func (m *RelayMetrics) LinkDown(link string, cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateLinkMetrics(link)
	metrics.Up = false
	metrics.LastChangeAt = m.now()
	if cancelled {
		metrics.Cancellations++
		m.cancellationsTotal.Inc()
	}
	m.connectionUp.WithLabelValues(link).Set(0)
}

// LinkUp implements lifecycle.Listener. Only recovered losses count as
// outages; the first connect merely flips the gauge.
func (m *RelayMetrics) LinkUp(link string, outage time.Duration, recovered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateLinkMetrics(link)
	metrics.Up = true
	metrics.LastChangeAt = m.now()
	if recovered {
		metrics.Outages++
		metrics.LastOutage = outage
		m.outagesTotal.WithLabelValues(link).Inc()
		m.outageSeconds.WithLabelValues(link).Observe(outage.Seconds())
	}
	m.connectionUp.WithLabelValues(link).Set(1)
}

// Snapshot returns a point-in-time copy of all counters.
func (m *RelayMetrics) Snapshot() RelayMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := RelayMetricsSnapshot{
		Relay:       m.relay,
		Links:       make(map[string]*LinkMetrics, len(m.links)),
		CollectedAt: m.now(),
	}
	for link, metrics := range m.links {
		metricsCopy := *metrics
		snapshot.Links[link] = &metricsCopy
	}
	return snapshot
}

func (m *RelayMetrics) getOrCreateLinkMetrics(link string) *LinkMetrics {
	if metrics, ok := m.links[link]; ok {
		return metrics
	}
	metrics := &LinkMetrics{}
	m.links[link] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *RelayMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links = make(map[string]*LinkMetrics)
	m.relay = RelayCounters{}
	m.failuresTotal.Reset()
	m.connectionUp.Reset()
	m.outagesTotal.Reset()
	m.outageSeconds.Reset()
}
