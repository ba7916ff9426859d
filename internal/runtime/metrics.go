package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks upstream connection and fan-out statistics. All record
// methods are nil-safe so call sites stay clean when metrics are disabled.
type RelayMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	opensTotal          prometheus.Counter
	reconnectsTotal     prometheus.Counter
	failuresTotal       prometheus.Counter
	eventsTotal         *prometheus.CounterVec
	framesDroppedTotal  prometheus.Counter
	callbackPanicsTotal prometheus.Counter
	connectionsCurrent  prometheus.Gauge
	consumersCurrent    prometheus.Gauge
}

func newRelayCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "stream",
		Name:      name,
		Help:      help,
	})
}

func newRelayGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "stream",
		Name:      name,
		Help:      help,
	})
}

// NewRelayMetrics creates a new metrics collector. A nil registerer falls
// back to the Prometheus default.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RelayMetrics{
		registerer:      registerer,
		opensTotal:      newRelayCounter("opens_total", "Total number of upstream connection attempts"),
		reconnectsTotal: newRelayCounter("reconnects_total", "Total number of reconnection attempts scheduled after a drop"),
		failuresTotal:   newRelayCounter("failures_total", "Total number of terminal upstream failures (attempt cap exceeded)"),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total number of events fanned out, by event type",
		}, []string{"type"}),
		framesDroppedTotal:  newRelayCounter("frames_dropped_total", "Total number of frames dropped as malformed or unknown"),
		callbackPanicsTotal: newRelayCounter("callback_panics_total", "Total number of consumer callbacks that panicked during fan-out"),
		connectionsCurrent:  newRelayGauge("connections_current", "Current number of live upstream connections"),
		consumersCurrent:    newRelayGauge("consumers_current", "Current number of attached consumers"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.opensTotal,
		m.reconnectsTotal,
		m.failuresTotal,
		m.eventsTotal,
		m.framesDroppedTotal,
		m.callbackPanicsTotal,
		m.connectionsCurrent,
		m.consumersCurrent,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *RelayMetrics) recordOpen() {
	if m == nil {
		return
	}
	m.opensTotal.Inc()
}

func (m *RelayMetrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *RelayMetrics) recordFailure() {
	if m == nil {
		return
	}
	m.failuresTotal.Inc()
}

func (m *RelayMetrics) recordEvent(t EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

func (m *RelayMetrics) recordDroppedFrame() {
	if m == nil {
		return
	}
	m.framesDroppedTotal.Inc()
}

func (m *RelayMetrics) recordCallbackPanic() {
	if m == nil {
		return
	}
	m.callbackPanicsTotal.Inc()
}

func (m *RelayMetrics) connectionUp() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Inc()
}

func (m *RelayMetrics) connectionDown() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Dec()
}

func (m *RelayMetrics) consumerAttached() {
	if m == nil {
		return
	}
	m.consumersCurrent.Inc()
}

func (m *RelayMetrics) consumerDetached() {
	if m == nil {
		return
	}
	m.consumersCurrent.Dec()
}
