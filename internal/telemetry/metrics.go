package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgeline/internal/events"
)

// Metrics holds the orchestrator counters on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	Advances      *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Proofs        *prometheus.CounterVec
	WatchdogFires *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Advances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeline",
			Name:      "advances_total",
			Help:      "Run advances by resulting state and attempt status.",
		}, []string{"state", "status"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeline",
			Name:      "events_total",
			Help:      "Events emitted on the bus by kind.",
		}, []string{"kind"}),
		Proofs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeline",
			Name:      "proofs_total",
			Help:      "Proofs written by kind.",
		}, []string{"kind"}),
		WatchdogFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeline",
			Name:      "watchdog_fires_total",
			Help:      "Automatic decisions attempted by the stall watchdog.",
		}, []string{"result"}),
	}
}

// ObserveBus counts every event, and every proof through its proof-created
// event. The returned func unsubscribes.
func (m *Metrics) ObserveBus(bus *events.Bus) func() {
	return bus.Subscribe(events.Filter{}, func(e events.Event) {
		m.Events.WithLabelValues(string(e.Kind)).Inc()
		if e.Kind == events.KindProofCreated {
			if kind, ok := e.Data["kind"].(string); ok {
				m.Proofs.WithLabelValues(kind).Inc()
			}
		}
	})
}

// ObserveAdvance records one non-noop advance.
func (m *Metrics) ObserveAdvance(state, status string) {
	m.Advances.WithLabelValues(state, status).Inc()
}

// ObserveWatchdogFire matches watchdog.Options.OnFire.
func (m *Metrics) ObserveWatchdogFire(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WatchdogFires.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
