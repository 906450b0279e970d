// Package metrics holds runrelay's Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	polls          *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	requeues       *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	consumerEvents *prometheus.CounterVec
	dropped        prometheus.Counter
	deadLettered   prometheus.Counter
	activePollers  prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	rateRemaining  prometheus.Gauge
}

// New registers all collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "polls_total",
			Help: "Status source poll cycles by result.",
		}, []string{"result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "publishes_total",
			Help: "Notification publishes by kind (create, update, error).",
		}, []string{"kind"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "requeues_total",
			Help: "Work items sent back to the queue on drain, by result.",
		}, []string{"result"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "pollers_finished_total",
			Help: "Pollers that stopped, by outcome.",
		}, []string{"outcome"}),
		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "consumer_events_total",
			Help: "Consumer lifecycle events by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "invalid_work_items_total",
			Help: "Work items dropped because their payload failed validation.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runrelay", Name: "dead_lettered_total",
			Help: "Queue messages moved to dead letters.",
		}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runrelay", Name: "active_pollers",
			Help: "Pollers currently running.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runrelay", Name: "queue_depth",
			Help: "Queue messages by state (visible, in_flight).",
		}, []string{"state"}),
		rateRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runrelay", Name: "status_rate_remaining",
			Help: "Lowest remaining status source quota seen, -1 if unknown.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.publishes, m.requeues, m.runsFinished, m.consumerEvents,
		m.dropped, m.deadLettered, m.activePollers, m.queueDepth, m.rateRemaining,
	)
	m.rateRemaining.Set(-1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Poll(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.polls.WithLabelValues("ok").Inc()
		return
	}
	m.polls.WithLabelValues("error").Inc()
}

// Publish counts a publish of kind "create", "update" or "error".
func (m *Metrics) Publish(kind string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(kind).Inc()
}

func (m *Metrics) Requeue(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.requeues.WithLabelValues("ok").Inc()
		return
	}
	m.requeues.WithLabelValues("error").Inc()
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

func (m *Metrics) PollerStopped(outcome string) {
	if m == nil {
		return
	}
	m.activePollers.Dec()
	m.runsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConsumerEvent(eventType string) {
	if m == nil {
		return
	}
	m.consumerEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) InvalidWorkItem() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) DeadLettered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deadLettered.Add(float64(n))
}

func (m *Metrics) QueueDepth(visible, inFlight int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("visible").Set(float64(visible))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

func (m *Metrics) RateRemaining(n int) {
	if m == nil {
		return
	}
	m.rateRemaining.Set(float64(n))
}
