package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns engine events into Prometheus series.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	jobOutcomes     *prometheus.CounterVec
	streamRetries   prometheus.Counter
	liveContainers  prometheus.Gauge
	workspacesAlive prometheus.Gauge
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "augment_engine",
			Name:      "events_total",
			Help:      "Engine events by stage and type.",
		}, []string{"stage", "type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "augment_engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of completed engine stages.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "augment_engine",
			Name:      "jobs_total",
			Help:      "Finished jobs by outcome.",
		}, []string{"outcome"}),
		streamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "augment_engine",
			Name:      "stream_retries_total",
			Help:      "Retried prompt deliveries.",
		}),
		liveContainers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "augment_engine",
			Name:      "containers_live",
			Help:      "Execution containers currently spawned and not yet torn down.",
		}),
		workspacesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "augment_engine",
			Name:      "workspaces_live",
			Help:      "Workspaces currently provisioned.",
		}),
	}
	reg.MustRegister(m.events, m.stageDuration, m.jobOutcomes, m.streamRetries, m.liveContainers, m.workspacesAlive)
	return m
}

func (m *Metrics) Emit(e Event) {
	if e.Type == TypeSSE {
		return
	}
	m.events.WithLabelValues(e.Stage, e.Type).Inc()
	if e.Type == TypeCompleted && e.Duration > 0 {
		m.stageDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
	}
	switch {
	case e.Stage == StageStream && e.Type == TypeRetry:
		m.streamRetries.Inc()
	case e.Stage == StageSpawn && e.Type == TypeCompleted:
		m.liveContainers.Inc()
	case e.Stage == StageTeardown && e.Type == TypeCompleted:
		m.liveContainers.Dec()
	case e.Stage == StageWorkspace && e.Type == TypeCompleted:
		m.workspacesAlive.Inc()
	case e.Stage == StageWorkspace && e.Type == TypeState && e.Attrs["state"] == "removed":
		m.workspacesAlive.Dec()
	case e.Stage == StageJob && e.Type != TypeStarted:
		outcome := e.Type
		if v, ok := e.Attrs["outcome"].(string); ok && v != "" {
			outcome = v
		}
		m.jobOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
