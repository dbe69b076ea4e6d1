// Package metrics provides Prometheus metrics for the processing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scribber"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stage job metrics
	JobsStarted   *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	JobDuration   *prometheus.HistogramVec
	JobsRejected  *prometheus.CounterVec
	InvariantHits prometheus.Counter

	// Provider metrics
	ProviderLatency *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec

	// Status channel metrics
	SubscribersActive  prometheus.Gauge
	SubscribersDropped *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec

	// Export metrics
	ExportJobs *prometheus.CounterVec

	// Worker pool metrics
	QueueDepth prometheus.Gauge

	// Event sink metrics
	SinkPublishTotal   *prometheus.CounterVec
	SinkPublishErrors  *prometheus.CounterVec
	SinkPublishLatency prometheus.Histogram
}

// DefaultMetrics is the process-wide metrics instance.
var DefaultMetrics = New(prometheus.DefaultRegisterer)

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_jobs_started_total",
			Help:      "Total number of stage jobs accepted",
		}, []string{"kind", "provider"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_jobs_finished_total",
			Help:      "Total number of stage jobs that reached a terminal state",
		}, []string{"kind", "outcome", "category"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_jobs_active",
			Help:      "Number of stage jobs currently in flight",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_job_duration_seconds",
			Help:      "Wall time of stage jobs from acceptance to terminal state",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		JobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_jobs_rejected_total",
			Help:      "Total number of startStage calls rejected synchronously",
		}, []string{"reason"}),
		InvariantHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Times a single-writer invariant was observed broken",
		}),

		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of provider adapter calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		}, []string{"provider", "kind"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider adapter failures by normalized category",
		}, []string{"provider", "category"}),

		SubscribersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_subscribers_active",
			Help:      "Number of live status subscriptions",
		}),
		SubscribersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_subscribers_dropped_total",
			Help:      "Subscriptions terminated by the server",
		}, []string{"reason"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_published_total",
			Help:      "Status events published on the status channel",
		}, []string{"type"}),

		ExportJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_jobs_total",
			Help:      "Export jobs by terminal outcome",
		}, []string{"destination", "outcome"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks waiting for a worker",
		}),

		SinkPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_publish_total",
			Help:      "Status events written to the external event sink",
		}, []string{"topic"}),
		SinkPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_publish_errors_total",
			Help:      "Status events the external sink failed or refused to write",
		}, []string{"topic", "reason"}),
		SinkPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_sink_publish_latency_seconds",
			Help:      "External event sink write latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// RecordJobStart records an accepted stage job.
func (m *Metrics) RecordJobStart(kind, provider string) {
	m.JobsStarted.WithLabelValues(kind, provider).Inc()
	m.JobsActive.Inc()
}

// RecordJobEnd records a stage job reaching a terminal state.
func (m *Metrics) RecordJobEnd(kind, outcome, category string, durationSeconds float64) {
	m.JobsActive.Dec()
	m.JobsFinished.WithLabelValues(kind, outcome, category).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordRejected records a synchronously rejected startStage call.
func (m *Metrics) RecordRejected(reason string) {
	m.JobsRejected.WithLabelValues(reason).Inc()
}

// RecordInvariantViolation records a broken single-writer invariant.
func (m *Metrics) RecordInvariantViolation() {
	m.InvariantHits.Inc()
}

// RecordProviderCall records a provider adapter call.
func (m *Metrics) RecordProviderCall(provider, kind, category string, latencySeconds float64) {
	m.ProviderLatency.WithLabelValues(provider, kind).Observe(latencySeconds)
	if category != "" {
		m.ProviderErrors.WithLabelValues(provider, category).Inc()
	}
}

// RecordSubscribe records a new live subscription.
func (m *Metrics) RecordSubscribe() {
	m.SubscribersActive.Inc()
}

// RecordUnsubscribe records a subscription ending. reason is empty for
// client-initiated ends.
func (m *Metrics) RecordUnsubscribe(reason string) {
	m.SubscribersActive.Dec()
	if reason != "" {
		m.SubscribersDropped.WithLabelValues(reason).Inc()
	}
}

// RecordEvent records a published status event.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordExport records an export job reaching a terminal state.
func (m *Metrics) RecordExport(destination, outcome string) {
	m.ExportJobs.WithLabelValues(destination, outcome).Inc()
}

// RecordSinkPublish records an external event sink write.
func (m *Metrics) RecordSinkPublish(topic string, err error, latencySeconds float64) {
	m.SinkPublishTotal.WithLabelValues(topic).Inc()
	m.SinkPublishLatency.Observe(latencySeconds)
	if err != nil {
		m.SinkPublishErrors.WithLabelValues(topic, "write").Inc()
	}
}

// RecordSinkDrop records an event the sink refused because its queue was full.
func (m *Metrics) RecordSinkDrop(topic string) {
	m.SinkPublishErrors.WithLabelValues(topic, "queue_full").Inc()
}
