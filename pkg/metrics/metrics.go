package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all dispatch metrics
type Metrics struct {
	// Poller metrics
	PollerTicks      *prometheus.CounterVec
	LockAcquisitions *prometheus.CounterVec
	TickLatency      prometheus.Histogram
	PendingBatches   prometheus.Gauge

	// Batch metrics
	BatchesProcessed prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchesAbandoned prometheus.Counter
	BatchRetries     prometheus.Counter
	BatchLatency     prometheus.Histogram

	// Delivery metrics
	MailsDelivered *prometheus.CounterVec
	EventsRecorded *prometheus.CounterVec

	// Campaign metrics
	CampaignTransitions *prometheus.CounterVec

	// Worker metrics
	ConsumedMessages *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec

	// KV store metrics
	KVOperations *prometheus.CounterVec
	KVLatency    *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

type opts struct {
	namespace string
	subsystem string
}

func (o opts) counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: o.namespace, Subsystem: o.subsystem, Name: name, Help: help}
}

func (o opts) histogram(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: o.namespace, Subsystem: o.subsystem, Name: name, Help: help, Buckets: buckets}
}

func (o opts) gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: o.namespace, Subsystem: o.subsystem, Name: name, Help: help}
}

var (
	tickBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	kvBuckets   = []float64{.001, .005, .01, .025, .05, .1, .25, .5}
)

func build(o opts, factory promauto.Factory) *Metrics {
	return &Metrics{
		PollerTicks: factory.NewCounterVec(
			o.counter("poller_ticks_total", "Poller ticks by outcome"), []string{"result"}),
		LockAcquisitions: factory.NewCounterVec(
			o.counter("lock_acquisitions_total", "Queue lock acquisition attempts by result"), []string{"result"}),
		TickLatency: factory.NewHistogram(
			o.histogram("tick_duration_seconds", "Time spent in one poller tick while holding the lock", tickBuckets)),
		PendingBatches: factory.NewGauge(
			o.gauge("pending_batches", "Pending batch work items seen by the last tick")),

		BatchesProcessed: factory.NewCounter(
			o.counter("batches_processed_total", "Batches delivered and removed from the queue")),
		BatchesFailed: factory.NewCounter(
			o.counter("batches_failed_total", "Batch processing attempts that failed at the batch boundary")),
		BatchesAbandoned: factory.NewCounter(
			o.counter("batches_abandoned_total", "Batches dropped after exhausting retries")),
		BatchRetries: factory.NewCounter(
			o.counter("batch_retries_total", "Batches left in place for another attempt")),
		BatchLatency: factory.NewHistogram(
			o.histogram("batch_duration_seconds", "Time spent executing one batch", tickBuckets)),

		MailsDelivered: factory.NewCounterVec(
			o.counter("mails_total", "Per-recipient delivery outcomes"), []string{"outcome"}),
		EventsRecorded: factory.NewCounterVec(
			o.counter("mail_events_recorded_total", "Mail events appended by type"), []string{"type"}),

		CampaignTransitions: factory.NewCounterVec(
			o.counter("campaign_transitions_total", "Campaign status transitions"), []string{"from", "to"}),

		ConsumedMessages: factory.NewCounterVec(
			o.counter("bus_messages_consumed_total", "Delivery events consumed from the broker by result"), []string{"result"}),
		SchedulerRuns: factory.NewCounterVec(
			o.counter("scheduler_runs_total", "Scheduled job runs by job and result"), []string{"job", "result"}),

		KVOperations: factory.NewCounterVec(
			o.counter("kv_operations_total", "Total number of KV store operations"), []string{"operation", "status"}),
		KVLatency: factory.NewHistogramVec(
			o.histogram("kv_operation_duration_seconds", "Duration of KV store operations", kvBuckets), []string{"operation"}),

		HTTPRequests: factory.NewCounterVec(
			o.counter("http_requests_total", "HTTP requests by method, route and status"), []string{"method", "path", "status"}),
		HTTPLatency: factory.NewHistogramVec(
			o.histogram("http_request_duration_seconds", "HTTP request latency by method and route", prometheus.DefBuckets), []string{"method", "path"}),
	}
}

// NewMetrics creates and registers all metrics with the default registry
func NewMetrics(namespace, subsystem string) *Metrics {
	return build(opts{namespace: namespace, subsystem: subsystem}, promauto.With(prometheus.DefaultRegisterer))
}

// New builds unregistered collectors, for tests and for callers that bring their own registry.
func New(namespace string) *Metrics {
	return build(opts{namespace: namespace}, promauto.With(nil))
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PollerTicks, m.LockAcquisitions, m.TickLatency, m.PendingBatches,
		m.BatchesProcessed, m.BatchesFailed, m.BatchesAbandoned, m.BatchRetries, m.BatchLatency,
		m.MailsDelivered, m.EventsRecorded, m.CampaignTransitions,
		m.ConsumedMessages, m.SchedulerRuns,
		m.KVOperations, m.KVLatency,
		m.HTTPRequests, m.HTTPLatency,
	}
}
