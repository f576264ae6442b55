// Package metrics provides Prometheus metrics for medication administration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesRecorded            *prometheus.CounterVec
	Rejections               *prometheus.CounterVec
	ScheduleEntriesGenerated prometheus.Counter
	ScheduleGenerationErrors prometheus.Counter
	ScheduleDuration         prometheus.Histogram
	EventsConsumed           *prometheus.CounterVec
	ConsumerLag              *prometheus.GaugeVec
	OutboxPending            prometheus.Gauge
	CircuitBreakerState      *prometheus.GaugeVec
	HTTPRequests             *prometheus.CounterVec
	HTTPDuration             *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them on reg. A nil reg uses a fresh
// registry with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		DosesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medadmin_doses_recorded_total",
			Help: "Administrations recorded, by outcome",
		}, []string{"outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medadmin_administration_rejected_total",
			Help: "Administration attempts rejected, by reason",
		}, []string{"reason"}),
		ScheduleEntriesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medadmin_schedule_entries_generated_total",
			Help: "Schedule entries inserted by generation runs",
		}),
		ScheduleGenerationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medadmin_schedule_generation_errors_total",
			Help: "Prescriptions skipped by generation runs",
		}),
		ScheduleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medadmin_schedule_generation_duration_seconds",
			Help:    "Schedule generation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medadmin_events_consumed_total",
			Help: "Broker events handled, by topic and result",
		}, []string{"topic", "result"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medadmin_consumer_group_lag",
			Help: "Records a consumer group has yet to read, by topic",
		}, []string{"group", "topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medadmin_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medadmin_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medadmin_http_requests_total",
			Help: "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medadmin_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.DosesRecorded,
		m.Rejections,
		m.ScheduleEntriesGenerated,
		m.ScheduleGenerationErrors,
		m.ScheduleDuration,
		m.EventsConsumed,
		m.ConsumerLag,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// DoseRecorded counts a successful administration
func (m *Metrics) DoseRecorded(outcome string) {
	m.DosesRecorded.WithLabelValues(outcome).Inc()
}

// AdministrationRejected counts a refused administration
func (m *Metrics) AdministrationRejected(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// ScheduleGenerated records one generation run
func (m *Metrics) ScheduleGenerated(inserted, failures int, elapsed time.Duration) {
	m.ScheduleEntriesGenerated.Add(float64(inserted))
	m.ScheduleGenerationErrors.Add(float64(failures))
	m.ScheduleDuration.Observe(elapsed.Seconds())
}

// EventConsumed counts a handled broker event
func (m *Metrics) EventConsumed(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsConsumed.WithLabelValues(topic, result).Inc()
}

// SetConsumerLag sets the lag gauge for a group and topic
func (m *Metrics) SetConsumerLag(group, topic string, lag int64) {
	m.ConsumerLag.WithLabelValues(group, topic).Set(float64(lag))
}

// SetOutboxPending sets the pending outbox gauge
func (m *Metrics) SetOutboxPending(n int64) {
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState sets the gauge for a circuit breaker
func (m *Metrics) SetBreakerState(name string, value float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(value)
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
