// Package metrics provides Prometheus metrics for the radiology portal.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ReportsCreated        prometheus.Counter
	ReportsUpdated        *prometheus.CounterVec
	ScoringFallbacks      prometheus.Counter
	ChatQuestions         *prometheus.CounterVec
	Exports               *prometheus.CounterVec
	TokenLookupsRejected  prometheus.Counter
	DependencyDuration    *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	registry prometheus.Gatherer
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates all metrics on the given registerer. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		ReportsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_created_total",
			Help: "Total reports created",
		}),
		ReportsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_updated_total",
			Help: "Total report narrative mutations",
		}, []string{"kind"}),
		ScoringFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "report_scoring_fallbacks_total",
			Help: "Reports created with a placeholder draft because scoring failed",
		}),
		ChatQuestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_questions_total",
			Help: "Total chat questions answered",
		}, []string{"outcome"}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_exports_total",
			Help: "Total report exports",
		}, []string{"format", "outcome"}),
		TokenLookupsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "public_token_lookups_rejected_total",
			Help: "Public requests whose token resolved to nothing",
		}),
		DependencyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dependency_call_duration_seconds",
			Help:    "External capability call duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"dependency"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		registry: gatherer,
	}

	reg.MustRegister(
		m.ReportsCreated,
		m.ReportsUpdated,
		m.ScoringFallbacks,
		m.ChatQuestions,
		m.Exports,
		m.TokenLookupsRejected,
		m.DependencyDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were created on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReportCreated(degraded bool) {
	if m == nil {
		return
	}
	m.ReportsCreated.Inc()
	if degraded {
		m.ScoringFallbacks.Inc()
	}
}

func (m *Metrics) ReportUpdated(finalize bool) {
	if m == nil {
		return
	}
	kind := "update"
	if finalize {
		kind = "finalize"
	}
	m.ReportsUpdated.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChatAnswered(fallback bool) {
	if m == nil {
		return
	}
	outcome := "answered"
	if fallback {
		outcome = "fallback"
	}
	m.ChatQuestions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Exported(format string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Exports.WithLabelValues(format, outcome).Inc()
}

func (m *Metrics) TokenRejected() {
	if m == nil {
		return
	}
	m.TokenLookupsRejected.Inc()
}

// ObserveDependency records how long a call to an external capability took.
func (m *Metrics) ObserveDependency(name string, started time.Time) {
	if m == nil {
		return
	}
	m.DependencyDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
}

func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState publishes a breaker state as 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
