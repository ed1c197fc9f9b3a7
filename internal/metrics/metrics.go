// Package metrics exposes resolver and API activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/resolver"
)

// Metrics holds the collectors on a private registry. It implements
// resolver.Observer.
type Metrics struct {
	registry *prometheus.Registry

	formulaEvaluations *prometheus.CounterVec
	formulaLatency     prometheus.Histogram
	resolutions        *prometheus.CounterVec
	requests           *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	storeConflicts     prometheus.Counter
}

var _ resolver.Observer = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		formulaEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcalc_formula_evaluations_total",
			Help: "Formula evaluations by outcome",
		}, []string{"outcome"}),
		formulaLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldcalc_formula_evaluation_seconds",
			Help:    "Formula evaluation latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.01},
		}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcalc_field_resolutions_total",
			Help: "Field resolutions by resulting state",
		}, []string{"state"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcalc_http_requests_total",
			Help: "API requests by route and status",
		}, []string{"route", "status"}),
		requestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldcalc_http_request_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		storeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldcalc_store_update_failures_total",
			Help: "Record updates that gave up after repeated write conflicts",
		}),
	}
}

// Evaluated records one formula evaluation.
func (m *Metrics) Evaluated(_ string, elapsed time.Duration, err error) {
	m.formulaLatency.Observe(elapsed.Seconds())
	m.formulaEvaluations.WithLabelValues(outcome(err)).Inc()
}

// Resolved records one field resolution.
func (m *Metrics) Resolved(state resolver.State) {
	m.resolutions.WithLabelValues(string(state)).Inc()
}

// Request records one API request.
func (m *Metrics) Request(route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// UpdateExhausted records a record update abandoned after conflicts.
func (m *Metrics) UpdateExhausted() {
	m.storeConflicts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	var ee *formula.EvalError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, formula.ErrRuntime):
		return "runtime_error"
	case errors.As(err, &ee):
		return "invalid_formula"
	default:
		return "error"
	}
}
