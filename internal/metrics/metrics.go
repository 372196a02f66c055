package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the service's collectors. A nil *Registry is valid and
// records nothing, so components can be built without metrics in tests.
type Registry struct {
	registry           *prometheus.Registry
	allocationsTotal   *prometheus.CounterVec
	verifyAttempts     *prometheus.CounterVec
	chainCallsTotal    *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	reviewQueueDepth   prometheus.Gauge
	eventsPublishTotal *prometheus.CounterVec
}

func New() *Registry {
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltsettle_allocations_total",
		Help: "Allocation requests by outcome",
	}, []string{"status"})

	verify := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltsettle_deposit_verify_attempts_total",
		Help: "Mirror node polls made while verifying deposits",
	}, []string{"result"})

	chain := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltsettle_chain_calls_total",
		Help: "Escrow contract submissions by method and outcome",
	}, []string{"method", "status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltsettle_settlements_total",
		Help: "Matured investments processed by the settlement sweep",
	}, []string{"status"})

	sweep := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voltsettle_sweep_duration_seconds",
		Help:    "Wall time of a settlement sweep",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	review := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voltsettle_review_queue_depth",
		Help: "Items flagged for manual review",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltsettle_events_published_total",
		Help: "Audit events handed to the sink",
	}, []string{"type", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(allocations, verify, chain, settlements, sweep, review, events)

	return &Registry{
		registry:           r,
		allocationsTotal:   allocations,
		verifyAttempts:     verify,
		chainCallsTotal:    chain,
		settlementsTotal:   settlements,
		sweepDuration:      sweep,
		reviewQueueDepth:   review,
		eventsPublishTotal: events,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncAllocation(status string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncVerifyAttempt(result string) {
	if m == nil {
		return
	}
	m.verifyAttempts.WithLabelValues(result).Inc()
}

func (m *Registry) IncChainCall(method, status string) {
	if m == nil {
		return
	}
	m.chainCallsTotal.WithLabelValues(method, status).Inc()
}

func (m *Registry) IncSettlement(status string) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Registry) SetReviewDepth(depth int) {
	if m == nil {
		return
	}
	m.reviewQueueDepth.Set(float64(depth))
}

func (m *Registry) IncEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.eventsPublishTotal.WithLabelValues(eventType, status).Inc()
}
