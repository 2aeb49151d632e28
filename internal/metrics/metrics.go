// Package metrics exposes prometheus collectors for HTTP traffic, logins,
// authorization denials and credit charges.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tollgate"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Charge outcomes.
const (
	OutcomeAllowed   = "allowed"
	OutcomeDenied    = "denied"
	OutcomeOverdraft = "overdraft"
	OutcomeReplayed  = "replayed"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpInFlight   prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	denials        *prometheus.CounterVec
	charges        *prometheus.CounterVec
	creditsCharged *prometheus.CounterVec
	rolledOver     prometheus.Counter
	archivedEvents prometheus.Counter
}

// New registers all collectors with reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers.",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses.",
		}, []string{"limiter"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_denials_total",
			Help:      "Requests refused by the request guard.",
		}, []string{"reason"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_charges_total",
			Help:      "Charge attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		creditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_credits_charged_total",
			Help:      "Credits debited from quota accounts.",
		}, []string{"event_type"}),
		rolledOver: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_accounts_rolled_over_total",
			Help:      "Quota accounts moved to a new period.",
		}),
		archivedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_archived_total",
			Help:      "Usage events written to the archive.",
		}),
	}

	reg.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.rateLimitHits,
		m.logins,
		m.denials,
		m.charges,
		m.creditsCharged,
		m.rolledOver,
		m.archivedEvents,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records count, latency and in-flight gauge per chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routePattern(r),
			"status": strconv.Itoa(status),
		}
		m.httpRequests.With(labels).Inc()
		m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps label cardinality bounded by using the matched pattern
// rather than the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (m *Metrics) RateLimited(limiter string) {
	m.rateLimitHits.WithLabelValues(limiter).Inc()
}

// ObserveLogin counts a login attempt; outcome is e.g. success, invalid or locked.
func (m *Metrics) ObserveLogin(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDenial(reason string) {
	m.denials.WithLabelValues(reason).Inc()
}

// ObserveCharge implements usage.Recorder.
func (m *Metrics) ObserveCharge(eventType string, v usage.Verdict) {
	outcome := OutcomeAllowed
	switch {
	case v.Replayed:
		outcome = OutcomeReplayed
	case !v.Allowed:
		outcome = OutcomeDenied
	case v.Overdraft:
		outcome = OutcomeOverdraft
	}
	m.charges.WithLabelValues(eventType, outcome).Inc()

	if v.Allowed && !v.Replayed {
		m.creditsCharged.WithLabelValues(eventType).Add(float64(v.CreditsCharged))
	}
}

func (m *Metrics) AccountsRolledOver(n int) {
	m.rolledOver.Add(float64(n))
}

func (m *Metrics) EventsArchived(n int) {
	m.archivedEvents.Add(float64(n))
}

var _ usage.Recorder = (*Metrics)(nil)
