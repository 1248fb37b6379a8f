package mailguard

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_verdicts_total",
			Help: "Classification verdicts. Source is the model that answered, or preflight/exhausted for fail-open.",
		},
		[]string{"verdict", "source"},
	)
	metricEndpointAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_classifier_endpoint_attempts_total",
			Help: "Classifier endpoint calls by result: ok, unavailable, malformed, error.",
		},
		[]string{"model", "result"},
	)
	metricDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_decisions_total",
			Help: "Terminal message states: accepted, blocked, tempfail.",
		},
		[]string{"status"},
	)
	metricDecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailguard_decision_duration_seconds",
			Help:    "Time from complete DATA to decision.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
	metricRelay = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_relay_total",
			Help: "Forwarding attempts to the downstream sink by result.",
		},
		[]string{"result"},
	)
	metricStoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailguard_store_errors_total",
			Help: "Blocked-message records that could not be persisted.",
		},
	)
)

func recordVerdict(v Verdict, source string) {
	metricVerdicts.WithLabelValues(v.String(), source).Inc()
}

func recordAttempt(model string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrEndpointUnavailable):
		result = "unavailable"
	case errors.Is(err, ErrMalformedResponse):
		result = "malformed"
	default:
		result = "error"
	}
	metricEndpointAttempts.WithLabelValues(model, result).Inc()
}
