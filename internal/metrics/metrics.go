package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studyhook",
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Number of lifecycle events received from the archive, by kind.",
		}, []string{"kind"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studyhook",
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Number of handled events by outcome.",
		}, []string{"outcome"},
	)
	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "studyhook",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Wall time spent delivering one notification, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"},
	)
	deliveryRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studyhook",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Number of retried delivery attempts after a transport failure.",
		},
	)
	journalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studyhook",
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Number of outcome journal writes that failed.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsReceived, deliveries, deliveryDuration, deliveryRetries, journalErrors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op if Register hasn't been called.

func IncEvent(kind string) {
	if regOK.Load() {
		eventsReceived.WithLabelValues(kind).Inc()
	}
}

func IncOutcome(outcome string) {
	if regOK.Load() {
		deliveries.WithLabelValues(outcome).Inc()
	}
}

func ObserveDelivery(outcome string, seconds float64) {
	if regOK.Load() {
		deliveryDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func IncRetry() {
	if regOK.Load() {
		deliveryRetries.Inc()
	}
}

func IncJournalError(sink string) {
	if regOK.Load() {
		journalErrors.WithLabelValues(sink).Inc()
	}
}
