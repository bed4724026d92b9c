// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinic"

// Sweep outcomes.
const (
	SweepOK      = "ok"
	SweepFailed  = "failed"
	SweepSkipped = "skipped"
	SweepBusy    = "busy"
)

// Sweep triggers.
const (
	TriggerTick     = "tick"
	TriggerOnDemand = "on_demand"
)

var (
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Expiration sweeps by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Wall time of completed expiration sweeps, retries included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"trigger"})

	AppointmentsRetired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "appointments_retired_total",
		Help:      "Appointments moved to expired by the sweeper.",
	})

	SweepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "retries_total",
		Help:      "Sweep attempts repeated after a resource failure.",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "appointments",
		Name:      "status_transitions_total",
		Help:      "Requested status transitions by target status and result.",
	}, []string{"to", "result"})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifications",
		Name:      "published_total",
		Help:      "Notifications handed to the broker by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)
