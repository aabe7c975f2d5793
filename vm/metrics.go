package vm

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/matrix-construct/construct-sub013/vm")

var EvalCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "vm",
	Name:      "eval",
}, []string{"fault"})

var EvalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "construct",
	Subsystem: "vm",
	Name:      "phase_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
}, []string{"phase"})

var FetchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "vm",
	Name:      "fetch_requests",
}, []string{"result"})

var evalsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "construct",
	Subsystem: "vm",
	Name:      "evals_in_flight",
})

var retiredIdx = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "construct",
	Subsystem: "vm",
	Name:      "retired_idx",
})

// Collectors lists the vm metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{EvalCount, EvalDuration, FetchRequests, evalsInFlight, retiredIdx}
}
