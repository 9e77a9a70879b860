// Package telemetry exposes the service's Prometheus metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Telemetry struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	BatchItems        *prometheus.CounterVec
	VerifyOutcomes    *prometheus.CounterVec
	ProgressDelivered prometheus.Counter
}

// New registers the service metrics on the given registerer.
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govanswers",
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govanswers",
			Name:      "turn_duration_seconds",
			Help:      "End to end turn latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govanswers",
			Name:      "tool_calls_total",
			Help:      "Agent tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		BatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govanswers",
			Name:      "batch_items_total",
			Help:      "Batch items by outcome.",
		}, []string{"outcome"}),
		VerifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govanswers",
			Name:      "citation_verifications_total",
			Help:      "Citation verification results by band.",
		}, []string{"band"}),
		ProgressDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govanswers",
			Name:      "progress_events_total",
			Help:      "Progress events published.",
		}),
	}
	reg.MustRegister(t.TurnsTotal, t.TurnDuration, t.ToolCalls, t.BatchItems, t.VerifyOutcomes, t.ProgressDelivered)
	return t
}

// ObserveTurn records one finished turn.
func (t *Telemetry) ObserveTurn(outcome string, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.TurnsTotal.WithLabelValues(outcome).Inc()
	t.TurnDuration.Observe(elapsed.Seconds())
}
