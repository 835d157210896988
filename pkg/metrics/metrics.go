// Package metrics exposes Prometheus metrics for reconciliation and
// provisioning.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awg_keeper_reconcile_passes_total",
			Help: "Reconciliation passes by outcome (completed, skipped)",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "awg_keeper_reconcile_duration_seconds",
			Help:    "Duration of a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awg_keeper_reconcile_actions_total",
			Help: "Actions taken by reconciliation",
		},
		[]string{"action"},
	)

	LastPassTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "awg_keeper_reconcile_last_pass_timestamp_seconds",
			Help: "Unix time of the last completed reconciliation pass",
		},
	)

	PeersObserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awg_keeper_peers",
			Help: "Peers seen in the last pass by source (runtime, metadata, records)",
		},
		[]string{"source"},
	)

	ProvisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awg_keeper_provision_total",
			Help: "Provisioning requests by result (new, existing, error)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ReconcilePassesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileActionsTotal)
	prometheus.MustRegister(LastPassTimestamp)
	prometheus.MustRegister(PeersObserved)
	prometheus.MustRegister(ProvisionTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
