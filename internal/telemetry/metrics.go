// Package telemetry exposes Prometheus metrics for issuance and
// delivery observability.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the fiscal engine.
// Counters are labeled by branch and document type so dashboards can
// segment per point of sale.
type Metrics struct {
	// Issuance
	DocumentsIssued  *prometheus.CounterVec // branch, doc_type
	IssuanceFailed   *prometheus.CounterVec // branch, reason
	NumberingGaps    *prometheus.CounterVec // branch, doc_type

	// Delivery
	DeliveryAttempts  *prometheus.CounterVec   // branch, outcome
	DeliveryLatency   *prometheus.HistogramVec // branch
	PendingEntries    *prometheus.GaugeVec     // branch
	NeedsAttention    *prometheus.GaugeVec     // branch

	// Certificate
	CertDaysToExpiry prometheus.Gauge
}

// NewMetrics registers the instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "documents_issued_total",
			Help:      "Signed documents accepted into the delivery queue.",
		}, []string{"branch", "doc_type"}),

		IssuanceFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "issuance_failed_total",
			Help:      "Issuance attempts that failed, by error class.",
		}, []string{"branch", "reason"}),

		NumberingGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "numbering_gaps_total",
			Help:      "Consecutive numbers burned without a stored document.",
		}, []string{"branch", "doc_type"}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facturador",
			Name:      "delivery_attempts_total",
			Help:      "Authority delivery attempts by outcome.",
		}, []string{"branch", "outcome"}),

		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "facturador",
			Name:      "delivery_latency_seconds",
			Help:      "Wall time of one authority round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"branch"}),

		PendingEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "facturador",
			Name:      "outbox_pending",
			Help:      "Outbox entries awaiting or undergoing delivery.",
		}, []string{"branch"}),

		NeedsAttention: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "facturador",
			Name:      "outbox_needs_attention",
			Help:      "Outbox entries escalated to an operator.",
		}, []string{"branch"}),

		CertDaysToExpiry: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "facturador",
			Name:      "certificate_days_to_expiry",
			Help:      "Whole days until the signing certificate expires.",
		}),
	}
}
