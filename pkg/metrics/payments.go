package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks initiation calls and webhook reconciliation outcomes.
type PaymentMetrics struct {
	initiations   *prometheus.CounterVec
	initLatency   *prometheus.HistogramVec
	callbacks     *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	reviewFlagged *prometheus.CounterVec
}

// NewPaymentMetrics registers the payment metrics on reg. A nil registerer
// yields a no-op recorder.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	initiations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Payment initiation outcomes per provider.",
	}, []string{"provider", "outcome"})
	initLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_initiation_duration_seconds",
		Help:    "Time spent calling the provider, retries included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Webhook callbacks by provider and acknowledgement outcome.",
	}, []string{"provider", "outcome"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_settlements_total",
		Help: "Payment attempts moved to a terminal status.",
	}, []string{"provider", "status"})
	reviewFlagged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_review_flags_total",
		Help: "Reconciliation anomalies queued for manual review.",
	}, []string{"reason"})
	reg.MustRegister(initiations, initLatency, callbacks, settlements, reviewFlagged)
	return &PaymentMetrics{
		initiations:   initiations,
		initLatency:   initLatency,
		callbacks:     callbacks,
		settlements:   settlements,
		reviewFlagged: reviewFlagged,
	}
}

func (p *PaymentMetrics) ObserveInitiation(provider, outcome string, d time.Duration) {
	if p == nil || p.initiations == nil {
		return
	}
	p.initiations.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
	p.initLatency.WithLabelValues(normalizeLabel(provider)).Observe(d.Seconds())
}

func (p *PaymentMetrics) IncCallback(provider, outcome string) {
	if p == nil || p.callbacks == nil {
		return
	}
	p.callbacks.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (p *PaymentMetrics) IncSettlement(provider, status string) {
	if p == nil || p.settlements == nil {
		return
	}
	p.settlements.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Inc()
}

func (p *PaymentMetrics) IncReviewFlag(reason string) {
	if p == nil || p.reviewFlagged == nil {
		return
	}
	p.reviewFlagged.WithLabelValues(normalizeLabel(reason)).Inc()
}
