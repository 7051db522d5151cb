// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OffersIssued counts offers signed and persisted in issued state.
	OffersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gaslend",
		Name:      "offers_issued_total",
		Help:      "Gas loan offers issued.",
	})

	// OfferExecutions counts execution attempts by terminal result.
	OfferExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaslend",
		Name:      "offer_executions_total",
		Help:      "Offer execution attempts by result.",
	}, []string{"result"})

	// RateLimitRejections counts requests bounced by the identity gate.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gaslend",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the per-agent rate limit.",
	})

	// ExecutingOffers tracks offers currently between submission and receipt.
	// The execution path adjusts it by deltas; each reconciliation run resets
	// it to the stored count, which also covers rows left by other processes.
	ExecutingOffers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gaslend",
		Name:      "executing_offers",
		Help:      "Offers currently in the executing state.",
	})
)
