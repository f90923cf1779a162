// Package metrics holds the prometheus instruments for the settlement
// lifecycle. Everything is registered on the default registry and exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OfferTransitions counts state-machine transitions by action and outcome.
	OfferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medclear_offer_transitions_total",
		Help: "Settlement offer state transitions by action and outcome.",
	}, []string{"action", "outcome"})

	// OTPVerifications counts OTP checks by result.
	OTPVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medclear_otp_verifications_total",
		Help: "OTP verification attempts by result.",
	}, []string{"result"})

	// WebhookEvents counts processed webhook deliveries by kind and result.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medclear_webhook_events_total",
		Help: "Payment processor webhook deliveries by kind and result.",
	}, []string{"kind", "result"})

	// SweptOffers counts offers force-expired by the sweeper.
	SweptOffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medclear_swept_offers_total",
		Help: "Offers transitioned to expired by the sweeper.",
	})
)
