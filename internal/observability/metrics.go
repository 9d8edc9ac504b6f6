package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total match attempts"})
	MatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})
	NoDriverFoundTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_driver_found_total", Help: "Match attempts that found no eligible driver"})

	OffersCreatedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Ride offers dispatched to drivers"})
	OffersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Offers that won the acceptance race"})
	OffersRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_rejected_total", Help: "Offer acceptances rejected, by reason"},
		[]string{"reason"},
	)
	OffersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Offers swept or superseded to expired"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Committed ride status transitions, by target status"},
		[]string{"to_status"},
	)
	PaymentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_failures_total", Help: "Payment collaborator failures (non-fatal)"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently reporting online"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
