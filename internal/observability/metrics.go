package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmitted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "orders_submitted_total", Help: "Total orders submitted"})
	OffersSent        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_sent_total", Help: "Total offers sent to drivers"})
	OffersAccepted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersDeclined    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_declined_total", Help: "Total offers declined"})
	OffersTimedOut    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_timed_out_total", Help: "Total offers timed out"})
	CascadesExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "cascades_exhausted_total", Help: "Total cascades that ran out of candidates"})

	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Drivers currently in the online set"})
	TransitionsApplied  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "dispatch", Name: "order_transitions_total", Help: "Accepted order state transitions"}, []string{"status"})
	TransitionsRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "order_transitions_rejected_total", Help: "Rejected order state transitions"})
	ResyncRequests      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "resync_requests_total", Help: "Resynchronization requests served"})
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "persistence_failures_total", Help: "Best-effort persistence writes that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
