// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthTotal counts gate decisions by outcome.
	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_auth_total",
		Help: "Authentication attempts by outcome",
	}, []string{"outcome"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_ratelimit_rejections_total",
		Help: "Requests rejected by the rate limiter, by tier",
	}, []string{"tier"})

	RateLimitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuroforge_ratelimit_fallback_total",
		Help: "Rate checks served by the in-process store after a shared store error",
	})

	// KeyScanCandidates tracks how many hashes one token verification compared.
	KeyScanCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuroforge_key_scan_candidates",
		Help:    "Active keys compared per token verification",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	VoteCastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_vote_cast_total",
		Help: "Vote casts by result",
	}, []string{"result"})

	ContentOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_content_ops_total",
		Help: "Content ledger operations by kind",
	}, []string{"op"})

	OutboxEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_outbox_events_total",
		Help: "Outbox events by delivery result",
	}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroforge_http_requests_total",
		Help: "HTTP requests by route pattern and status code",
	}, []string{"route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
