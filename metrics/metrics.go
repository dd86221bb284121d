// Package metrics exposes the process's Prometheus counters and
// histograms: one registry for the whole guest runtime, scraped over
// the router's own /metrics route rather than a separate listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_requests_total",
		Help: "Requests served by the router, by dispatch route and status class.",
	}, []string{"route", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgecore_request_duration_seconds",
		Help:    "End-to-end request handling latency, by dispatch route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	AuctionBidsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_auction_bids_total",
		Help: "Auction bids received, by provider and outcome.",
	}, []string{"provider", "outcome"})

	ClicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_clicks_total",
		Help: "First-party click redirects served, by dedup outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(RequestsTotal, RequestDuration, AuctionBidsTotal, ClicksTotal)
}

// Handler serves the registry in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code the way edgecore_requests_total
// labels it: "2xx", "4xx", "5xx", and so on.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
